// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sdpclock extracts the payload type to clock rate mapping of an SDP description.
package sdpclock

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/livekit/rtpsync/pkg/synchronizer"
)

var ErrNoMedia = errors.New("no usable media in session description")

// MediaClock is one payload type of a media section.
type MediaClock struct {
	Mid         string
	Index       int
	Kind        webrtc.RTPCodecType
	PayloadType uint8
	ClockRate   uint32
	Codec       string
	SSRC        uint32
}

type staticPayload struct {
	codec     string
	clockRate uint32
}

// RFC 3551 section 6
var staticPayloads = map[uint8]staticPayload{
	0:  {"PCMU", 8000},
	3:  {"GSM", 8000},
	4:  {"G723", 8000},
	5:  {"DVI4", 8000},
	6:  {"DVI4", 16000},
	7:  {"LPC", 8000},
	8:  {"PCMA", 8000},
	9:  {"G722", 8000},
	10: {"L16", 44100},
	11: {"L16", 44100},
	12: {"QCELP", 8000},
	13: {"CN", 8000},
	14: {"MPA", 90000},
	15: {"G728", 8000},
	16: {"DVI4", 11025},
	17: {"DVI4", 22050},
	18: {"G729", 8000},
	25: {"CelB", 90000},
	26: {"JPEG", 90000},
	28: {"nv", 90000},
	31: {"H261", 90000},
	32: {"MPV", 90000},
	33: {"MP2T", 90000},
	34: {"H263", 90000},
}

// Parse returns one MediaClock per payload type of every accepted audio or video section.
// Payload types without a known clock rate are skipped.
func Parse(raw []byte) ([]MediaClock, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return nil, errors.Wrap(err, "could not parse session description")
	}

	var clocks []MediaClock
	for idx, md := range desc.MediaDescriptions {
		kind := webrtc.NewRTPCodecType(md.MediaName.Media)
		if kind == 0 || md.MediaName.Port.Value == 0 {
			continue
		}

		mid, _ := md.Attribute(sdp.AttrKeyMID)
		rtpmaps := parseRTPMaps(md)
		ssrc := parseSSRC(md)

		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 7)
			if err != nil {
				continue
			}

			c, ok := rtpmaps[uint8(pt)]
			if !ok {
				c, ok = staticPayloads[uint8(pt)]
			}
			if !ok || c.clockRate == 0 {
				continue
			}

			clocks = append(clocks, MediaClock{
				Mid:         mid,
				Index:       idx,
				Kind:        kind,
				PayloadType: uint8(pt),
				ClockRate:   c.clockRate,
				Codec:       c.codec,
				SSRC:        ssrc,
			})
		}
	}

	if len(clocks) == 0 {
		return nil, ErrNoMedia
	}
	return clocks, nil
}

// StreamInfos returns one stream per media section, using its first payload type.
func StreamInfos(clocks []MediaClock, groupID string) []synchronizer.StreamInfo {
	var infos []synchronizer.StreamInfo
	seen := make(map[int]bool)
	for _, c := range clocks {
		if seen[c.Index] {
			continue
		}
		seen[c.Index] = true

		name := c.Mid
		if name == "" {
			name = strconv.Itoa(c.Index)
		}
		infos = append(infos, synchronizer.StreamInfo{
			ID:          groupID + "/" + name,
			Kind:        c.Kind,
			SSRC:        c.SSRC,
			PayloadType: c.PayloadType,
			ClockRate:   c.ClockRate,
		})
	}
	return infos
}

// a=rtpmap:<payload type> <encoding name>/<clock rate>[/<encoding parameters>]
func parseRTPMaps(md *sdp.MediaDescription) map[uint8]staticPayload {
	rtpmaps := make(map[uint8]staticPayload)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}

		ptStr, encoding, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		pt, err := strconv.ParseUint(ptStr, 10, 7)
		if err != nil {
			continue
		}

		parts := strings.Split(strings.TrimSpace(encoding), "/")
		if len(parts) < 2 {
			continue
		}
		clockRate, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			continue
		}
		rtpmaps[uint8(pt)] = staticPayload{codec: parts[0], clockRate: uint32(clockRate)}
	}
	return rtpmaps
}

// first a=ssrc:<ssrc> <attribute> line
func parseSSRC(md *sdp.MediaDescription) uint32 {
	for _, attr := range md.Attributes {
		if attr.Key != sdp.AttrKeySSRC {
			continue
		}
		ssrcStr, _, _ := strings.Cut(attr.Value, " ")
		ssrc, err := strconv.ParseUint(ssrcStr, 10, 32)
		if err == nil {
			return uint32(ssrc)
		}
	}
	return 0
}
