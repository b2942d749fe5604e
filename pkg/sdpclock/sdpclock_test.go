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

package sdpclock

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/livekit/rtpsync/pkg/synchronizer"
)

var testOffer = strings.Join([]string{
	"v=0",
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"m=audio 5004 RTP/AVP 111 0 8",
	"c=IN IP4 127.0.0.1",
	"a=mid:audio",
	"a=rtpmap:111 opus/48000/2",
	"a=ssrc:1111 cname:rtpsync",
	"m=video 5006 RTP/AVP 96 97",
	"c=IN IP4 127.0.0.1",
	"a=rtpmap:96 VP8/90000",
	"a=rtpmap:97 rtx/90000",
	"a=ssrc:2222 cname:rtpsync",
	"a=ssrc:3333 cname:rtpsync",
	"m=video 0 RTP/AVP 98",
	"a=rtpmap:98 H264/90000",
	"m=application 5008 UDP/DTLS/SCTP webrtc-datachannel",
	"",
}, "\r\n")

func TestParse(t *testing.T) {
	clocks, err := Parse([]byte(testOffer))
	require.NoError(t, err)

	require.Equal(t, []MediaClock{
		{Mid: "audio", Index: 0, Kind: webrtc.RTPCodecTypeAudio, PayloadType: 111, ClockRate: 48000, Codec: "opus", SSRC: 1111},
		{Mid: "audio", Index: 0, Kind: webrtc.RTPCodecTypeAudio, PayloadType: 0, ClockRate: 8000, Codec: "PCMU", SSRC: 1111},
		{Mid: "audio", Index: 0, Kind: webrtc.RTPCodecTypeAudio, PayloadType: 8, ClockRate: 8000, Codec: "PCMA", SSRC: 1111},
		{Index: 1, Kind: webrtc.RTPCodecTypeVideo, PayloadType: 96, ClockRate: 90000, Codec: "VP8", SSRC: 2222},
		{Index: 1, Kind: webrtc.RTPCodecTypeVideo, PayloadType: 97, ClockRate: 90000, Codec: "rtx", SSRC: 2222},
	}, clocks)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("not sdp"))
	require.Error(t, err)

	noMedia := strings.Join([]string{
		"v=0",
		"o=- 1 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 5004 RTP/AVP 101",
		"",
	}, "\r\n")
	_, err = Parse([]byte(noMedia))
	require.ErrorIs(t, err, ErrNoMedia)
}

func TestStreamInfos(t *testing.T) {
	clocks, err := Parse([]byte(testOffer))
	require.NoError(t, err)

	require.Equal(t, []synchronizer.StreamInfo{
		{ID: "call/audio", Kind: webrtc.RTPCodecTypeAudio, SSRC: 1111, PayloadType: 111, ClockRate: 48000},
		{ID: "call/1", Kind: webrtc.RTPCodecTypeVideo, SSRC: 2222, PayloadType: 96, ClockRate: 90000},
	}, StreamInfos(clocks, "call"))
}
