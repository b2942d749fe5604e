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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/livekit/rtpsync/pkg/config"
	"github.com/livekit/rtpsync/pkg/synchronizer"
)

func TestStreamInfosFromConfig(t *testing.T) {
	conf, err := config.NewConfig(`
sync:
  group_id: call
  streams:
    - id: mic
      kind: audio
      ssrc: 42
      payload_type: 111
      clock_rate: 48000
`, true, nil)
	require.NoError(t, err)

	infos, err := streamInfos(conf)
	require.NoError(t, err)
	require.Equal(t, []synchronizer.StreamInfo{
		{ID: "mic", Kind: webrtc.RTPCodecTypeAudio, SSRC: 42, PayloadType: 111, ClockRate: 48000},
	}, infos)
	require.Empty(t, rtcpAddr(conf))
}

func TestStreamInfosFromSDP(t *testing.T) {
	file := filepath.Join(t.TempDir(), "offer.sdp")
	require.NoError(t, os.WriteFile(file, []byte("v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 5004 RTP/AVP 0\r\n"), 0o644))

	conf, err := config.NewConfig("rtp: {bind_address: 127.0.0.1, rtcp_port: 5005}\nsync: {group_id: call, sdp_file: "+file+"}", true, nil)
	require.NoError(t, err)

	infos, err := streamInfos(conf)
	require.NoError(t, err)
	require.Equal(t, []synchronizer.StreamInfo{
		{ID: "call/0", Kind: webrtc.RTPCodecTypeAudio, PayloadType: 0, ClockRate: 8000},
	}, infos)
	require.Equal(t, "127.0.0.1:5005", rtcpAddr(conf))
}
