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

package interceptor

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/rtpsync/pkg/synchronizer"
)

type fakeClock struct {
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	return c.now
}

// reads return the queued packets one by one
func queueReader(queue *[][]byte) func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	return func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		pkt := (*queue)[0]
		*queue = (*queue)[1:]
		return copy(b, pkt), a, nil
	}
}

func marshalRTP(t *testing.T, ssrc uint32, sn uint16, ts uint32) []byte {
	data, err := (&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: sn,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: []byte{0x1},
	}).Marshal()
	require.NoError(t, err)
	return data
}

func TestSyncInterceptor(t *testing.T) {
	syncer := synchronizer.NewSynchronizer(synchronizer.WithLogger(logger.NewTestLogger(t)))
	clock := &fakeClock{}

	f := NewSyncInterceptorFactory(syncer, clock.Now, logger.NewTestLogger(t))
	i, err := f.NewInterceptor("pc")
	require.NoError(t, err)

	var rtcpQueue, rtpQueue [][]byte
	rtcpReader := i.BindRTCPReader(interceptor.RTCPReaderFunc(queueReader(&rtcpQueue)))
	info := &interceptor.StreamInfo{
		SSRC:        0x1,
		PayloadType: 96,
		ClockRate:   90000,
		MimeType:    webrtc.MimeTypeVP8,
	}
	rtpReader := i.BindRemoteStream(info, interceptor.RTPReaderFunc(queueReader(&rtpQueue)))

	stream := syncer.GetStream(0x1)
	require.NotNil(t, stream)
	require.Equal(t, "pc/1", stream.ID())

	sr, err := rtcp.Marshal([]rtcp.Packet{&rtcp.SenderReport{
		SSRC:    0x1,
		NTPTime: synchronizer.DurationToNTP(10 * time.Second),
		RTPTime: 0,
	}})
	require.NoError(t, err)

	clock.now = time.Second
	rtcpQueue = append(rtcpQueue, sr)
	b := make([]byte, 1500)
	n, _, err := rtcpReader.Read(b, nil)
	require.NoError(t, err)
	require.Equal(t, len(sr), n)
	require.True(t, stream.IsCorrelated())

	clock.now = 5 * time.Second
	rtpQueue = append(rtpQueue, marshalRTP(t, 0x1, 1, 90000))
	_, attr, err := rtpReader.Read(b, nil)
	require.NoError(t, err)

	pts, ok := PTSFromAttributes(attr)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, pts)

	// packets of other streams are passed through untouched
	rtpQueue = append(rtpQueue, marshalRTP(t, 0x2, 1, 90000))
	_, attr, err = rtpReader.Read(b, nil)
	require.NoError(t, err)
	_, ok = PTSFromAttributes(attr)
	require.False(t, ok)

	i.UnbindRemoteStream(info)
	require.Nil(t, syncer.GetStream(0x1))
	require.NoError(t, i.Close())
	require.NoError(t, syncer.End())
}

// captures the lines of a debug level test logger
type logRecorder struct {
	*testing.T

	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) Logf(format string, args ...any) {
	r.Log(fmt.Sprintf(format, args...))
}

func (r *logRecorder) Log(args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprint(args...))
}

func (r *logRecorder) find(msg string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range r.lines {
		if strings.Contains(line, msg) {
			return line
		}
	}
	return ""
}

func TestSyncInterceptorLogsErrors(t *testing.T) {
	rec := &logRecorder{T: t}
	syncer := synchronizer.NewSynchronizer(synchronizer.WithLogger(logger.NewTestLogger(t)))

	f := NewSyncInterceptorFactory(syncer, (&fakeClock{}).Now, logger.NewTestLoggerLevel(rec, 1))
	i, err := f.NewInterceptor("pc")
	require.NoError(t, err)

	var rtcpQueue, rtpQueue [][]byte
	rtcpReader := i.BindRTCPReader(interceptor.RTCPReaderFunc(queueReader(&rtcpQueue)))
	rtpReader := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 0x1, PayloadType: 96, ClockRate: 90000}, interceptor.RTPReaderFunc(queueReader(&rtpQueue)))

	b := make([]byte, 1500)
	rtcpQueue = append(rtcpQueue, []byte{0x81})
	_, _, err = rtcpReader.Read(b, nil)
	require.NoError(t, err)

	line := rec.find("could not synchronize rtcp")
	require.Contains(t, line, `"error"=`)
	require.Contains(t, line, "UnexpectedError")

	// payload type the stream was not registered with
	data, err := (&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 97, SSRC: 0x1}}).Marshal()
	require.NoError(t, err)
	rtpQueue = append(rtpQueue, data)
	_, _, err = rtpReader.Read(b, nil)
	require.NoError(t, err)

	line = rec.find("packet not synchronized")
	require.Contains(t, line, `"error"=`)
	require.Contains(t, line, "InvalidData")
	require.Contains(t, line, `"ssrc"=1`)

	require.NoError(t, i.Close())
	require.NoError(t, syncer.End())
}

func TestCodecType(t *testing.T) {
	require.Equal(t, webrtc.RTPCodecTypeAudio, codecType(webrtc.MimeTypeOpus))
	require.Equal(t, webrtc.RTPCodecTypeVideo, codecType("VIDEO/H264"))
	require.Equal(t, webrtc.RTPCodecType(0), codecType(""))
}
