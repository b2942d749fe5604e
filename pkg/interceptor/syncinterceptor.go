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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/rtpsync/pkg/synchronizer"
)

type attributeKey int

// PTSAttributeKey holds the synchronized PTS (time.Duration) of an RTP packet read through a SyncInterceptor.
const PTSAttributeKey attributeKey = iota

const defaultGroupID = "default"

type SyncInterceptorFactory struct {
	sync   *synchronizer.Synchronizer
	clock  func() time.Duration
	logger logger.Logger
}

// NewSyncInterceptorFactory creates interceptors that feed every remote stream and every inbound
// RTCP compound into sync. clock gives the pipeline time of a packet on arrival.
// Each interceptor uses its id as sync group.
func NewSyncInterceptorFactory(syncer *synchronizer.Synchronizer, clock func() time.Duration, l logger.Logger) *SyncInterceptorFactory {
	if l == nil {
		l = logger.GetLogger()
	}
	return &SyncInterceptorFactory{
		sync:   syncer,
		clock:  clock,
		logger: l,
	}
}

func (f *SyncInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	if id == "" {
		id = defaultGroupID
	}
	return NewSyncInterceptor(f.sync, f.clock, id, f.logger.WithValues("groupID", id)), nil
}

type SyncInterceptor struct {
	interceptor.NoOp

	sync    *synchronizer.Synchronizer
	clock   func() time.Duration
	groupID string
	logger  logger.Logger

	lock    sync.Mutex
	streams map[uint32]string
}

func NewSyncInterceptor(syncer *synchronizer.Synchronizer, clock func() time.Duration, groupID string, l logger.Logger) *SyncInterceptor {
	return &SyncInterceptor{
		sync:    syncer,
		clock:   clock,
		groupID: groupID,
		logger:  l,
		streams: make(map[uint32]string),
	}
}

func (s *SyncInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		i, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}

		if err := s.sync.OnRTCP(&synchronizer.Buffer{Data: b[:i]}, s.clock()); err != nil {
			s.logger.Debugw("could not synchronize rtcp", "error", err)
		}
		return i, attr, nil
	})
}

func (s *SyncInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	streamID := info.ID
	if streamID == "" {
		streamID = strconv.FormatUint(uint64(info.SSRC), 10)
	}
	streamID = s.groupID + "/" + streamID

	_, err := s.sync.AddStream(synchronizer.StreamInfo{
		ID:          streamID,
		Kind:        codecType(info.MimeType),
		SSRC:        info.SSRC,
		PayloadType: info.PayloadType,
		ClockRate:   info.ClockRate,
	}, s.groupID)
	if err != nil {
		s.logger.Warnw("could not add stream", err, "ssrc", info.SSRC, "mimeType", info.MimeType)
		return reader
	}

	s.lock.Lock()
	s.streams[info.SSRC] = streamID
	s.lock.Unlock()

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		i, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}

		now := s.clock()
		buf := &synchronizer.Buffer{Data: b[:i], PTS: now, DTS: now}
		if _, err := s.sync.OnRTP(buf); err != nil {
			if synchronizer.IsInvalidData(err) {
				s.logger.Debugw("packet not synchronized", "error", err, "ssrc", info.SSRC)
			} else {
				s.logger.Warnw("packet not synchronized", err, "ssrc", info.SSRC)
			}
			return i, attr, nil
		}

		if attr == nil {
			attr = make(interceptor.Attributes)
		}
		attr[PTSAttributeKey] = buf.PTS
		return i, attr, nil
	})
}

func (s *SyncInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	s.lock.Lock()
	streamID, ok := s.streams[info.SSRC]
	delete(s.streams, info.SSRC)
	s.lock.Unlock()

	if ok {
		s.sync.RemoveStream(streamID)
	}
}

func (s *SyncInterceptor) Close() error {
	s.lock.Lock()
	streams := s.streams
	s.streams = make(map[uint32]string)
	s.lock.Unlock()

	for _, streamID := range streams {
		s.sync.RemoveStream(streamID)
	}
	return nil
}

// PTSFromAttributes returns the synchronized PTS set by a SyncInterceptor.
func PTSFromAttributes(attr interceptor.Attributes) (time.Duration, bool) {
	if attr == nil {
		return 0, false
	}
	pts, ok := attr[PTSAttributeKey].(time.Duration)
	return pts, ok
}

func codecType(mimeType string) webrtc.RTPCodecType {
	kind, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return webrtc.NewRTPCodecType(kind)
}
