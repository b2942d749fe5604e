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

package synchronizer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/protocol/logger"
)

const (
	DefaultPendingReports = 16
)

type TrackRemote interface {
	ID() string
	Codec() webrtc.RTPCodecParameters
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
}

// StreamInfo describes a stream to add to a Synchronizer.
type StreamInfo struct {
	ID          string
	Kind        webrtc.RTPCodecType
	SSRC        uint32 // 0 to learn it from the first RTP packet
	PayloadType uint8
	ClockRate   uint32
	FedSorted   bool
}

type SynchronizerOption func(*SynchronizerConfig)

// SynchronizerConfig holds configuration for the Synchronizer
type SynchronizerConfig struct {
	StatsDir       string
	FedSorted      bool
	Logger         logger.Logger
	Metrics        Metrics
	PendingReports int
}

// WithStatsDir enables one CSV stats file per sync group in dir
func WithStatsDir(dir string) SynchronizerOption {
	return func(config *SynchronizerConfig) {
		config.StatsDir = dir
	}
}

// WithSortedInput puts every stream in fed-sorted mode
func WithSortedInput() SynchronizerOption {
	return func(config *SynchronizerConfig) {
		config.FedSorted = true
	}
}

func WithLogger(l logger.Logger) SynchronizerOption {
	return func(config *SynchronizerConfig) {
		config.Logger = l
	}
}

func WithSessionMetrics(m Metrics) SynchronizerOption {
	return func(config *SynchronizerConfig) {
		config.Metrics = m
	}
}

// WithPendingReports sets how many sender reports for not yet known SSRCs are kept
func WithPendingReports(n int) SynchronizerOption {
	return func(config *SynchronizerConfig) {
		config.PendingReports = n
	}
}

type pendingReport struct {
	sr          *rtcp.SenderReport
	arrivalTime time.Duration
}

type streamEntry struct {
	stream  *StreamSynchronizer
	groupID string
	ssrc    uint32
	indexed bool
}

// Synchronizer routes the RTP and RTCP of a session to the streams of its sync groups.
// Every group shares one SyncContext.
type Synchronizer struct {
	sync.RWMutex

	config SynchronizerConfig
	logger logger.Logger
	ended  bool

	groups        map[string]*groupSynchronizer
	streamsByID   map[string]*streamEntry
	streamsBySSRC map[uint32]*streamEntry
	unbound       []*streamEntry
	pending       *deque.Deque[pendingReport]
}

func NewSynchronizer(opts ...SynchronizerOption) *Synchronizer {
	config := SynchronizerConfig{
		PendingReports: DefaultPendingReports,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = logger.GetLogger()
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}

	return &Synchronizer{
		config:        config,
		logger:        config.Logger,
		groups:        make(map[string]*groupSynchronizer),
		streamsByID:   make(map[string]*streamEntry),
		streamsBySSRC: make(map[uint32]*streamEntry),
		pending:       new(deque.Deque[pendingReport]),
	}
}

func (s *Synchronizer) AddTrack(track TrackRemote, groupID string) (*StreamSynchronizer, error) {
	codec := track.Codec()
	return s.AddStream(StreamInfo{
		ID:          track.ID(),
		Kind:        track.Kind(),
		SSRC:        uint32(track.SSRC()),
		PayloadType: uint8(codec.PayloadType),
		ClockRate:   codec.ClockRate,
	}, groupID)
}

// AddStream creates a stream in the given sync group, creating the group if needed.
func (s *Synchronizer) AddStream(info StreamInfo, groupID string) (*StreamSynchronizer, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	s.Lock()
	if s.ended {
		s.Unlock()
		return nil, ErrSynchronizerEnd
	}
	if _, ok := s.streamsByID[info.ID]; ok {
		s.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, info.ID)
	}
	if info.SSRC != 0 {
		if _, ok := s.streamsBySSRC[info.SSRC]; ok {
			s.Unlock()
			return nil, fmt.Errorf("%w: ssrc %d", ErrStreamExists, info.SSRC)
		}
	}

	g := s.groups[groupID]
	if g == nil {
		g = newGroupSynchronizer(groupID, s.config.StatsDir, s.logger.WithValues("groupID", groupID))
		s.groups[groupID] = g
	}

	opts := []StreamOption{
		WithStreamID(info.ID),
		WithStreamLogger(s.logger.WithValues("groupID", groupID, "kind", info.Kind.String())),
		WithMetrics(s.config.Metrics),
	}
	if info.FedSorted || s.config.FedSorted {
		opts = append(opts, WithFedSorted())
	}
	stream := NewStreamSynchronizer(g.ctx, opts...)
	if info.ClockRate != 0 {
		if err := stream.RegisterClockRate(info.PayloadType, int32(info.ClockRate)); err != nil {
			s.Unlock()
			return nil, err
		}
	}

	e := &streamEntry{
		stream:  stream,
		groupID: groupID,
	}
	s.streamsByID[info.ID] = e
	g.addStream(stream)

	if info.SSRC != 0 {
		s.replayLocked(stream, s.indexLocked(e, info.SSRC))
	} else {
		s.unbound = append(s.unbound, e)
	}
	s.Unlock()

	s.logger.Debugw("stream added", "streamID", info.ID, "groupID", groupID, "ssrc", info.SSRC, "pt", info.PayloadType, "clockRate", info.ClockRate)
	return stream, nil
}

func (s *Synchronizer) RemoveStream(streamID string) {
	s.Lock()
	e := s.streamsByID[streamID]
	if e == nil {
		s.Unlock()
		return
	}

	delete(s.streamsByID, streamID)
	if e.indexed {
		delete(s.streamsBySSRC, e.ssrc)
	}
	for i, u := range s.unbound {
		if u == e {
			s.unbound = append(s.unbound[:i], s.unbound[i+1:]...)
			break
		}
	}

	g := s.groups[e.groupID]
	var closeGroup bool
	if g != nil && g.removeStream(streamID) {
		delete(s.groups, e.groupID)
		closeGroup = true
	}
	s.Unlock()

	if closeGroup {
		if err := g.close(); err != nil {
			s.logger.Warnw("could not close sync group", err, "groupID", e.groupID)
		}
	}
}

func (s *Synchronizer) GetStream(ssrc uint32) *StreamSynchronizer {
	s.RLock()
	defer s.RUnlock()

	if e := s.streamsBySSRC[ssrc]; e != nil {
		return e.stream
	}
	return nil
}

// LookupClockRate returns the clock rate of the stream an RTP packet with this SSRC and payload type
// would be routed to.
func (s *Synchronizer) LookupClockRate(ssrc uint32, pt uint8) (uint32, bool) {
	s.RLock()
	defer s.RUnlock()

	if e := s.streamsBySSRC[ssrc]; e != nil {
		_, clockRate, ok := e.stream.ClockRate()
		return clockRate, ok
	}
	for _, u := range s.unbound {
		if upt, clockRate, ok := u.stream.ClockRate(); ok && upt == pt {
			return clockRate, true
		}
	}
	return 0, false
}

// OnRTCP routes every Sender Report of an RTCP compound to the stream bound to its SSRC.
// Reports for unknown SSRCs are kept and replayed when a stream binds that SSRC.
func (s *Synchronizer) OnRTCP(buf *Buffer, arrivalTime time.Duration) error {
	if len(buf.Data) == 0 {
		return unexpected("empty RTCP buffer")
	}

	for data := buf.Data; len(data) > 0; {
		hdr, pkt, rest, err := splitRTCP(data)
		if err != nil {
			return unexpected("buffer cannot be parsed as RTCP: %v", err)
		}
		data = rest
		if hdr.Type != rtcp.TypeSenderReport {
			continue
		}

		sr := &rtcp.SenderReport{}
		if err = sr.Unmarshal(pkt); err != nil {
			return unexpected("sender report cannot be parsed: %v", err)
		}
		if !s.routeSenderReport(sr, arrivalTime) {
			return nil
		}
	}
	return nil
}

// routeSenderReport returns false once the synchronizer has ended.
func (s *Synchronizer) routeSenderReport(sr *rtcp.SenderReport, arrivalTime time.Duration) bool {
	s.Lock()
	if s.ended {
		s.Unlock()
		return false
	}
	e := s.streamsBySSRC[sr.SSRC]
	if e == nil {
		if s.config.PendingReports > 0 {
			for s.pending.Len() >= s.config.PendingReports {
				dropped := s.pending.PopFront()
				s.logger.Debugw("dropping pending sender report", "ssrc", dropped.sr.SSRC)
			}
			s.pending.PushBack(pendingReport{sr: sr, arrivalTime: arrivalTime})
		}
		s.Unlock()
		return true
	}
	s.Unlock()

	e.stream.ProcessSenderReport(sr, arrivalTime)
	return true
}

// OnRTP rewrites the PTS of buf using the stream bound to its SSRC. Packets with an unknown
// SSRC bind the first stream without SSRC that expects their payload type.
func (s *Synchronizer) OnRTP(buf *Buffer) (*StreamSynchronizer, error) {
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(buf.Data); err != nil {
		return nil, unexpected("buffer cannot be parsed as RTP: %v", err)
	}

	s.Lock()
	if s.ended {
		s.Unlock()
		return nil, ErrSynchronizerEnd
	}

	e := s.streamsBySSRC[hdr.SSRC]
	if e == nil {
		for i, u := range s.unbound {
			if pt, _, ok := u.stream.ClockRate(); ok && pt == hdr.PayloadType {
				e = u
				s.unbound = append(s.unbound[:i], s.unbound[i+1:]...)
				s.replayLocked(e.stream, s.indexLocked(e, hdr.SSRC))
				break
			}
		}
	}
	s.Unlock()

	if e == nil {
		return nil, fmt.Errorf("%w: ssrc %d, pt %d", ErrUnknownStream, hdr.SSRC, hdr.PayloadType)
	}
	return e.stream, e.stream.ProcessRTP(buf)
}

func (s *Synchronizer) indexLocked(e *streamEntry, ssrc uint32) []pendingReport {
	e.ssrc = ssrc
	e.indexed = true
	s.streamsBySSRC[ssrc] = e

	var matched []pendingReport
	for n := s.pending.Len(); n > 0; n-- {
		p := s.pending.PopFront()
		if p.sr.SSRC == ssrc {
			matched = append(matched, p)
		} else {
			s.pending.PushBack(p)
		}
	}
	return matched
}

// replayLocked applies queued reports before the SSRC becomes routable by OnRTCP.
func (s *Synchronizer) replayLocked(stream *StreamSynchronizer, reports []pendingReport) {
	for _, p := range reports {
		s.logger.Debugw("replaying pending sender report", "streamID", stream.ID(), "ssrc", p.sr.SSRC, "arrivalTime", p.arrivalTime)
		stream.ProcessSenderReport(p.sr, p.arrivalTime)
	}
}

// End stops routing and closes every sync group, flushing its stats file.
func (s *Synchronizer) End() error {
	s.Lock()
	if s.ended {
		s.Unlock()
		return nil
	}
	s.ended = true
	groups := s.groups
	s.groups = make(map[string]*groupSynchronizer)
	s.pending.Clear()
	s.Unlock()

	var errs []error
	for id, g := range groups {
		s.logger.Debugw("closing sync group", "groupID", id, "streams", g.numStreams())
		if err := g.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
