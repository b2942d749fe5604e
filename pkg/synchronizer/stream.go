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

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/mediatransportutil"
	"github.com/livekit/protocol/logger"
)

// Buffer is a media packet travelling through the pipeline.
// ProcessRTP rewrites PTS in place, callers sharing a Buffer across goroutines must copy it first.
type Buffer struct {
	Data []byte
	PTS  time.Duration
	DTS  time.Duration
}

type StreamOption func(*StreamConfig)

type StreamConfig struct {
	ID        string
	FedSorted bool
	Logger    logger.Logger
	Metrics   Metrics
}

// WithFedSorted declares that RTP packets will be fed in timestamp order.
// The stream then guarantees non decreasing PTS, until the first unsorted packet is seen.
func WithFedSorted() StreamOption {
	return func(c *StreamConfig) {
		c.FedSorted = true
	}
}

func WithStreamID(id string) StreamOption {
	return func(c *StreamConfig) {
		c.ID = id
	}
}

func WithStreamLogger(l logger.Logger) StreamOption {
	return func(c *StreamConfig) {
		c.Logger = l
	}
}

func WithMetrics(m Metrics) StreamOption {
	return func(c *StreamConfig) {
		c.Metrics = m
	}
}

// StreamSynchronizer rewrites the PTS of the RTP packets of one stream so that it
// lines up with the other streams sharing its SyncContext.
type StreamSynchronizer struct {
	sync.Mutex
	ctx     *SyncContext
	id      string
	logger  logger.Logger
	metrics Metrics

	ssrc      uint32
	ssrcBound bool

	pt        uint8
	clockRate uint32
	rtpConverter

	extTS ExtendedTimestamp

	// interpolation, until the first sender report
	baseInterpolateInitialized bool
	baseInterpolateExtTS       uint64
	baseInterpolateTime        time.Duration

	// correlation, after the first sender report
	correlated    bool
	baseNTPTime   time.Duration
	baseSyncTime  time.Duration
	lastSR        *augmentedSenderReport
	lastSRNTPTime time.Duration
	lastSRExtTS   uint64

	fedSorted   bool
	fsLastValid bool
	fsLastExtTS uint64
	fsLastPTS   time.Duration

	stats stats
}

func NewStreamSynchronizer(ctx *SyncContext, opts ...StreamOption) *StreamSynchronizer {
	conf := StreamConfig{}
	for _, opt := range opts {
		opt(&conf)
	}

	l := conf.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	if conf.ID != "" {
		l = l.WithValues("streamID", conf.ID)
	}

	if ctx == nil {
		l.Warnw("no sync context given, stream will not be synchronized with others", nil)
		ctx = NewSyncContext(SyncContextConfig{Logger: l})
	}

	m := conf.Metrics
	if m == nil {
		m = noopMetrics{}
	}

	return &StreamSynchronizer{
		ctx:       ctx,
		id:        conf.ID,
		logger:    l,
		metrics:   m,
		extTS:     NewExtendedTimestamp(),
		fedSorted: conf.FedSorted,
	}
}

func (s *StreamSynchronizer) ID() string {
	return s.id
}

func (s *StreamSynchronizer) Context() *SyncContext {
	return s.ctx
}

// RegisterClockRate binds the payload type and its clock rate, only one can be registered.
func (s *StreamSynchronizer) RegisterClockRate(pt uint8, clockRate int32) error {
	if clockRate <= 0 {
		err := invalidData("clock-rate <= 0 not allowed")
		s.logger.Warnw("cannot register clock rate", err, "pt", pt, "clockRate", clockRate)
		return err
	}

	s.Lock()
	defer s.Unlock()

	if s.clockRate != 0 {
		err := invalidData("only one PT allowed")
		s.logger.Warnw("cannot register clock rate", err, "pt", pt, "clockRate", clockRate, "registeredPT", s.pt)
		return err
	}

	s.pt = pt
	s.clockRate = uint32(clockRate)
	s.rtpConverter = newRTPConverter(uint32(clockRate))
	s.logger = s.logger.WithValues("clockRate", clockRate)
	return nil
}

// ProcessRTCP handles the first packet of an RTCP compound, only Sender Reports have an effect.
// The rest of the compound is not parsed.
func (s *StreamSynchronizer) ProcessRTCP(buf *Buffer, arrivalTime time.Duration) error {
	hdr, pkt, _, err := splitRTCP(buf.Data)
	if err != nil {
		s.logger.Errorw("buffer cannot be parsed as RTCP", err)
		return unexpected("buffer cannot be parsed as RTCP: %v", err)
	}
	if hdr.Type != rtcp.TypeSenderReport {
		s.logger.Debugw("ignoring RTCP packet", "type", hdr.Type.String())
		return nil
	}

	sr := &rtcp.SenderReport{}
	if err = sr.Unmarshal(pkt); err != nil {
		s.logger.Errorw("sender report cannot be parsed", err)
		return unexpected("sender report cannot be parsed: %v", err)
	}

	s.ProcessSenderReport(sr, arrivalTime)
	return nil
}

// splitRTCP cuts the first packet off an RTCP compound.
func splitRTCP(data []byte) (rtcp.Header, []byte, []byte, error) {
	var hdr rtcp.Header
	if err := hdr.Unmarshal(data); err != nil {
		return hdr, nil, nil, err
	}
	size := (int(hdr.Length) + 1) * 4
	if size > len(data) {
		return hdr, nil, nil, fmt.Errorf("%s packet of %d bytes truncated to %d", hdr.Type, size, len(data))
	}
	return hdr, data[:size], data[size:], nil
}

// ProcessSenderReport correlates the stream with the sync context.
// arrivalTime is the pipeline time at which the report was received.
func (s *StreamSynchronizer) ProcessSenderReport(sr *rtcp.SenderReport, arrivalTime time.Duration) {
	ntpTime := NTPToDuration(sr.NTPTime)
	augmented := &augmentedSenderReport{
		SenderReport: sr,
		ntpTime:      ntpTime,
		receivedAt:   arrivalTime,
	}

	s.Lock()
	defer s.Unlock()

	s.logger.Debugw("processing sender report", "receivedSR", wrappedAugmentedSenderReportLogger{augmented})

	if !s.correlated {
		s.baseNTPTime, s.baseSyncTime = s.ctx.GetTimeMatching(ntpTime, arrivalTime)
		s.correlated = true
		s.logger.Debugw("sender report received, stop interpolating PTS", "state", s)
	}

	s.lastSRExtTS = s.extTS.Update(sr.RTPTime)
	s.lastSRNTPTime = ntpTime
	augmented.extRTPTime = s.lastSRExtTS
	s.lastSR = augmented

	s.stats.numSenderReports++
	s.metrics.OnSenderReport()
}

// ProcessRTP rewrites buf.PTS. On InvalidData from unsorted input in fed-sorted mode
// the PTS is still rewritten, on any other error the buffer is left untouched.
func (s *StreamSynchronizer) ProcessRTP(buf *Buffer) error {
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(buf.Data); err != nil {
		s.logger.Errorw("buffer cannot be parsed as RTP", err)
		err = unexpected("buffer cannot be parsed as RTP: %v", err)
		s.metrics.OnRTP(err)
		return err
	}

	row, write, err := s.processRTP(&hdr, buf)
	s.metrics.OnRTP(err)
	if write {
		row.EntryTime = time.Now()
		s.ctx.WriteStats(row)
	}
	return err
}

func (s *StreamSynchronizer) processRTP(hdr *rtp.Header, buf *Buffer) (StatsRow, bool, error) {
	s.Lock()
	defer s.Unlock()

	if !s.ssrcBound {
		s.ssrc = hdr.SSRC
		s.ssrcBound = true
		s.logger = s.logger.WithValues("ssrc", hdr.SSRC)
	} else if hdr.SSRC != s.ssrc {
		err := invalidData("invalid SSRC (%d), not matching with %d", hdr.SSRC, s.ssrc)
		s.logger.Warnw("rejecting RTP packet", err)
		s.stats.numRejected++
		return StatsRow{}, false, err
	}

	if hdr.PayloadType != s.pt || s.clockRate == 0 {
		var err error
		if hdr.PayloadType != s.pt {
			err = invalidData("unknown PT: %d, expected: %d", hdr.PayloadType, s.pt)
		} else {
			err = invalidData("invalid clock-rate: %d", s.clockRate)
		}
		s.logger.Warnw("rejecting RTP packet", err)
		s.stats.numRejected++
		return StatsRow{}, false, err
	}

	ptsOrig := buf.PTS
	s.extTS.Update(hdr.Timestamp)
	extTS := uint64(s.extTS)

	pts, done, err := s.checkSortedLocked(hdr, extTS)
	if done {
		buf.PTS = pts
		s.stats.numEmitted++
		return s.statsRowLocked(ptsOrig, buf, extTS), true, nil
	}

	pts = s.getPTSLocked(buf.PTS, extTS)

	if s.fedSorted {
		if s.fsLastValid && pts < s.fsLastPTS {
			s.logger.Warnw(
				"fixing PTS not increasing monotonically in sorted mode", nil,
				"sequenceNumber", hdr.SequenceNumber,
				"rtpTS", hdr.Timestamp,
				"extTS", extTS,
				"lastPTS", s.fsLastPTS,
				"currentPTS", pts,
			)
			pts = s.fsLastPTS
			s.stats.numSortedClamps++
			s.metrics.OnSortedClamp()
		}

		s.fsLastExtTS = extTS
		s.fsLastPTS = pts
		s.fsLastValid = true
	}

	buf.PTS = pts
	s.stats.numEmitted++
	return s.statsRowLocked(ptsOrig, buf, extTS), true, err
}

// checkSortedLocked returns done when the packet repeats the last sorted timestamp, the
// PTS to use is returned with it. Unsorted input disables sorted mode for good.
func (s *StreamSynchronizer) checkSortedLocked(hdr *rtp.Header, extTS uint64) (time.Duration, bool, error) {
	if !s.fedSorted || !s.fsLastValid {
		return 0, false, nil
	}

	switch {
	case extTS < s.fsLastExtTS:
		err := invalidData(
			"received an unsorted RTP buffer when expecting sorted (ssrc: %d, seq: %d, ts: %d, ext_ts: %d), moving to unsorted mode",
			hdr.SSRC, hdr.SequenceNumber, hdr.Timestamp, extTS,
		)
		s.logger.Warnw("leaving sorted mode", err, "lastExtTS", s.fsLastExtTS)
		s.fedSorted = false
		s.stats.sortedDegraded = true
		s.metrics.OnSortedDegraded()
		return 0, false, err

	case extTS == s.fsLastExtTS:
		return s.fsLastPTS, true, nil
	}

	return 0, false, nil
}

func (s *StreamSynchronizer) getPTSLocked(ptsIn time.Duration, extTS uint64) time.Duration {
	if !s.correlated {
		if !s.baseInterpolateInitialized {
			s.baseInterpolateExtTS = extTS
			s.baseInterpolateTime = ptsIn
			s.baseInterpolateInitialized = true
			s.logger.Debugw("no sender report yet, interpolating PTS", "baseExtTS", extTS, "basePTS", ptsIn)
			return ptsIn
		}

		s.stats.numInterpolated++
		pts, ok := s.offsetByTicks(s.baseInterpolateTime, extTS, s.baseInterpolateExtTS)
		return s.clampLocked(pts, ok, extTS)
	}

	pts, ok := addSat(s.baseSyncTime, s.lastSRNTPTime-s.baseNTPTime)
	pts, tok := s.offsetByTicks(pts, extTS, s.lastSRExtTS)
	return s.clampLocked(pts, ok && tok, extTS)
}

func (s *StreamSynchronizer) clampLocked(pts time.Duration, ok bool, extTS uint64) time.Duration {
	clamped, cok := clampPTS(pts)
	if !ok || !cok {
		s.logger.Debugw("PTS out of range, clamping", "pts", pts, "clamped", clamped, "extTS", extTS)
		s.stats.numSaturated++
		s.metrics.OnSaturation()
	}
	return clamped
}

func (s *StreamSynchronizer) statsRowLocked(ptsOrig time.Duration, buf *Buffer, extTS uint64) StatsRow {
	return StatsRow{
		SSRC:      s.ssrc,
		ClockRate: s.clockRate,
		PTSOrig:   ptsOrig,
		PTS:       buf.PTS,
		DTS:       buf.DTS,
		ExtRTP:    extTS,
		SRNTPTime: s.lastSRNTPTime,
		SRExtRTP:  s.lastSRExtTS,
	}
}

// SSRC returns the SSRC bound by the first RTP packet.
func (s *StreamSynchronizer) SSRC() (uint32, bool) {
	s.Lock()
	defer s.Unlock()

	return s.ssrc, s.ssrcBound
}

// ClockRate returns the registered payload type and clock rate.
func (s *StreamSynchronizer) ClockRate() (uint8, uint32, bool) {
	s.Lock()
	defer s.Unlock()

	return s.pt, s.clockRate, s.clockRate != 0
}

func (s *StreamSynchronizer) IsCorrelated() bool {
	s.Lock()
	defer s.Unlock()

	return s.correlated
}

func (s *StreamSynchronizer) IsFedSorted() bool {
	s.Lock()
	defer s.Unlock()

	return s.fedSorted
}

func (s *StreamSynchronizer) Stats() StreamStats {
	s.Lock()
	defer s.Unlock()

	return StreamStats{
		Emitted:        s.stats.numEmitted,
		Rejected:       s.stats.numRejected,
		Interpolated:   s.stats.numInterpolated,
		Saturated:      s.stats.numSaturated,
		SortedClamps:   s.stats.numSortedClamps,
		SortedDegraded: s.stats.sortedDegraded,
		SenderReports:  s.stats.numSenderReports,
	}
}

func (s *StreamSynchronizer) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	e.AddString("id", s.id)
	e.AddUint32("ssrc", s.ssrc)
	e.AddBool("ssrcBound", s.ssrcBound)
	e.AddUint8("pt", s.pt)
	e.AddUint32("clockRate", s.clockRate)
	e.AddUint64("extTS", uint64(s.extTS))
	e.AddBool("baseInterpolateInitialized", s.baseInterpolateInitialized)
	e.AddUint64("baseInterpolateExtTS", s.baseInterpolateExtTS)
	e.AddDuration("baseInterpolateTime", s.baseInterpolateTime)
	e.AddBool("correlated", s.correlated)
	e.AddDuration("baseNTPTime", s.baseNTPTime)
	e.AddDuration("baseSyncTime", s.baseSyncTime)
	e.AddObject("lastSR", wrappedAugmentedSenderReportLogger{s.lastSR})
	e.AddBool("fedSorted", s.fedSorted)
	e.AddUint64("fsLastExtTS", s.fsLastExtTS)
	e.AddDuration("fsLastPTS", s.fsLastPTS)
	e.AddObject("stats", s.stats)
	return nil
}

// IsInvalidData reports whether err rejects the caller's data rather than signalling a parse failure.
func IsInvalidData(err error) bool {
	return errors.Is(err, ErrInvalidData)
}

// -----------------------------

type augmentedSenderReport struct {
	*rtcp.SenderReport
	ntpTime    time.Duration
	extRTPTime uint64
	receivedAt time.Duration
}

// -----------------------------

type wrappedAugmentedSenderReportLogger struct {
	*augmentedSenderReport
}

func (w wrappedAugmentedSenderReportLogger) MarshalLogObject(e zapcore.ObjectEncoder) error {
	asr := w.augmentedSenderReport
	if asr == nil {
		return nil
	}

	e.AddUint32("SSRC", asr.SSRC)
	e.AddUint32("RTPTime", asr.RTPTime)
	e.AddUint64("extRTPTime", asr.extRTPTime)
	e.AddTime("NTPTime", mediatransportutil.NtpTime(asr.NTPTime).Time())
	e.AddDuration("ntpTime", asr.ntpTime)
	e.AddUint32("PacketCount", asr.PacketCount)
	e.AddUint32("OctetCount", asr.OctetCount)
	e.AddDuration("receivedAt", asr.receivedAt)
	return nil
}

// -----------------------------

// StreamStats is a snapshot of the per stream counters.
type StreamStats struct {
	Emitted        uint32
	Rejected       uint32
	Interpolated   uint32
	Saturated      uint32
	SortedClamps   uint32
	SortedDegraded bool
	SenderReports  uint32
}

type stats struct {
	numEmitted      uint32
	numRejected     uint32
	numInterpolated uint32
	numSaturated    uint32
	numSortedClamps uint32
	sortedDegraded  bool

	numSenderReports uint32
}

func (s stats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint32("numEmitted", s.numEmitted)
	e.AddUint32("numRejected", s.numRejected)
	e.AddUint32("numInterpolated", s.numInterpolated)
	e.AddUint32("numSaturated", s.numSaturated)
	e.AddUint32("numSortedClamps", s.numSortedClamps)
	e.AddBool("sortedDegraded", s.sortedDegraded)

	e.AddUint32("numSenderReports", s.numSenderReports)
	return nil
}
