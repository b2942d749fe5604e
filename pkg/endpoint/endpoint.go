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

package endpoint

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/mono"
	"github.com/livekit/rtpsync/pkg/jitter"
	"github.com/livekit/rtpsync/pkg/synchronizer"
)

const maxPacketSize = 1500

type Config struct {
	RTPAddr string
	// empty multiplexes RTCP on the RTP socket
	RTCPAddr          string
	ReceiveBufferSize int

	FeedSorted bool
	MaxLatency time.Duration

	Logger logger.Logger
}

type Stats struct {
	RTPPackets   uint64
	RTCPPackets  uint64
	Synchronized uint64
	Dropped      uint64
	JitterDrops  uint64
}

// Endpoint receives RTP and RTCP over UDP and runs them through a Synchronizer.
// Buffers with a synchronized PTS are handed to onBuffer.
type Endpoint struct {
	conf     Config
	sync     *synchronizer.Synchronizer
	onBuffer func(*synchronizer.StreamSynchronizer, *synchronizer.Buffer)
	logger   logger.Logger

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	start     time.Time
	buffers   map[uint32]*jitter.Buffer
	closed    core.Fuse
	closeOnce sync.Once

	rtpPackets   atomic.Uint64
	rtcpPackets  atomic.Uint64
	synchronized atomic.Uint64
	dropped      atomic.Uint64
	jitterDrops  atomic.Uint64
}

func New(conf Config, syncer *synchronizer.Synchronizer, onBuffer func(*synchronizer.StreamSynchronizer, *synchronizer.Buffer)) (*Endpoint, error) {
	if conf.Logger == nil {
		conf.Logger = logger.GetLogger()
	}

	e := &Endpoint{
		conf:     conf,
		sync:     syncer,
		onBuffer: onBuffer,
		logger:   conf.Logger,
		buffers:  make(map[uint32]*jitter.Buffer),
	}

	var err error
	if e.rtpConn, err = listen(conf.RTPAddr, conf.ReceiveBufferSize); err != nil {
		return nil, errors.Wrap(err, "could not listen for rtp")
	}
	if conf.RTCPAddr != "" {
		if e.rtcpConn, err = listen(conf.RTCPAddr, conf.ReceiveBufferSize); err != nil {
			_ = e.rtpConn.Close()
			return nil, errors.Wrap(err, "could not listen for rtcp")
		}
	}

	e.logger.Infow("endpoint listening", "rtp", e.rtpConn.LocalAddr(), "rtcpMux", e.rtcpConn == nil)
	return e, nil
}

func listen(addr string, bufferSize int) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if bufferSize > 0 {
		if err = conn.SetReadBuffer(bufferSize); err != nil {
			logger.Debugw("could not set read buffer size", "error", err, "size", bufferSize)
		}
	}
	return conn, nil
}

func (e *Endpoint) LocalAddrs() []net.Addr {
	addrs := []net.Addr{e.rtpConn.LocalAddr()}
	if e.rtcpConn != nil {
		addrs = append(addrs, e.rtcpConn.LocalAddr())
	}
	return addrs
}

// Run receives until ctx is done or the endpoint is closed.
func (e *Endpoint) Run(ctx context.Context) error {
	e.start = mono.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-e.closed.Watch():
		}
		e.closeConns()
		return nil
	})
	g.Go(func() error {
		return e.readLoop(e.rtpConn, e.rtcpConn == nil)
	})
	if e.rtcpConn != nil {
		g.Go(func() error {
			return e.readRTCPLoop(e.rtcpConn)
		})
	}

	err := g.Wait()
	e.flush()
	return err
}

func (e *Endpoint) Close() {
	e.closed.Break()
	e.closeConns()
}

func (e *Endpoint) closeConns() {
	e.closeOnce.Do(func() {
		_ = e.rtpConn.Close()
		if e.rtcpConn != nil {
			_ = e.rtcpConn.Close()
		}
	})
}

func (e *Endpoint) Stats() Stats {
	return Stats{
		RTPPackets:   e.rtpPackets.Load(),
		RTCPPackets:  e.rtcpPackets.Load(),
		Synchronized: e.synchronized.Load(),
		Dropped:      e.dropped.Load(),
		JitterDrops:  e.jitterDrops.Load(),
	}
}

// pipeline time
func (e *Endpoint) now() time.Duration {
	return mono.Now().Sub(e.start)
}

func (e *Endpoint) read(conn *net.UDPConn, b []byte) ([]byte, time.Duration, error) {
	n, _, err := conn.ReadFromUDP(b)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || e.closed.IsBroken() {
			return nil, 0, nil
		}
		return nil, 0, errors.Wrap(err, "could not read packet")
	}

	data := make([]byte, n)
	copy(data, b[:n])
	return data, e.now(), nil
}

func (e *Endpoint) readLoop(conn *net.UDPConn, rtcpMux bool) error {
	b := make([]byte, maxPacketSize)
	for {
		data, arrival, err := e.read(conn, b)
		if err != nil || data == nil {
			return err
		}

		if rtcpMux && IsRTCP(data) {
			e.handleRTCP(data, arrival)
		} else {
			e.handleRTP(data, arrival)
		}
	}
}

func (e *Endpoint) readRTCPLoop(conn *net.UDPConn) error {
	b := make([]byte, maxPacketSize)
	for {
		data, arrival, err := e.read(conn, b)
		if err != nil || data == nil {
			return err
		}
		e.handleRTCP(data, arrival)
	}
}

// IsRTCP tells RTCP from RTP on a multiplexed socket, RFC 5761 section 4.
func IsRTCP(data []byte) bool {
	return len(data) >= 2 && data[1] >= 192 && data[1] <= 223
}

func (e *Endpoint) handleRTCP(data []byte, arrival time.Duration) {
	e.rtcpPackets.Inc()
	if err := e.sync.OnRTCP(&synchronizer.Buffer{Data: data}, arrival); err != nil {
		e.logError("dropping rtcp packet", err)
	}
}

func (e *Endpoint) handleRTP(data []byte, arrival time.Duration) {
	e.rtpPackets.Inc()
	if !e.conf.FeedSorted {
		e.synchronize(data, arrival)
		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		e.dropped.Inc()
		e.logger.Errorw("dropping packet, cannot be parsed as RTP", err)
		return
	}

	jb := e.buffers[pkt.SSRC]
	if jb == nil {
		clockRate, ok := e.sync.LookupClockRate(pkt.SSRC, pkt.PayloadType)
		if !ok {
			e.dropped.Inc()
			e.logger.Debugw("dropping packet of unknown stream", "ssrc", pkt.SSRC, "pt", pkt.PayloadType)
			return
		}

		ssrc := pkt.SSRC
		jb = jitter.NewBuffer(clockRate, e.conf.MaxLatency,
			jitter.WithLogger(e.logger.WithValues("ssrc", ssrc)),
			jitter.WithPacketDroppedHandler(func() { e.jitterDrops.Inc() }),
		)
		e.buffers[ssrc] = jb
	}

	jb.Push(jitter.ExtPacket{Packet: pkt, Raw: data, ReceivedAt: arrival})
	for _, p := range jb.Pop(false) {
		e.synchronize(p.Raw, p.ReceivedAt)
	}
}

func (e *Endpoint) flush() {
	for _, jb := range e.buffers {
		for _, p := range jb.Pop(true) {
			e.synchronize(p.Raw, p.ReceivedAt)
		}
	}
}

func (e *Endpoint) synchronize(data []byte, pts time.Duration) {
	buf := &synchronizer.Buffer{Data: data, PTS: pts, DTS: pts}
	stream, err := e.sync.OnRTP(buf)
	if err != nil {
		e.dropped.Inc()
		e.logError("dropping rtp packet", err)
		return
	}

	e.synchronized.Inc()
	if e.onBuffer != nil {
		e.onBuffer(stream, buf)
	}
}

func (e *Endpoint) logError(msg string, err error) {
	switch {
	case errors.Is(err, synchronizer.ErrUnexpected):
		e.logger.Errorw(msg, err)
	default:
		e.logger.Debugw(msg, "error", err)
	}
}
