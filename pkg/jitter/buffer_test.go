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

package jitter

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

const (
	testClockRate     = 90000
	testBufferLatency = 100 * time.Millisecond // 9000 ticks
	testFrameTicks    = 3000
)

func newTestBuffer(t *testing.T, opts ...Option) *Buffer {
	return NewBuffer(testClockRate, testBufferLatency, append([]Option{WithLogger(logger.NewTestLogger(t))}, opts...)...)
}

func TestJitterBuffer(t *testing.T) {
	b := newTestBuffer(t)
	s := newTestStream()

	for i := 0; i < 100; i++ {
		b.Push(s.gen())
		checkPop(t, b, 1)
	}

	checkStats(t, b, BufferStats{
		PacketsPushed: 100,
		PacketsPopped: 100,
	})
	require.Equal(t, 0, b.Len())
}

func TestJitter(t *testing.T) {
	b := newTestBuffer(t)
	s := newTestStream()

	for i := 0; i < 17; i++ {
		b.Push(s.gen())
		checkPop(t, b, 1)
	}

	ooo := []ExtPacket{s.gen(), s.gen(), s.gen()}
	b.Push(ooo[1])
	b.Push(ooo[2])
	checkPop(t, b, 0)
	require.Equal(t, 2, b.Len())

	b.Push(ooo[0])
	out := b.Pop(false)
	require.Len(t, out, 3)
	for i, p := range out {
		require.Equal(t, ooo[i].SequenceNumber, p.SequenceNumber)
	}

	checkStats(t, b, BufferStats{
		PacketsPushed: 20,
		PacketsPopped: 20,
	})
}

func TestShuffled(t *testing.T) {
	b := newTestBuffer(t)
	s := newTestStream()

	first := s.gen()
	b.Push(first)
	checkPop(t, b, 1)

	pkts := make([]ExtPacket, 0, 64)
	for i := 0; i < cap(pkts); i++ {
		pkts = append(pkts, s.gen())
	}

	// shuffle within windows of 3 packets, well inside the latency budget
	shuffled := make([]ExtPacket, len(pkts))
	copy(shuffled, pkts)
	for i := 0; i+2 < len(shuffled); i += 3 {
		shuffled[i], shuffled[i+2] = shuffled[i+2], shuffled[i]
	}

	var out []ExtPacket
	for _, p := range shuffled {
		b.Push(p)
		out = append(out, b.Pop(false)...)
	}
	out = append(out, b.Pop(true)...)

	require.Len(t, out, len(pkts))
	prev := first.SequenceNumber
	for _, p := range out {
		require.Equal(t, prev+1, p.SequenceNumber)
		prev = p.SequenceNumber
	}

	checkStats(t, b, BufferStats{
		PacketsPushed: 65,
		PacketsPopped: 65,
	})
}

func TestLostPackets(t *testing.T) {
	dropped := 0
	b := newTestBuffer(t, WithPacketDroppedHandler(func() { dropped++ }))
	s := newTestStream()

	for i := 0; i < 10; i++ {
		b.Push(s.gen())
		checkPop(t, b, 1)
	}

	// packet loss
	_ = s.gen()

	// waiting for the lost packet until the newest one is 9000 ticks ahead
	for i := 0; i < 3; i++ {
		b.Push(s.gen())
		checkPop(t, b, 0)
	}
	b.Push(s.gen())
	checkPop(t, b, 4)
	require.Equal(t, 1, dropped)

	// too late now
	b.Push(ExtPacket{Packet: &rtp.Packet{Header: rtp.Header{SequenceNumber: s.seq - 5}}})
	checkPop(t, b, 0)
	require.Equal(t, 2, dropped)

	checkStats(t, b, BufferStats{
		PacketsPushed:  15,
		PacketsLost:    1,
		PacketsDropped: 1,
		PacketsPopped:  14,
	})
}

func TestDuplicatePackets(t *testing.T) {
	b := newTestBuffer(t)
	s := newTestStream()

	b.Push(s.gen())
	checkPop(t, b, 1)

	_ = s.gen()
	p := s.gen()
	b.Push(p)
	b.Push(p)
	require.Equal(t, 1, b.Len())

	checkStats(t, b, BufferStats{
		PacketsPushed:  3,
		PacketsDropped: 1,
		PacketsPopped:  1,
	})
}

func TestSequenceNumberWrap(t *testing.T) {
	b := newTestBuffer(t)
	s := &stream{seq: math.MaxUint16 - 2, ts: 1000}

	pkts := []ExtPacket{s.gen(), s.gen(), s.gen(), s.gen(), s.gen()}
	b.Push(pkts[0])
	checkPop(t, b, 1)

	b.Push(pkts[2])
	b.Push(pkts[4])
	b.Push(pkts[3])
	checkPop(t, b, 0)
	b.Push(pkts[1])

	out := b.Pop(false)
	require.Len(t, out, 4)
	require.Equal(t, []uint16{math.MaxUint16 - 1, math.MaxUint16, 0, 1}, sequenceNumbers(out))
}

func TestDiscontinuity(t *testing.T) {
	b := newTestBuffer(t)
	s := newTestStream()

	for i := 0; i < 10; i++ {
		b.Push(s.gen())
		checkPop(t, b, 1)
	}
	s.discont()
	for i := 0; i < 10; i++ {
		b.Push(s.gen())
		checkPop(t, b, 1)
	}

	checkStats(t, b, BufferStats{
		PacketsPushed: 20,
		PacketsPopped: 20,
	})
}

func TestForcePop(t *testing.T) {
	b := newTestBuffer(t)
	s := newTestStream()

	b.Push(s.gen())
	checkPop(t, b, 1)

	_ = s.gen()
	b.Push(s.gen())
	b.Push(s.gen())
	checkPop(t, b, 0)

	require.Len(t, b.Pop(true), 2)
	require.Equal(t, 0, b.Len())

	// continues after the forced packets
	b.Push(s.gen())
	checkPop(t, b, 1)
}

func checkPop(t *testing.T, b *Buffer, expected int) {
	t.Helper()
	require.Len(t, b.Pop(false), expected)
}

func checkStats(t *testing.T, b *Buffer, expected BufferStats) {
	t.Helper()
	require.Equal(t, expected, b.Stats())
}

func sequenceNumbers(pkts []ExtPacket) []uint16 {
	sns := make([]uint16, 0, len(pkts))
	for _, p := range pkts {
		sns = append(sns, p.SequenceNumber)
	}
	return sns
}

type stream struct {
	seq uint16
	ts  uint32
}

func newTestStream() *stream {
	return &stream{
		seq: uint16(rand.Uint32()),
		ts:  rand.Uint32(),
	}
}

func (s *stream) gen() ExtPacket {
	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
		},
		Payload: make([]byte, defaultPacketSize),
	}
	s.seq++
	s.ts += testFrameTicks
	return ExtPacket{Packet: p}
}

func (s *stream) discont() {
	s.seq += math.MaxUint16 / 2
}

const defaultPacketSize = 200
