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
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
)

type BufferStats struct {
	PacketsPushed  uint64
	PacketsDropped uint64
	PacketsLost    uint64
	PacketsPopped  uint64
}

// Buffer reorders the RTP packets of one SSRC by sequence number.
// A gap is waited for until the newest packet is maxLatency ahead of the packet after the gap.
type Buffer struct {
	maxLate         uint32
	onPacketDropped func()
	logger          logger.Logger

	mu          sync.Mutex
	pool        *packet
	size        int
	initialized bool
	prevSN      uint16
	head        *packet
	tail        *packet

	stats BufferStats
}

func NewBuffer(clockRate uint32, maxLatency time.Duration, opts ...Option) *Buffer {
	maxLate := float64(maxLatency) / float64(time.Second) * float64(clockRate)
	if maxLate > math.MaxInt32 {
		maxLate = math.MaxInt32
	}
	if maxLate < 0 {
		maxLate = 0
	}

	b := &Buffer{
		maxLate: uint32(maxLate),
		logger:  logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffer) Push(pkt ExtPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.PacketsPushed++
	sn := pkt.SequenceNumber

	if !b.initialized {
		b.initialized = true
		b.prevSN = sn - 1
	} else if before(sn, b.prevSN) && !outsideRange(sn, b.prevSN) {
		b.dropLocked(pkt, fmt.Sprintf("already popped %v", b.prevSN))
		return
	}

	p := b.newPacket(pkt)

	if b.tail == nil {
		// list is empty
		p.reset = outsideRange(sn, b.prevSN)
		b.head = p
		b.tail = p
		return
	}

	if outsideRange(sn, b.tail.sn()) {
		// append (reset)
		p.reset = true
		p.prev = b.tail
		b.tail.next = p
		b.tail = p
		return
	}

	for c := b.tail; c != nil; c = c.prev {
		if c.sn() == sn {
			b.free(p)
			b.dropLocked(pkt, "duplicate")
			return
		}
		if !before(c.sn(), sn) {
			continue
		}

		// insert after c
		p.prev = c
		p.next = c.next
		if c.next != nil {
			c.next.prev = p
		} else {
			b.tail = p
		}
		c.next = p
		return
	}

	// prepend
	p.next = b.head
	b.head.prev = p
	b.head = p
}

// Pop returns the packets that are ready, in sequence order.
// With force, every buffered packet is returned regardless of gaps.
func (b *Buffer) Pop(force bool) []ExtPacket {
	b.mu.Lock()
	defer b.mu.Unlock()

	if force {
		return b.forcePop()
	}
	return b.pop()
}

func (b *Buffer) forcePop() []ExtPacket {
	packets := make([]ExtPacket, 0, b.size)
	var next *packet
	for c := b.head; c != nil; c = next {
		next = c.next
		packets = append(packets, c.pkt)
		b.prevSN = c.sn()
		b.stats.PacketsPopped++
		b.free(c)
	}
	b.head = nil
	b.tail = nil
	return packets
}

func (b *Buffer) pop() []ExtPacket {
	var packets []ExtPacket
	for c := b.head; c != nil; c = b.head {
		if c.sn() != b.prevSN+1 && !c.reset {
			// wait for the gap to fill until the latency budget is used up
			if int32(b.tail.pkt.Timestamp-c.pkt.Timestamp) < int32(b.maxLate) {
				break
			}

			lost := c.sn() - b.prevSN - 1
			b.stats.PacketsLost += uint64(lost)
			b.logger.Debugw("packets lost",
				"from", b.prevSN+1,
				"to", c.sn()-1,
				"count", lost,
			)
			if b.onPacketDropped != nil {
				b.onPacketDropped()
			}
		}

		packets = append(packets, c.pkt)
		b.prevSN = c.sn()
		b.head = c.next
		if b.head == nil {
			b.tail = nil
		} else {
			b.head.prev = nil
		}
		b.stats.PacketsPopped++
		b.free(c)
	}
	return packets
}

func (b *Buffer) dropLocked(pkt ExtPacket, reason string) {
	b.stats.PacketsDropped++
	b.logger.Debugw("packet dropped",
		"sequence number", pkt.SequenceNumber,
		"timestamp", pkt.Timestamp,
		"reason", reason,
	)
	if b.onPacketDropped != nil {
		b.onPacketDropped()
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.size
}

func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stats
}
