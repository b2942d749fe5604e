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
	"time"

	"github.com/pion/rtp"
)

// ExtPacket is a parsed RTP packet together with its raw bytes and arrival time.
type ExtPacket struct {
	*rtp.Packet
	Raw        []byte
	ReceivedAt time.Duration
}

type packet struct {
	prev, next *packet
	reset      bool
	pkt        ExtPacket
}

func (p *packet) sn() uint16 {
	return p.pkt.SequenceNumber
}

func (b *Buffer) newPacket(pkt ExtPacket) *packet {
	b.size++
	if b.pool == nil {
		return &packet{pkt: pkt}
	}

	p := b.pool
	b.pool = p.next
	p.next = nil
	p.reset = false
	p.pkt = pkt
	return p
}

func (b *Buffer) free(p *packet) {
	b.size--
	p.prev = nil
	p.pkt = ExtPacket{}
	p.next = b.pool
	b.pool = p
}

// before returns true if a is at or before b in sequence number order
func before(a, b uint16) bool {
	return (b-a)&0x8000 == 0
}

func outsideRange(a, b uint16) bool {
	return a-b > 3000 && b-a > 3000
}
