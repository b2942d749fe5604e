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
	"math"
	"math/bits"
	"time"
)

const (
	// ExtendedTimestampUnset is the value of a tracker that has not seen any timestamp yet
	ExtendedTimestampUnset = ExtendedTimestamp(math.MaxUint64)

	// MaxPTS is the largest presentation timestamp a buffer can carry
	MaxPTS = time.Duration(math.MaxInt64)

	wrapPeriod = uint64(1) << 32
)

// ExtendedTimestamp extends 32-bit RTP timestamps to 64 bits, removing wraparound.
// The zero value is a valid baseline of 0, use NewExtendedTimestamp for an unset tracker.
type ExtendedTimestamp uint64

func NewExtendedTimestamp() ExtendedTimestamp {
	return ExtendedTimestampUnset
}

func (e ExtendedTimestamp) IsSet() bool {
	return e != ExtendedTimestampUnset
}

// Update extends ts relative to the previous value and stores the result.
// A jump forward of more than half the 32-bit range is treated as a late packet from
// before a wrap. If no wrap happened yet that cannot be unwrapped, in which case
// 0 is returned and the tracker is left unchanged.
func (e *ExtendedTimestamp) Update(ts uint32) uint64 {
	prev := uint64(*e)
	if *e == ExtendedTimestampUnset {
		*e = ExtendedTimestamp(ts)
		return uint64(ts)
	}

	result := uint64(ts) + (prev &^ (wrapPeriod - 1))
	if result < prev {
		if prev-result > math.MaxInt32 {
			result += wrapPeriod
		}
	} else if result-prev > math.MaxInt32 {
		if result < wrapPeriod {
			return 0
		}
		result -= wrapPeriod
	}

	*e = ExtendedTimestamp(result)
	return result
}

// NTPToDuration converts a 32.32 fixed point NTP timestamp to nanoseconds since the NTP epoch.
func NTPToDuration(ntp uint64) time.Duration {
	hi, lo := bits.Mul64(ntp, uint64(time.Second))
	return time.Duration(hi<<32 | lo>>32)
}

// DurationToNTP is the inverse of NTPToDuration, rounding down.
func DurationToNTP(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	if uint64(d)>>32 >= uint64(time.Second) {
		return math.MaxUint64
	}
	hi, lo := bits.Mul64(uint64(d), wrapPeriod)
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return q
}

// ---------------------------

type rtpConverter struct {
	clockRate uint64
}

func newRTPConverter(clockRate uint32) rtpConverter {
	return rtpConverter{clockRate: uint64(clockRate)}
}

// toDuration scales RTP ticks to nanoseconds, rounding down.
// The second return value is false if the result saturated.
func (c rtpConverter) toDuration(ticks uint64) (time.Duration, bool) {
	if c.clockRate == 0 {
		return 0, true
	}

	hi, lo := bits.Mul64(ticks, uint64(time.Second))
	if hi >= c.clockRate {
		return MaxPTS, false
	}
	q, _ := bits.Div64(hi, lo, c.clockRate)
	if q > math.MaxInt64 {
		return MaxPTS, false
	}
	return time.Duration(q), true
}

// ---------------------------

func addSat(a, b time.Duration) (time.Duration, bool) {
	s := a + b
	if b > 0 && s < a {
		return math.MaxInt64, false
	}
	if b < 0 && s > a {
		return math.MinInt64, false
	}
	return s, true
}

func subSat(a, b time.Duration) (time.Duration, bool) {
	s := a - b
	if b < 0 && s < a {
		return math.MaxInt64, false
	}
	if b > 0 && s > a {
		return math.MinInt64, false
	}
	return s, true
}

// offsetByTicks moves pts by the signed distance between extTS and baseExtTS.
func (c rtpConverter) offsetByTicks(pts time.Duration, extTS, baseExtTS uint64) (time.Duration, bool) {
	switch {
	case extTS > baseExtTS:
		d, ok := c.toDuration(extTS - baseExtTS)
		s, sok := addSat(pts, d)
		return s, ok && sok
	case extTS < baseExtTS:
		d, ok := c.toDuration(baseExtTS - extTS)
		s, sok := subSat(pts, d)
		return s, ok && sok
	default:
		return pts, true
	}
}

// clampPTS limits a signed intermediate value to the representable PTS range.
func clampPTS(pts time.Duration) (time.Duration, bool) {
	if pts < 0 {
		return 0, false
	}
	return pts, true
}
