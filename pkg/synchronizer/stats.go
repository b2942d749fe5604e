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
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/modern-go/gls"

	"github.com/livekit/protocol/logger"
)

var statsHeader = []string{
	"ENTRY_TS", "THREAD", "SSRC", "CLOCK_RATE", "PTS_ORIG", "PTS", "DTS", "EXT_RTP", "SR_NTP_NS", "SR_EXT_RTP",
}

// StatsRow describes one processed RTP packet
type StatsRow struct {
	EntryTime time.Time
	SSRC      uint32
	ClockRate uint32
	PTSOrig   time.Duration
	PTS       time.Duration
	DTS       time.Duration
	ExtRTP    uint64
	SRNTPTime time.Duration
	SRExtRTP  uint64
}

func (r StatsRow) record(thread int64) []string {
	return []string{
		strconv.FormatInt(r.EntryTime.UnixMicro(), 10),
		strconv.FormatInt(thread, 10),
		strconv.FormatUint(uint64(r.SSRC), 10),
		strconv.FormatUint(uint64(r.ClockRate), 10),
		strconv.FormatInt(int64(r.PTSOrig), 10),
		strconv.FormatInt(int64(r.PTS), 10),
		strconv.FormatInt(int64(r.DTS), 10),
		strconv.FormatUint(r.ExtRTP, 10),
		strconv.FormatInt(int64(r.SRNTPTime), 10),
		strconv.FormatUint(r.SRExtRTP, 10),
	}
}

type statsSink struct {
	logger logger.Logger

	mu          sync.Mutex
	file        *os.File
	w           *csv.Writer
	writeFailed bool
}

func statsFileName(dir, name string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.csv", now.Format("20060102150405"), name))
}

func newStatsSink(dir, name string, l logger.Logger) *statsSink {
	s := &statsSink{logger: l}

	if name == "" {
		l.Debugw("no name for stats file")
		return s
	}
	if dir == "" {
		l.Debugw("no path for stats file")
		return s
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		l.Errorw("cannot create directory for stats", err, "dir", dir)
		return s
	}

	fileName := statsFileName(dir, name, time.Now())
	f, err := os.Create(fileName)
	if err != nil {
		l.Errorw("cannot open file for stats", err, "file", fileName)
		return s
	}

	w := csv.NewWriter(f)
	if err = w.Write(statsHeader); err == nil {
		w.Flush()
		err = w.Error()
	}
	if err != nil {
		l.Errorw("cannot write stats header", err, "file", fileName)
		_ = f.Close()
		return s
	}

	l.Debugw("file for stats", "file", fileName)
	s.file = f
	s.w = w
	return s
}

func (s *statsSink) enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w != nil
}

func (s *statsSink) write(row StatsRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return
	}

	_ = s.w.Write(row.record(gls.GoID()))
	s.w.Flush()
	if err := s.w.Error(); err != nil && !s.writeFailed {
		s.writeFailed = true
		s.logger.Warnw("cannot write stats", err, "file", s.file.Name())
	}
}

func (s *statsSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	s.w.Flush()
	err := s.file.Close()
	s.file = nil
	s.w = nil
	return err
}
