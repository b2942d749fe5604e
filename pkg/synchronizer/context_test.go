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
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func TestGetTimeMatchingConcurrent(t *testing.T) {
	ctx := newTestContext(t)
	require.False(t, ctx.Initialized())

	const n = 64
	type pair struct{ ntp, sync time.Duration }
	results := make([]pair, n)

	var start, wg sync.WaitGroup
	start.Add(1)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			in := time.Duration(i+1) * time.Second
			ntp, syncTime := ctx.GetTimeMatching(in, in)
			results[i] = pair{ntp, syncTime}
		}(i)
	}
	start.Done()
	wg.Wait()

	require.True(t, ctx.Initialized())
	for _, r := range results {
		require.Equal(t, results[0], r)
	}
	// the stored pair is one of the inputs
	require.Equal(t, results[0].ntp, results[0].sync)
	require.Positive(t, results[0].ntp)

	ntp, syncTime := ctx.GetTimeMatching(time.Hour, time.Minute)
	require.Equal(t, results[0].ntp, ntp)
	require.Equal(t, results[0].sync, syncTime)
}

func TestStatsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "stats")
	ctx := NewSyncContext(SyncContextConfig{
		StatsDir:  dir,
		StatsName: "call",
		Logger:    logger.NewTestLogger(t),
	})
	require.True(t, ctx.StatsEnabled())

	s := newTestStream(t, ctx)
	require.NoError(t, s.RegisterClockRate(videoPT, videoClock))

	testRTP(t, s, 0, 0x1, videoPT, 0, 0, 0, true)
	testSR(t, s, 0, 0, 0)
	testRTP(t, s, 42, 0x1, videoPT, 1, 90000, time.Second, true)
	// rejected packets are not recorded
	testRTP(t, s, 0, 0x1, 97, 2, 0, 0, false)

	require.NoError(t, ctx.Close())
	require.False(t, ctx.StatsEnabled())
	require.NoError(t, ctx.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "*_call.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Len(t, filepath.Base(matches[0]), len("20060102150405_call.csv"))

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, statsHeader, records[0])

	row := records[2]
	require.Equal(t, "1", row[2])
	require.Equal(t, "90000", row[3])
	require.Equal(t, "42", row[4])
	require.Equal(t, strconv.FormatInt(int64(time.Second), 10), row[5])
	require.Equal(t, "42", row[6])
	require.Equal(t, "90000", row[7])
	require.Equal(t, "0", row[8])
	require.Equal(t, "0", row[9])

	entry, err := strconv.ParseInt(row[0], 10, 64)
	require.NoError(t, err)
	require.InDelta(t, time.Now().UnixMicro(), entry, float64(time.Minute/time.Microsecond))

	_, err = strconv.ParseInt(row[1], 10, 64)
	require.NoError(t, err)
}

func TestStatsDisabled(t *testing.T) {
	for _, conf := range []SyncContextConfig{
		{},
		{StatsDir: t.TempDir()},
		{StatsName: "call"},
	} {
		conf.Logger = logger.NewTestLogger(t)
		ctx := NewSyncContext(conf)
		require.False(t, ctx.StatsEnabled())
		ctx.WriteStats(StatsRow{SSRC: 1})
		require.NoError(t, ctx.Close())
	}
}

func TestStatsDirNotCreatable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	ctx := NewSyncContext(SyncContextConfig{
		StatsDir:  filepath.Join(file, "stats"),
		StatsName: "call",
		Logger:    logger.NewTestLogger(t),
	})
	require.False(t, ctx.StatsEnabled())

	// processing is unaffected
	s := newTestStream(t, ctx)
	require.NoError(t, s.RegisterClockRate(videoPT, videoClock))
	testRTP(t, s, 7, 0x1, videoPT, 0, 0, 7, true)
}
