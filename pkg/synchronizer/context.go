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
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
)

type SyncContextConfig struct {
	// StatsDir and StatsName enable the CSV stats sink, both must be set
	StatsDir  string
	StatsName string
	Logger    logger.Logger
}

// SyncContext is the presentation time origin shared by every stream of a sync group.
// The first Sender Report seen by any stream of the group fixes the anchor.
type SyncContext struct {
	logger logger.Logger

	once         sync.Once
	mu           sync.RWMutex
	initialized  bool
	baseNTPTime  time.Duration
	baseSyncTime time.Duration

	stats *statsSink
}

func NewSyncContext(conf SyncContextConfig) *SyncContext {
	l := conf.Logger
	if l == nil {
		l = logger.GetLogger()
	}

	c := &SyncContext{
		logger: l,
	}
	c.stats = newStatsSink(conf.StatsDir, conf.StatsName, l)
	return c
}

// GetTimeMatching returns the group anchor, storing (ntpIn, syncIn) if no anchor exists yet.
// All callers get the stored pair back, whichever of them won the race.
func (c *SyncContext) GetTimeMatching(ntpIn, syncIn time.Duration) (time.Duration, time.Duration) {
	c.once.Do(func() {
		c.logger.Debugw(
			"setting sync context base",
			"baseNTPTime", ntpIn,
			"baseSyncTime", syncIn,
		)

		c.mu.Lock()
		c.baseNTPTime = ntpIn
		c.baseSyncTime = syncIn
		c.initialized = true
		c.mu.Unlock()
	})

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.baseNTPTime, c.baseSyncTime
}

func (c *SyncContext) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.initialized
}

// WriteStats appends a row to the stats sink, if enabled.
func (c *SyncContext) WriteStats(row StatsRow) {
	c.stats.write(row)
}

func (c *SyncContext) StatsEnabled() bool {
	return c.stats.enabled()
}

func (c *SyncContext) Close() error {
	return c.stats.close()
}
