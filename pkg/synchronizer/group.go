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

	"github.com/livekit/protocol/logger"
)

// internal struct for the streams sharing one sync context
type groupSynchronizer struct {
	sync.Mutex

	id      string
	ctx     *SyncContext
	streams map[string]*StreamSynchronizer
}

func newGroupSynchronizer(id, statsDir string, l logger.Logger) *groupSynchronizer {
	return &groupSynchronizer{
		id: id,
		ctx: NewSyncContext(SyncContextConfig{
			StatsDir:  statsDir,
			StatsName: id,
			Logger:    l,
		}),
		streams: make(map[string]*StreamSynchronizer),
	}
}

func (g *groupSynchronizer) addStream(s *StreamSynchronizer) {
	g.Lock()
	defer g.Unlock()

	g.streams[s.ID()] = s
}

// removeStream returns true when the group has no streams left
func (g *groupSynchronizer) removeStream(id string) bool {
	g.Lock()
	defer g.Unlock()

	delete(g.streams, id)
	return len(g.streams) == 0
}

func (g *groupSynchronizer) numStreams() int {
	g.Lock()
	defer g.Unlock()

	return len(g.streams)
}

func (g *groupSynchronizer) close() error {
	return g.ctx.Close()
}
