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

// Metrics receives stream events. Implementations must be safe for concurrent use.
type Metrics interface {
	// OnRTP is called once per processed RTP packet with the result of ProcessRTP
	OnRTP(err error)
	OnSenderReport()
	OnSortedClamp()
	OnSortedDegraded()
	OnSaturation()
}

type noopMetrics struct{}

func (noopMetrics) OnRTP(error)       {}
func (noopMetrics) OnSenderReport()   {}
func (noopMetrics) OnSortedClamp()    {}
func (noopMetrics) OnSortedDegraded() {}
func (noopMetrics) OnSaturation()     {}
