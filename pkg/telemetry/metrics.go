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

package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/livekit/rtpsync/pkg/synchronizer"
)

const (
	namespace = "rtpsync"

	ResultOK          = "ok"
	ResultInvalidData = "invalid_data"
	ResultUnexpected  = "unexpected"
)

// Metrics exports synchronizer events as Prometheus counters.
type Metrics struct {
	rtpPackets     *prometheus.CounterVec
	senderReports  prometheus.Counter
	sortedClamps   prometheus.Counter
	sortedDegraded prometheus.Counter
	saturations    prometheus.Counter
}

var _ synchronizer.Metrics = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rtpPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "packets_total",
			Help:      "RTP packets processed, by result",
		}, []string{"result"}),
		senderReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sender_reports_total",
			Help:      "RTCP sender reports processed",
		}),
		sortedClamps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sorted_clamps_total",
			Help:      "PTS raised to keep fed-sorted output monotonic",
		}),
		sortedDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sorted_degraded_total",
			Help:      "streams that left fed-sorted mode after unsorted input",
		}),
		saturations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pts_saturations_total",
			Help:      "PTS computations that saturated",
		}),
	}

	for _, c := range []prometheus.Collector{m.rtpPackets, m.senderReports, m.sortedClamps, m.sortedDegraded, m.saturations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) OnRTP(err error) {
	m.rtpPackets.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) OnSenderReport() {
	m.senderReports.Inc()
}

func (m *Metrics) OnSortedClamp() {
	m.sortedClamps.Inc()
}

func (m *Metrics) OnSortedDegraded() {
	m.sortedDegraded.Inc()
}

func (m *Metrics) OnSaturation() {
	m.saturations.Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, synchronizer.ErrInvalidData):
		return ResultInvalidData
	default:
		return ResultUnexpected
	}
}
