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

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/rtpsync/pkg/config"
	"github.com/livekit/rtpsync/pkg/endpoint"
	"github.com/livekit/rtpsync/pkg/sdpclock"
	"github.com/livekit/rtpsync/pkg/synchronizer"
	"github.com/livekit/rtpsync/pkg/telemetry"
)

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.GetConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	conf, err := config.NewConfig(confString, !c.Bool("disable-strict-config"), c)
	if err != nil {
		return nil, err
	}
	logger.InitFromConfig(&conf.Logging, "rtpsync")
	return conf, nil
}

func listen(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if !conf.HasStreams() {
		return config.ErrNoStreams
	}

	opts := []synchronizer.SynchronizerOption{
		synchronizer.WithStatsDir(conf.Sync.StatsDir),
		synchronizer.WithPendingReports(conf.Sync.PendingReports),
	}
	if conf.Sync.FeedSorted {
		opts = append(opts, synchronizer.WithSortedInput())
	}
	if conf.Prometheus.Port > 0 {
		metrics, err := telemetry.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		opts = append(opts, synchronizer.WithSessionMetrics(metrics))
		go serveMetrics(conf.Prometheus.Port)
	}
	sync := synchronizer.NewSynchronizer(opts...)

	streams, err := streamInfos(conf)
	if err != nil {
		return err
	}
	for _, info := range streams {
		if _, err = sync.AddStream(info, conf.Sync.GroupID); err != nil {
			return errors.Wrapf(err, "could not add stream %s", info.ID)
		}
	}

	ep, err := endpoint.New(endpoint.Config{
		RTPAddr:           net.JoinHostPort(conf.RTP.BindAddress, strconv.Itoa(conf.RTP.Port)),
		RTCPAddr:          rtcpAddr(conf),
		ReceiveBufferSize: conf.RTP.ReceiveBufferSize,
		FeedSorted:        conf.Sync.FeedSorted,
		MaxLatency:        conf.Sync.MaxLatency,
	}, sync, func(stream *synchronizer.StreamSynchronizer, buf *synchronizer.Buffer) {
		logger.Debugw("synchronized buffer", "streamID", stream.ID(), "pts", buf.PTS, "size", len(buf.Data))
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	logger.Infow("rtpsync started", "streams", len(streams), "addrs", ep.LocalAddrs())
	runErr := ep.Run(ctx)
	logger.Infow("exit requested, shutting down", "stats", ep.Stats())

	if err := sync.End(); err != nil {
		logger.Warnw("could not close sync groups", err)
	}
	return runErr
}

func rtcpAddr(conf *config.Config) string {
	if conf.RTP.RTCPPort == 0 {
		return ""
	}
	return net.JoinHostPort(conf.RTP.BindAddress, strconv.Itoa(conf.RTP.RTCPPort))
}

func streamInfos(conf *config.Config) ([]synchronizer.StreamInfo, error) {
	if conf.Sync.SDPFile != "" {
		clocks, err := readClocks(conf.Sync.SDPFile)
		if err != nil {
			return nil, err
		}
		return sdpclock.StreamInfos(clocks, conf.Sync.GroupID), nil
	}

	infos := make([]synchronizer.StreamInfo, 0, len(conf.Sync.Streams))
	for _, s := range conf.Sync.Streams {
		infos = append(infos, synchronizer.StreamInfo{
			ID:          s.ID,
			Kind:        webrtc.NewRTPCodecType(s.Kind),
			SSRC:        s.SSRC,
			PayloadType: s.PayloadType,
			ClockRate:   s.ClockRate,
		})
	}
	return infos, nil
}

func readClocks(file string) ([]sdpclock.MediaClock, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read sdp file %s", file)
	}
	return sdpclock.Parse(raw)
}

func printClocks(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected one sdp file")
	}

	clocks, err := readClocks(c.Args().First())
	if err != nil {
		return err
	}
	for _, clock := range clocks {
		fmt.Printf("%-8s %-6s pt=%-3d clock=%-6d ssrc=%d codec=%s\n",
			clock.Mid, clock.Kind, clock.PayloadType, clock.ClockRate, clock.SSRC, clock.Codec)
	}
	return nil
}

func serveMetrics(port uint32) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Infow("serving prometheus metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorw("prometheus server failed", err)
	}
}
