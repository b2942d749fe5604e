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

package config

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

// StatsPathEnv names the directory for per-group CSV stats files.
const StatsPathEnv = "KMS_RTP_SYNC_STATS_PATH"

var (
	ErrInvalidAddress = errors.New("invalid bind address")
	ErrInvalidPort    = errors.New("invalid port")
	ErrInvalidLatency = errors.New("max latency must be positive when feeding sorted")
	ErrInvalidStream  = errors.New("invalid stream")
	ErrNoStreams      = errors.New("one of sdp_file or streams must be provided")
)

type Config struct {
	Logging    logger.Config    `yaml:"logging,omitempty"`
	RTP        RTPConfig        `yaml:"rtp,omitempty"`
	Sync       SyncConfig       `yaml:"sync,omitempty"`
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty"`
}

type RTPConfig struct {
	BindAddress string `yaml:"bind_address,omitempty"`
	Port        int    `yaml:"port,omitempty"`
	// 0 multiplexes RTCP on the RTP port
	RTCPPort          int `yaml:"rtcp_port,omitempty"`
	ReceiveBufferSize int `yaml:"receive_buffer_size,omitempty"`
}

type SyncConfig struct {
	StatsDir       string         `yaml:"stats_dir,omitempty"`
	FeedSorted     bool           `yaml:"feed_sorted,omitempty"`
	MaxLatency     time.Duration  `yaml:"max_latency,omitempty"`
	PendingReports int            `yaml:"pending_reports,omitempty"`
	GroupID        string         `yaml:"group_id,omitempty"`
	SDPFile        string         `yaml:"sdp_file,omitempty"`
	Streams        []StreamConfig `yaml:"streams,omitempty"`
}

type StreamConfig struct {
	ID          string `yaml:"id,omitempty"`
	Kind        string `yaml:"kind,omitempty"`
	SSRC        uint32 `yaml:"ssrc,omitempty"`
	PayloadType uint8  `yaml:"payload_type"`
	ClockRate   uint32 `yaml:"clock_rate"`
}

type PrometheusConfig struct {
	Port uint32 `yaml:"port,omitempty"`
}

var DefaultConfig = Config{
	Logging: logger.Config{
		Level: "info",
	},
	RTP: RTPConfig{
		BindAddress:       "0.0.0.0",
		Port:              5004,
		ReceiveBufferSize: 1 << 20,
	},
	Sync: SyncConfig{
		MaxLatency:     200 * time.Millisecond,
		PendingReports: 16,
		GroupID:        "default",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}

	if c != nil {
		conf.updateFromCLI(c)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// GetConfigString returns the inline config body, or the contents of configFile when there is none.
func GetConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", errors.Wrapf(err, "could not read config file %s", configFile)
	}
	return string(outConfigBody), nil
}

func (conf *Config) updateFromCLI(c *cli.Context) {
	if c.IsSet("bind") {
		conf.RTP.BindAddress = c.String("bind")
	}
	if c.IsSet("port") {
		conf.RTP.Port = c.Int("port")
	}
	if c.IsSet("rtcp-port") {
		conf.RTP.RTCPPort = c.Int("rtcp-port")
	}
	if c.IsSet("stats-dir") {
		conf.Sync.StatsDir = c.String("stats-dir")
	}
	if c.IsSet("feed-sorted") {
		conf.Sync.FeedSorted = c.Bool("feed-sorted")
	}
	if c.IsSet("max-latency") {
		conf.Sync.MaxLatency = c.Duration("max-latency")
	}
	if c.IsSet("sdp") {
		conf.Sync.SDPFile = c.String("sdp")
	}
	if c.IsSet("group") {
		conf.Sync.GroupID = c.String("group")
	}
	if c.IsSet("prometheus-port") {
		conf.Prometheus.Port = uint32(c.Uint("prometheus-port"))
	}
	if c.IsSet("log-level") {
		conf.Logging.Level = c.String("log-level")
	}
}

func (conf *Config) Validate() error {
	if net.ParseIP(conf.RTP.BindAddress) == nil {
		return errors.Wrap(ErrInvalidAddress, conf.RTP.BindAddress)
	}
	if conf.RTP.Port < 0 || conf.RTP.Port > 65535 {
		return errors.Wrapf(ErrInvalidPort, "rtp port %d", conf.RTP.Port)
	}
	if conf.RTP.RTCPPort < 0 || conf.RTP.RTCPPort > 65535 {
		return errors.Wrapf(ErrInvalidPort, "rtcp port %d", conf.RTP.RTCPPort)
	}
	if conf.RTP.RTCPPort != 0 && conf.RTP.RTCPPort == conf.RTP.Port {
		return errors.Wrapf(ErrInvalidPort, "rtcp port %d is the rtp port, leave it unset for rtcp-mux", conf.RTP.RTCPPort)
	}
	if conf.Sync.FeedSorted && conf.Sync.MaxLatency <= 0 {
		return ErrInvalidLatency
	}
	if conf.Sync.PendingReports < 0 {
		return errors.Errorf("pending reports cannot be negative: %d", conf.Sync.PendingReports)
	}
	for i, s := range conf.Sync.Streams {
		if s.ClockRate == 0 || s.ClockRate > 1<<31-1 {
			return errors.Wrapf(ErrInvalidStream, "stream %d: clock rate %d", i, s.ClockRate)
		}
		if s.PayloadType > 127 {
			return errors.Wrapf(ErrInvalidStream, "stream %d: payload type %d", i, s.PayloadType)
		}
	}
	return nil
}

// HasStreams reports whether the streams to synchronize are known up front.
func (conf *Config) HasStreams() bool {
	return conf.Sync.SDPFile != "" || len(conf.Sync.Streams) > 0
}
