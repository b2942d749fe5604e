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
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/livekit/rtpsync/pkg/config"
	"github.com/livekit/rtpsync/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to rtpsync config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "rtpsync config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"RTPSYNC_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "env-file",
		Usage: "dotenv file to load before reading the environment",
		Value: ".env",
	},
	&cli.StringFlag{
		Name:  "bind",
		Usage: "IP address to receive RTP and RTCP on",
	},
	&cli.IntFlag{
		Name:  "port",
		Usage: "UDP port for RTP, and RTCP unless --rtcp-port is set",
	},
	&cli.IntFlag{
		Name:  "rtcp-port",
		Usage: "separate UDP port for RTCP",
	},
	&cli.StringFlag{
		Name:    "stats-dir",
		Usage:   "directory for per sync group CSV stats",
		EnvVars: []string{config.StatsPathEnv},
	},
	&cli.BoolFlag{
		Name:  "feed-sorted",
		Usage: "reorder RTP by sequence number and synchronize in sorted mode",
	},
	&cli.DurationFlag{
		Name:  "max-latency",
		Usage: "how long to wait for missing packets when feeding sorted",
	},
	&cli.StringFlag{
		Name:  "sdp",
		Usage: "SDP file describing the received streams",
	},
	&cli.StringFlag{
		Name:  "group",
		Usage: "sync group of the received streams",
	},
	&cli.UintFlag{
		Name:  "prometheus-port",
		Usage: "serve /metrics on this port",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	app := &cli.App{
		Name:        "rtpsync",
		Usage:       "RTP/RTCP inter-stream synchronization",
		Description: "run without subcommands to receive and synchronize streams",
		Flags:       baseFlags,
		Before:      loadEnv,
		Action:      listen,
		Commands: []*cli.Command{
			{
				Name:      "sdp",
				Usage:     "print the payload types and clock rates of an SDP file",
				ArgsUsage: "<file>",
				Action:    printClocks,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// process environment only, the packages below never read it
func loadEnv(c *cli.Context) error {
	file := c.String("env-file")
	if _, err := os.Stat(file); err != nil {
		return nil
	}
	if err := godotenv.Load(file); err != nil {
		return err
	}
	// flags bound to environment variables were resolved before the file was loaded
	if v, ok := os.LookupEnv(config.StatsPathEnv); ok && !c.IsSet("stats-dir") {
		return c.Set("stats-dir", v)
	}
	return nil
}
