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

//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/magefile/mage/mg"

	"github.com/livekit/mageutil"
)

const goChecksumFile = ".checksumgo"

var (
	Default     = Build
	checksummer = mageutil.NewChecksummer(".", goChecksumFile, ".go", ".mod")
)

func init() {
	checksummer.IgnoredPaths = []string{
		"_examples",
	}
}

// builds the rtpsync binary
func Build() error {
	if !checksummer.IsChanged() {
		fmt.Println("up to date")
		return nil
	}

	fmt.Println("building...")
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	if err := mageutil.RunDir(context.Background(), "cmd/rtpsync", "go build -o ../../bin/rtpsync"); err != nil {
		return err
	}

	checksummer.WriteChecksum()
	return nil
}

// run unit tests, skipping loopback networking
func Test() error {
	return mageutil.Run(context.Background(), "go test -short ./... -count=1")
}

// run all tests
func TestAll() error {
	mg.Deps(Vet)
	return mageutil.Run(context.Background(), "go test -race ./... -count=1 -timeout=4m -v")
}

func Vet() error {
	return mageutil.Run(context.Background(), "go vet ./...")
}

// cleans up builds
func Clean() {
	fmt.Println("cleaning...")
	os.RemoveAll("bin")
	os.Remove(goChecksumFile)
}
