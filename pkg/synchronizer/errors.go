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
	"errors"
	"fmt"
)

var (
	// ErrInvalidData is returned for caller supplied data that violates the stream contract:
	// bad clock rate, SSRC or payload type mismatch, unsorted input in fed-sorted mode.
	ErrInvalidData = errors.New("invalid data")
	// ErrUnexpected is returned when a buffer cannot be parsed as RTP or RTCP.
	ErrUnexpected = errors.New("unexpected error")

	ErrUnknownStream   = errors.New("unknown stream")
	ErrStreamExists    = errors.New("stream already exists")
	ErrSynchronizerEnd = errors.New("synchronizer ended")
)

type ErrorCode int

const (
	CodeInvalidData ErrorCode = iota
	CodeUnexpected
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidData:
		return "InvalidData"
	case CodeUnexpected:
		return "UnexpectedError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Error is the failure result of a synchronizer operation.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeInvalidData:
		return ErrInvalidData
	default:
		return ErrUnexpected
	}
}

func invalidData(format string, args ...interface{}) error {
	return &Error{Code: CodeInvalidData, Msg: fmt.Sprintf(format, args...)}
}

func unexpected(format string, args ...interface{}) error {
	return &Error{Code: CodeUnexpected, Msg: fmt.Sprintf(format, args...)}
}
