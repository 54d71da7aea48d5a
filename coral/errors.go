// Copyright 2024 Coral Authors.
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

package coral

import (
	"errors"
	"fmt"
)

// Code is a server error code.
type Code int32

// Known server error codes.
const (
	CodeCursorNotFound   Code = 43
	CodeMaxTimeMSExpired Code = 50
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case CodeCursorNotFound:
		return "CursorNotFound"
	case CodeMaxTimeMSExpired:
		return "MaxTimeMSExpired"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// CommandError is an operation failure reported by the server
// in response to a query or getmore.
type CommandError struct {
	Code    Code
	Message string
}

// NewCommandError creates a new CommandError.
func NewCommandError(code Code, msg string) *CommandError {
	return &CommandError{
		Code:    code,
		Message: msg,
	}
}

// Error implements error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, int32(e.Code), e.Message)
}

// UsageError is a caller-side contract violation detected without performing I/O:
// an invalid argument or an out-of-protocol call.
type UsageError struct {
	Message string
}

// Error implements error interface.
func (e *UsageError) Error() string {
	return e.Message
}

// InvalidOperationError reports an operation incompatible with the cursor's mode
// or current lifecycle phase.
type InvalidOperationError struct {
	Message string
}

// Error implements error interface.
func (e *InvalidOperationError) Error() string {
	return e.Message
}

// usageErrorf returns a new UsageError.
func usageErrorf(format string, a ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, a...)}
}

// invalidOperationf returns a new InvalidOperationError.
func invalidOperationf(format string, a ...any) error {
	return &InvalidOperationError{Message: fmt.Sprintf(format, a...)}
}

// IsOperationFailure reports whether err is a server-reported operation failure.
func IsOperationFailure(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// IsExecutionTimeout reports whether err is a server-reported execution timeout
// caused by exceeding the configured time budget.
// A fresh cursor may safely retry the operation.
func IsExecutionTimeout(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Code == CodeMaxTimeMSExpired
}
