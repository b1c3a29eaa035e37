// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package zfserr defines the error taxonomy the daemon returns across
// thread and RPC boundaries. Every cross-thread handoff carries one of
// these as an explicit value; nothing is ever propagated as a panic or
// exception across a goroutine boundary.
package zfserr

import (
	"errors"
	"fmt"
)

// Code is a ZFS_* or POSIX-style status code.
type Code int

const (
	OK Code = iota

	// POSIX-style, returned from filesystem operations and surfaced
	// unchanged to the host OS binding.
	ENOENT
	EEXIST
	EACCES
	EPERM
	EBADF
	EINVAL
	EROFS
	EXDEV
	EISDIR
	ENOTDIR
	ENOTEMPTY
	ENAMETOOLONG
	EIO

	// Protocol: connection-fatal, the fd is closed.
	RequestTooLong
	InvalidRequest
	UnknownFunction
	InvalidReply

	// Connection: retriable at the connection layer.
	CouldNotConnect
	CouldNotAuth
	ConnectionClosed
	RequestTimeout

	// Consistency: force a retry after an FH refresh, mark the volume
	// for removal, or yield the reintegration lease.
	Stale
	UpdateFailed
	MetadataError
	Busy

	// Lifecycle: returned once shutdown begins.
	Exiting
)

var names = map[Code]string{
	OK:               "OK",
	ENOENT:           "ENOENT",
	EEXIST:           "EEXIST",
	EACCES:           "EACCES",
	EPERM:            "EPERM",
	EBADF:            "EBADF",
	EINVAL:           "EINVAL",
	EROFS:            "EROFS",
	EXDEV:            "EXDEV",
	EISDIR:           "EISDIR",
	ENOTDIR:          "ENOTDIR",
	ENOTEMPTY:        "ENOTEMPTY",
	ENAMETOOLONG:     "ENAMETOOLONG",
	EIO:              "EIO",
	RequestTooLong:   "ZFS_REQUEST_TOO_LONG",
	InvalidRequest:   "ZFS_INVALID_REQUEST",
	UnknownFunction:  "ZFS_UNKNOWN_FUNCTION",
	InvalidReply:     "ZFS_INVALID_REPLY",
	CouldNotConnect:  "ZFS_COULD_NOT_CONNECT",
	CouldNotAuth:     "ZFS_COULD_NOT_AUTH",
	ConnectionClosed: "ZFS_CONNECTION_CLOSED",
	RequestTimeout:   "ZFS_REQUEST_TIMEOUT",
	Stale:            "ZFS_STALE",
	UpdateFailed:     "ZFS_UPDATE_FAILED",
	MetadataError:    "ZFS_METADATA_ERROR",
	Busy:             "ZFS_BUSY",
	Exiting:          "ZFS_EXITING",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error wraps a Code as an error, optionally carrying context.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op with no wrapped cause.
func New(op string, code Code) error {
	return &Error{Op: op, Code: code}
}

// Wrap builds an *Error for op, code that also carries the causing error.
func Wrap(op string, code Code, err error) error {
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf extracts the Code from err, or OK if err is nil, or EIO if err
// does not carry one of our codes.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EIO
}

// IsConsistency reports whether code is one of the consistency-class
// errors that force a retry, volume mark, or lease yield (§7).
func IsConsistency(code Code) bool {
	switch code {
	case Stale, UpdateFailed, MetadataError, Busy:
		return true
	default:
		return false
	}
}

// IsConnection reports whether code is connection-layer and therefore
// isolated from the FH graph (§7 recovery policy).
func IsConnection(code Code) bool {
	switch code {
	case CouldNotConnect, CouldNotAuth, ConnectionClosed, RequestTimeout:
		return true
	default:
		return false
	}
}

// IsProtocol reports whether code is connection-fatal at the protocol
// level (bad length, unknown function, undecodable arguments).
func IsProtocol(code Code) bool {
	switch code {
	case RequestTooLong, InvalidRequest, UnknownFunction, InvalidReply:
		return true
	default:
		return false
	}
}
