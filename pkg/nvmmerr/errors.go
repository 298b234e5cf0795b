// Copyright 2024-2025 the nvmm-go authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nvmmerr holds the stable, cross-process error codes used by every
// nvmm component. Codes are part of the wire contract: two processes built
// from different binaries must agree on what NO_ERROR and OUT_OF_MEMORY mean,
// so the numeric values here must never be renumbered.
package nvmmerr

import "fmt"

// Code is a stable numeric error identifier. It implements error directly so
// call sites can either compare against a sentinel (errors.Is, or a plain
// ==) or propagate it as a normal error value.
type Code int

const (
	NoError Code = iota
	ShelfFileNotFound
	ShelfExists
	ShelfFileOpened
	IDFound
	IDNotFound
	PoolFull
	OutOfMemory
	InvalidArg
	Corrupted
)

var names = map[Code]string{
	NoError:           "NO_ERROR",
	ShelfFileNotFound: "SHELF_FILE_NOT_FOUND",
	ShelfExists:       "SHELF_EXISTS",
	ShelfFileOpened:   "SHELF_FILE_OPENED",
	IDFound:           "ID_FOUND",
	IDNotFound:        "ID_NOT_FOUND",
	PoolFull:          "POOL_FULL",
	OutOfMemory:       "OUT_OF_MEMORY",
	InvalidArg:        "INVALID_ARG",
	Corrupted:         "CORRUPTED",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_ERROR_CODE(%d)", int(c))
}

func (c Code) Error() string {
	return c.String()
}

// Wrap attaches context to a code without losing its identity: errors.Is
// still matches the wrapped Code because wrapped implements Unwrap.
func Wrap(c Code, context string) error {
	if c == NoError {
		return nil
	}
	return &wrapped{code: c, context: context}
}

type wrapped struct {
	code    Code
	context string
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s", w.context, w.code.String())
}

func (w *wrapped) Unwrap() error {
	return w.code
}

func (w *wrapped) Code() Code {
	return w.code
}
