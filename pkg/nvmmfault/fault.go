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

// Package nvmmfault provides named, scoped fault-injection points so
// crash-consistency paths (the zone heap's dirty flag, a corrupted shelf
// header) can be exercised deterministically from tests instead of hoping a
// real crash happens to land on the right instruction.
package nvmmfault

import (
	"sync"
	"sync/atomic"
)

const MaxScopes = 64

// Well-known scopes. Components registering their own scope should add a
// constant here rather than a magic number at the call site.
const (
	ScopeShelf = 0
	ScopeZoneHeap = 1
	ScopeEpoch = 2
)

var scopes [MaxScopes]scope

type scope struct {
	enabled atomic.Bool
	points  sync.Map // name string -> func() error
}

// Enable turns on fault injection for a scope. Register calls made before
// Enable are dropped, so points must be registered after it runs.
func Enable(scopeID int) {
	if scopeID < 0 || scopeID >= MaxScopes {
		return
	}
	scopes[scopeID].enabled.Store(true)
}

// Disable turns off fault injection for a scope and clears every registered
// point in it.
func Disable(scopeID int) {
	if scopeID < 0 || scopeID >= MaxScopes {
		return
	}
	scopes[scopeID].enabled.Store(false)
	scopes[scopeID].points.Range(func(key, _ any) bool {
		scopes[scopeID].points.Delete(key)
		return true
	})
}

// Register arms a named fault point within a scope. It is a no-op unless the
// scope is enabled, so production call sites pay only the cost of a disabled
// atomic load.
func Register(scopeID int, name string, action func() error) {
	if scopeID < 0 || scopeID >= MaxScopes {
		return
	}
	if !scopes[scopeID].enabled.Load() {
		return
	}
	scopes[scopeID].points.Store(name, action)
}

// Trigger runs the registered action for (scope, name), if any, and returns
// its error. Call sites wire this into their normal error return:
//
//	if err := nvmmfault.Trigger(nvmmfault.ScopeShelf, "after-truncate"); err != nil {
//	    return err
//	}
func Trigger(scopeID int, name string) error {
	if scopeID < 0 || scopeID >= MaxScopes {
		return nil
	}
	if !scopes[scopeID].enabled.Load() {
		return nil
	}
	v, ok := scopes[scopeID].points.Load(name)
	if !ok || v == nil {
		return nil
	}
	return v.(func() error)()
}
