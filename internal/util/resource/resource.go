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

// Package resource provides utilities for tracking resource lifetimes.
package resource

import (
	"fmt"
	"reflect"
	"runtime"
	runtimedebug "runtime/debug"
	"runtime/pprof"
	"sync"

	"github.com/coraldb/coral-go/internal/util/debugbuild"
)

// Token is a handle held by a tracked object for the duration of its lifetime.
type Token struct {
	msg string
}

// NewToken returns a new Token.
func NewToken() *Token {
	return new(Token)
}

// profilesM protects access to profiles.
var profilesM sync.Mutex

// profileName return pprof profile name for the given object.
func profileName(obj any) string {
	return "coral/" + reflect.TypeOf(obj).Elem().String()
}

// Track tracks the lifetime of an object until Untrack is called on it.
//
// Tracked objects appear in the pprof profile named after their type.
// In debug builds, an object that becomes unreachable while still tracked
// panics the process from its finalizer to surface the leak.
func Track[T any](obj *T, token *Token) {
	if obj == nil || token == nil {
		panic("obj and token must not be nil")
	}

	name := profileName(obj)

	p := pprof.Lookup(name)

	if p == nil {
		profilesM.Lock()

		// a concurrent call might have created a profile already; check again
		if p = pprof.Lookup(name); p == nil {
			p = pprof.NewProfile(name)
		}

		profilesM.Unlock()
	}

	// use token instead of obj itself,
	// because otherwise profile would hold a reference to obj and finalizer would never run
	p.Add(token, 1)

	token.msg = fmt.Sprintf("%T has not been finalized", obj)

	if debugbuild.Enabled {
		token.msg += "\nObject created by " + string(runtimedebug.Stack())

		runtime.SetFinalizer(obj, func(*T) {
			panic(token.msg)
		})
	}
}

// Untrack stops tracking the lifetime of an object.
func Untrack[T any](obj *T, token *Token) {
	if obj == nil || token == nil {
		panic("obj and token must not be nil")
	}

	p := pprof.Lookup(profileName(obj))
	if p == nil {
		panic("object is not tracked")
	}

	p.Remove(token)

	if debugbuild.Enabled {
		runtime.SetFinalizer(obj, nil)
	}
}
