// Copyright 2025 Kadir Pekel
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

// Package clock provides the injected time source (C8 Clock port). The
// credit gate's exponential backoff needs deterministic, advanceable time
// in tests, so Now/Sleep/After are never called directly against the time
// package from business logic.
package clock

import "time"

// Clock abstracts time so retry/backoff logic is deterministically
// testable.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// Real is the production Clock, backed directly by the time package.
type Real struct{}

// New returns the production Clock.
func New() Real { return Real{} }

func (Real) Now() time.Time                        { return time.Now() }
func (Real) Sleep(d time.Duration)                 { time.Sleep(d) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

var _ Clock = Real{}
