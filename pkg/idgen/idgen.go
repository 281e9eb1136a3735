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

// Package idgen provides the injected ID source (C8 IdGen port), used for
// run IDs, step IDs, message IDs, tool-call IDs, and credit-gate
// operation IDs.
package idgen

import (
	"strconv"

	"github.com/google/uuid"
)

// IdGen generates unique identifiers.
type IdGen interface {
	NewID() string
}

// UUID is the production IdGen, backed by google/uuid v4.
type UUID struct{}

// New returns the production IdGen.
func New() UUID { return UUID{} }

// NewID returns a random UUIDv4 string.
func (UUID) NewID() string { return uuid.NewString() }

var _ IdGen = UUID{}

// Sequence is a deterministic IdGen for tests: it returns ids of the form
// prefix-N, incrementing N on every call.
type Sequence struct {
	Prefix string
	n      int
}

// NewSequence returns a Sequence IdGen starting at 1.
func NewSequence(prefix string) *Sequence {
	return &Sequence{Prefix: prefix}
}

// NewID returns the next sequential id.
func (s *Sequence) NewID() string {
	s.n++
	return idFor(s.Prefix, s.n)
}

func idFor(prefix string, n int) string {
	if prefix == "" {
		prefix = "id"
	}
	return prefix + "-" + strconv.Itoa(n)
}

var _ IdGen = (*Sequence)(nil)
