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

package agent

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// VersionLatest is the sentinel Identifier.Version value meaning "resolve
// to whatever the template cache considers current", as opposed to a
// pinned semver.
const VersionLatest = "latest"

// Identifier is a parsed agent identifier: `[<publisher>/]<id>[@<version>]`.
type Identifier struct {
	Publisher string
	ID        string
	Version   string // semver string, or VersionLatest; empty means unpinned

	// semver is the parsed version, nil when Version is empty or
	// VersionLatest.
	semver *semver.Version
}

// String renders the identifier back to its canonical wire form.
func (id Identifier) String() string {
	var b strings.Builder
	if id.Publisher != "" {
		b.WriteString(id.Publisher)
		b.WriteString("/")
	}
	b.WriteString(id.ID)
	if id.Version != "" {
		b.WriteString("@")
		b.WriteString(id.Version)
	}
	return b.String()
}

// Semver returns the parsed semantic version, if Version is a pinned
// semver (not empty, not "latest").
func (id Identifier) Semver() (*semver.Version, bool) {
	return id.semver, id.semver != nil
}

// ParseIdentifier parses `[<publisher>/]<id>[@<version>]` into an
// Identifier. A version that is neither empty nor "latest" must be a
// valid semver string.
func ParseIdentifier(raw string) (Identifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identifier{}, fmt.Errorf("agent identifier: empty")
	}

	var publisher, rest string
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		publisher, rest = raw[:i], raw[i+1:]
	} else {
		rest = raw
	}

	id, version, _ := strings.Cut(rest, "@")
	if id == "" {
		return Identifier{}, fmt.Errorf("agent identifier %q: missing id", raw)
	}

	out := Identifier{Publisher: publisher, ID: id, Version: version}
	if version != "" && version != VersionLatest {
		v, err := semver.NewVersion(version)
		if err != nil {
			return Identifier{}, fmt.Errorf("agent identifier %q: invalid version %q: %w", raw, version, err)
		}
		out.semver = v
	}
	return out, nil
}
