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

// Package template implements the Template Assembler (C9): resolution of
// an agent identifier — bare id, id@version, or publisher/id@version — to
// an agent.Template, merging a defaults template into the fields (listed at
// mergeDefaults) that the resolved one leaves unset.
//
// Lookup order is local-first: in-run templates registered directly (e.g.
// by a harness loading YAML fixtures) are checked before falling through
// to a cached remote fetch. The RemoteSource interface lives in this
// package, not pkg/ports, so pkg/agent never needs to import pkg/ports
// for it and pkg/ports never needs to import pkg/agent back.
package template

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/kadirpekel/agentrtd/pkg/agent"
	"github.com/kadirpekel/agentrtd/pkg/agenterr"
)

// RemoteSource fetches a template the Assembler does not have locally or
// cached. Implemented by the host application (e.g. a registry HTTP
// client); the Assembler never speaks a wire format itself.
type RemoteSource interface {
	FetchTemplate(ctx context.Context, id agent.Identifier) (agent.Template, error)
}

// entry is one registered or fetched template version.
type entry struct {
	version *semver.Version // nil for an unversioned (bare-id) registration
	tpl     agent.Template
}

// Assembler resolves agent identifiers to templates. Safe for concurrent
// use: the local/cache maps are guarded by a mutex for single-writer
// semantics, per §5's "global caches ... keyed for single-writer
// semantics" guidance. No eviction: entries live for the Assembler's
// lifetime.
type Assembler struct {
	mu sync.Mutex

	local  map[string][]entry     // keyed by publisherKey(publisher, id)
	cache  map[string]agent.Template // keyed by the full resolved identifier string
	remote RemoteSource

	defaults agent.Template
}

// New creates an Assembler. remote may be nil if the run never needs to
// resolve identifiers beyond what's registered locally; defaults supplies
// fallback field values merged into any resolved template that leaves
// them unset.
func New(remote RemoteSource, defaults agent.Template) *Assembler {
	return &Assembler{
		local:    make(map[string][]entry),
		cache:    make(map[string]agent.Template),
		remote:   remote,
		defaults: defaults,
	}
}

// RegisterLocal catalogues a template under publisher/id@version for
// in-run resolution, ahead of any remote fetch. version may be empty for
// a template with no version concept (always matches a bare id or
// id@latest lookup).
func (a *Assembler) RegisterLocal(publisher, id, version string, tpl agent.Template) error {
	var v *semver.Version
	if version != "" && version != agent.VersionLatest {
		parsed, err := semver.NewVersion(version)
		if err != nil {
			return fmt.Errorf("template %s/%s: invalid version %q: %w", publisher, id, version, err)
		}
		v = parsed
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	key := publisherKey(publisher, id)
	a.local[key] = append(a.local[key], entry{version: v, tpl: mergeDefaults(tpl, a.defaults)})
	return nil
}

// Resolve parses raw as an agent identifier and resolves it to a
// Template: local registrations first (picking the pinned version, or the
// highest registered version for a bare id/"latest"), then a cached
// remote fetch. Returns an *agenterr.Error with Kind UnknownAgent if no
// source has it.
func (a *Assembler) Resolve(ctx context.Context, raw string) (agent.Template, error) {
	id, err := agent.ParseIdentifier(raw)
	if err != nil {
		return agent.Template{}, agenterr.Wrap(agenterr.UnknownAgent, "template_assembler", "resolve", "malformed agent identifier", err)
	}
	return a.ResolveIdentifier(ctx, id)
}

// ResolveIdentifier is like Resolve but takes an already-parsed
// Identifier, for callers (e.g. the dispatcher's spawn_agents handling)
// that parsed it once already.
func (a *Assembler) ResolveIdentifier(ctx context.Context, id agent.Identifier) (agent.Template, error) {
	a.mu.Lock()
	key := publisherKey(id.Publisher, id.ID)
	if tpl, ok := resolveLocal(a.local[key], id); ok {
		a.mu.Unlock()
		return tpl, nil
	}

	cacheKey := id.String()
	if tpl, ok := a.cache[cacheKey]; ok {
		a.mu.Unlock()
		return tpl, nil
	}
	a.mu.Unlock()

	if a.remote == nil {
		return agent.Template{}, agenterr.New(agenterr.UnknownAgent, "template_assembler", "resolve", fmt.Sprintf("unknown agent %q: no local template and no remote source configured", id.String()))
	}

	tpl, err := a.remote.FetchTemplate(ctx, id)
	if err != nil {
		return agent.Template{}, agenterr.Wrap(agenterr.UnknownAgent, "template_assembler", "resolve", fmt.Sprintf("remote fetch for %q failed", id.String()), err)
	}
	tpl = mergeDefaults(tpl, a.defaults)

	a.mu.Lock()
	a.cache[cacheKey] = tpl
	a.mu.Unlock()

	return tpl, nil
}

// resolveLocal picks the best-matching entry for id from a publisher/id's
// registered versions: the exact pinned semver if id.Version names one,
// otherwise the highest registered version (covers both a bare id and an
// explicit "latest").
func resolveLocal(entries []entry, id agent.Identifier) (agent.Template, bool) {
	if len(entries) == 0 {
		return agent.Template{}, false
	}

	if pinned, ok := id.Semver(); ok {
		for _, e := range entries {
			if e.version != nil && e.version.Equal(pinned) {
				return e.tpl, true
			}
		}
		return agent.Template{}, false
	}

	sorted := append([]entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		vi, vj := sorted[i].version, sorted[j].version
		switch {
		case vi == nil && vj == nil:
			return false
		case vi == nil:
			return true
		case vj == nil:
			return false
		default:
			return vi.LessThan(vj)
		}
	})
	return sorted[len(sorted)-1].tpl, true
}

// mergeDefaults fills tpl's empty Model, SystemPrompt, StepPrompt,
// ToolNames, SpawnableAgents, InputSchema and OutputMode from defaults,
// leaving tpl's own non-zero fields untouched. ID, the two boolean flags
// and HandleSteps are never taken from defaults.
func mergeDefaults(tpl, defaults agent.Template) agent.Template {
	if tpl.Model == "" {
		tpl.Model = defaults.Model
	}
	if tpl.SystemPrompt == "" {
		tpl.SystemPrompt = defaults.SystemPrompt
	}
	if tpl.StepPrompt == "" {
		tpl.StepPrompt = defaults.StepPrompt
	}
	if len(tpl.ToolNames) == 0 {
		tpl.ToolNames = defaults.ToolNames
	}
	if len(tpl.SpawnableAgents) == 0 {
		tpl.SpawnableAgents = defaults.SpawnableAgents
	}
	if tpl.InputSchema == nil {
		tpl.InputSchema = defaults.InputSchema
	}
	if tpl.OutputMode == "" {
		tpl.OutputMode = defaults.OutputMode
	}
	return tpl
}

// publisherKey builds the local-registration lookup key. An empty
// publisher is its own key: "" + "/" + id is distinct from a genuine
// publisher named "" only in the degenerate case, which is not a concern
// here since identifiers with an empty publisher segment fail to parse.
func publisherKey(publisher, id string) string {
	return publisher + "/" + id
}
