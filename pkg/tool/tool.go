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

// Package tool is the catalogue of tool descriptors a run can dispatch
// against: name, input schema, whether a successful call ends the current
// agent step, and a handler of one of three flavors (in-process,
// client-delegated, spawning).
package tool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/registry"
)

// SpawnAgentsName is the reserved name of the built-in spawning tool that
// the dispatcher's compatibility shim rewrites an unknown call into when
// its name matches one of the owning template's spawnableAgents instead
// (§4.4 step 2).
const SpawnAgentsName = "spawn_agents"

// HandlerKind distinguishes the three tool handler flavors.
type HandlerKind int

const (
	// InProcess handlers are a pure function of (input, ctx) -> Output.
	InProcess HandlerKind = iota
	// ClientDelegated handlers are forwarded to the host application over
	// the ToolClientPort; the descriptor carries no Go function for them.
	ClientDelegated
	// Spawning handlers instantiate one or more child agents; their
	// result is the structured output(s) of those children.
	Spawning
)

func (k HandlerKind) String() string {
	switch k {
	case InProcess:
		return "in-process"
	case ClientDelegated:
		return "client-delegated"
	case Spawning:
		return "spawning"
	default:
		return "unknown"
	}
}

// InProcessFunc implements an in-process tool handler.
type InProcessFunc func(ctx context.Context, input map[string]any) ([]message.OutputPart, error)

// SpawnRequest is one child-agent instantiation requested by a spawning
// tool call, e.g. one element of spawn_agents's "agents" array.
type SpawnRequest struct {
	AgentIdentifier string
	Prompt          string
	Params          map[string]any
}

// SpawnFunc implements a spawning tool handler. async controls whether the
// call awaits all children (sync mode, result carries their outputs) or
// fires-and-forgets (async mode, result carries only child run ids). The
// orchestrator supplies the actual spawning behavior via
// ports.SpawnChildPort; SpawnFunc is the glue that parses dispatcher input
// into SpawnRequests and invokes it.
type SpawnFunc func(ctx context.Context, requests []SpawnRequest, async bool) ([]message.OutputPart, error)

// Descriptor is a catalogued tool: its name, whether a successful call
// ends the current agent step, its input schema, and exactly one of the
// three handler flavors (selected by Kind).
type Descriptor struct {
	Name          string
	Description   string
	EndsAgentStep bool
	InputSchema   map[string]any

	Kind HandlerKind

	// Populated when Kind == InProcess.
	Handler InProcessFunc
	// Populated when Kind == Spawning.
	Spawn SpawnFunc
	// ClientDelegated descriptors carry no Go-side function: the
	// dispatcher forwards (Name, input) to ports.ToolClientPort.
}

// Validate checks internal consistency of a descriptor against its Kind.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool descriptor: name is required")
	}
	switch d.Kind {
	case InProcess:
		if d.Handler == nil {
			return fmt.Errorf("tool %q: in-process descriptor requires Handler", d.Name)
		}
	case Spawning:
		if d.Spawn == nil {
			return fmt.Errorf("tool %q: spawning descriptor requires Spawn", d.Name)
		}
	case ClientDelegated:
		// no Go-side function expected.
	default:
		return fmt.Errorf("tool %q: unknown handler kind %v", d.Name, d.Kind)
	}
	return nil
}

// Registry is the catalogue of tool descriptors available to a run,
// keyed by name.
type Registry struct {
	*registry.BaseRegistry[Descriptor]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Descriptor]()}
}

// Register validates and catalogues a descriptor.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return r.BaseRegistry.Register(d.Name, d)
}

// Lookup returns the descriptor for name, if registered.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	return r.Get(name)
}

// Predicate determines whether a tool should be exposed to the model in a
// given step.
type Predicate func(d Descriptor) bool

// AllowNamed allows only the named tools.
func AllowNamed(names ...string) Predicate {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(d Descriptor) bool { return set[d.Name] }
}

// Filter returns the descriptors from the registry allowed by p, in
// registration order is not guaranteed (matches the underlying
// registry.BaseRegistry's map-backed List).
func (r *Registry) Filter(p Predicate) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if p(d) {
			out = append(out, d)
		}
	}
	return out
}
