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

package dispatcher

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kadirpekel/agentrtd/pkg/tool"
)

// schemaCache compiles and caches a tool's InputSchema once per process,
// since invopop/jsonschema only generates schemas (used by
// pkg/tool/functiontool to build a Descriptor's InputSchema) — a separate
// validator is needed to check parsed tool-call input against it at
// dispatch time, which santhosh-tekuri/jsonschema/v6 provides.
var schemaCache sync.Map // map[string]*jsonschema.Schema, keyed by tool name

// validateInput compiles (once, cached by tool name) and validates input
// against desc.InputSchema. A nil/empty schema accepts anything.
func validateInput(desc tool.Descriptor, input map[string]any) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}

	schema, err := compiledSchema(desc)
	if err != nil {
		return err
	}

	return schema.Validate(map[string]any(input))
}

func compiledSchema(desc tool.Descriptor) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(desc.Name); ok {
		return cached.(*jsonschema.Schema), nil
	}

	c := jsonschema.NewCompiler()
	resourceName := desc.Name + ".json"
	if err := c.AddResource(resourceName, desc.InputSchema); err != nil {
		return nil, fmt.Errorf("tool %q: add schema resource: %w", desc.Name, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("tool %q: compile schema: %w", desc.Name, err)
	}

	schemaCache.Store(desc.Name, schema)
	return schema, nil
}
