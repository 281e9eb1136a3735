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

package template

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/agentrtd/pkg/agent"
)

// Fixture is one YAML-loadable template registration: the publisher/
// version under which it should be locally registered, plus the template
// body itself.
type Fixture struct {
	Publisher string        `yaml:"publisher,omitempty"`
	Version   string        `yaml:"version,omitempty"`
	Template  agent.Template `yaml:"template"`
}

// fixtureFile is the on-disk shape: a list of fixtures under "agents", so
// one file can seed a whole local template set for a harness run.
type fixtureFile struct {
	Agents []Fixture `yaml:"agents"`
}

// LoadFixtures parses a YAML file of agent template fixtures.
func LoadFixtures(path string) ([]Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("template: read fixtures %s: %w", path, err)
	}

	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("template: parse fixtures %s: %w", path, err)
	}
	return file.Agents, nil
}

// RegisterFixtures loads fixtures from path and registers each one on a.
func RegisterFixtures(a *Assembler, path string) error {
	fixtures, err := LoadFixtures(path)
	if err != nil {
		return err
	}
	for _, f := range fixtures {
		if err := a.RegisterLocal(f.Publisher, f.Template.ID, f.Version, f.Template); err != nil {
			return fmt.Errorf("template: register fixture %q: %w", f.Template.ID, err)
		}
	}
	return nil
}
