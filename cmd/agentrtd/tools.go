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

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/tool"
	"github.com/kadirpekel/agentrtd/pkg/tool/functiontool"
)

// wordCountArgs is the typed input of the harness's word_count demo tool;
// its InputSchema is derived by functiontool.New via struct reflection
// rather than hand-written, unlike the builtin step-ending tools.
type wordCountArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to count words in"`
}

// newWordCountTool builds a demo in-process tool that counts words in its
// input text, so a fixture agent has at least one non-step-ending tool to
// call against the harness's fake ports.
func newWordCountTool() (tool.Descriptor, error) {
	return functiontool.New(
		functiontool.Config{
			Name:        "word_count",
			Description: "Count the number of whitespace-separated words in a piece of text.",
		},
		func(ctx context.Context, args wordCountArgs) ([]message.OutputPart, error) {
			n := len(strings.Fields(args.Text))
			return []message.OutputPart{{Kind: message.PartJSON, Value: map[string]any{"words": n}}}, nil
		},
	)
}

// baseToolsFor builds the harness's host-registered tool registry (the
// orchestrator merges this with its own step-ending builtins at run
// start), seeded with whatever demo tools the harness ships out of the
// box.
func baseToolsFor() (*tool.Registry, error) {
	reg := tool.NewRegistry()

	wc, err := newWordCountTool()
	if err != nil {
		return nil, fmt.Errorf("build word_count tool: %w", err)
	}
	if err := reg.Register(wc); err != nil {
		return nil, fmt.Errorf("register word_count tool: %w", err)
	}

	return reg, nil
}
