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

// Package functiontool builds in-process tool.Descriptors from typed Go
// functions, generating the descriptor's InputSchema by reflecting over the
// function's argument struct (invopop/jsonschema) instead of hand-writing
// JSON schema literals for every tool.
//
// # Basic usage
//
//	type ReadFilesArgs struct {
//	    Paths []string `json:"paths" jsonschema:"required,description=Files to read"`
//	}
//
//	desc, err := functiontool.New(
//	    functiontool.Config{Name: "read_files", Description: "Read file contents"},
//	    func(ctx context.Context, args ReadFilesArgs) ([]message.OutputPart, error) {
//	        // ...
//	    },
//	)
package functiontool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/tool"
)

// Config defines the configuration for a function tool.
type Config struct {
	// Name is the unique identifier for this tool (required).
	Name string

	// Description explains what the tool does (required). Shown to the
	// LLM to help it decide when to use the tool.
	Description string

	// EndsAgentStep marks this tool as one whose successful invocation
	// finalizes the current agent step.
	EndsAgentStep bool
}

// New builds an in-process tool.Descriptor from a typed Go function. Args
// must be a struct with json/jsonschema tags describing its parameters.
func New[Args any](cfg Config, fn func(ctx context.Context, args Args) ([]message.OutputPart, error)) (tool.Descriptor, error) {
	return NewWithValidation(cfg, fn, nil)
}

// NewWithValidation is like New but runs validate(args) before fn, for
// validation logic that struct tags cannot express (e.g. cross-field
// constraints, path traversal checks).
func NewWithValidation[Args any](
	cfg Config,
	fn func(ctx context.Context, args Args) ([]message.OutputPart, error),
	validate func(Args) error,
) (tool.Descriptor, error) {
	if err := validateConfig(cfg); err != nil {
		return tool.Descriptor{}, err
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return tool.Descriptor{}, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	handler := func(ctx context.Context, input map[string]any) ([]message.OutputPart, error) {
		var typedArgs Args
		if err := mapToStruct(input, &typedArgs); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", cfg.Name, err)
		}
		if validate != nil {
			if err := validate(typedArgs); err != nil {
				return nil, fmt.Errorf("validation failed for %s: %w", cfg.Name, err)
			}
		}
		return fn(ctx, typedArgs)
	}

	return tool.Descriptor{
		Name:          cfg.Name,
		Description:   cfg.Description,
		EndsAgentStep: cfg.EndsAgentStep,
		InputSchema:   schema,
		Kind:          tool.InProcess,
		Handler:       handler,
	}, nil
}

func validateConfig(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return fmt.Errorf("tool description is required")
	}
	return nil
}
