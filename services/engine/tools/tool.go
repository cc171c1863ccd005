// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines the retrieval tools the reasoning loop can
// call and the registry it calls them through.
//
// Tool kinds form a closed enumeration checked when the registry is
// built, so an unknown tool is a construction-time configuration
// error rather than a runtime surprise.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianAnswers/services/engine/retrieval"
)

// Kind is a closed enumeration of tool categories.
type Kind string

const (
	KindVectorSearch   Kind = "vector_search"
	KindDatabaseLookup Kind = "database_lookup"
	KindGraphLookup    Kind = "graph_lookup"
)

// validKinds is the lookup table behind Kind validation.
var validKinds = map[Kind]bool{
	KindVectorSearch:   true,
	KindDatabaseLookup: true,
	KindGraphLookup:    true,
}

// Valid reports whether k is a known tool kind.
func (k Kind) Valid() bool { return validKinds[k] }

var (
	// ErrUnknownKind is returned at registry construction for a tool
	// declaring an out-of-enumeration kind.
	ErrUnknownKind = errors.New("unknown tool kind")

	// ErrDuplicateTool is returned at registry construction when two
	// tools share a name.
	ErrDuplicateTool = errors.New("duplicate tool name")

	// ErrNoSuchTool is returned by Get for an unregistered name.
	ErrNoSuchTool = errors.New("no such tool")
)

// Result is one tool invocation's output.
type Result struct {
	// Content is the textual observation fed back into the loop.
	Content string

	// Sources are scored snippets feeding the evidence computation.
	// Non-retrieval tools may leave this empty.
	Sources []retrieval.Result
}

// Tool is one callable capability.
type Tool interface {
	// Name is the identifier the model uses to call the tool.
	Name() string

	// Kind places the tool in the closed enumeration.
	Kind() Kind

	// Description tells the model when to use the tool.
	Description() string

	// Invoke runs the tool. Argument validation errors are returned
	// as errors; the loop records them as observations.
	Invoke(ctx context.Context, args map[string]any) (*Result, error)
}

// Registry is the fixed set of tools available to one reasoning loop.
type Registry struct {
	byName map[string]Tool
	order  []Tool
}

// NewRegistry validates and indexes a tool set.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if t.Name() == "" {
			return nil, fmt.Errorf("tool of kind %q has empty name", t.Kind())
		}
		if !t.Kind().Valid() {
			return nil, fmt.Errorf("%w: %q (tool %s)", ErrUnknownKind, t.Kind(), t.Name())
		}
		if _, dup := r.byName[t.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
		}
		r.byName[t.Name()] = t
		r.order = append(r.order, t)
	}
	return r, nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchTool, name)
	}
	return t, nil
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	return append([]Tool(nil), r.order...)
}

// Describe renders a tool catalogue for the system prompt.
func (r *Registry) Describe() string {
	out := ""
	for _, t := range r.order {
		out += fmt.Sprintf("- %s: %s\n", t.Name(), t.Description())
	}
	return out
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return s, nil
}

// intArg extracts an optional integer argument; JSON numbers arrive
// as float64.
func intArg(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
