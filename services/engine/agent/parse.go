// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedAction is returned when the model's output is not the
// required JSON shape. The loop turns it into an error observation;
// there is no regex repair of almost-JSON.
var ErrMalformedAction = errors.New("malformed action output")

// Action is the parsed model output for one step: either a tool call
// or a final answer, never both.
type Action struct {
	Thought     string
	Call        *ToolCall
	FinalAnswer string
}

// IsFinal reports whether the action ends the loop.
func (a *Action) IsFinal() bool { return a.FinalAnswer != "" }

// actionWire is the strict JSON shape the model must produce.
type actionWire struct {
	Thought string `json:"thought"`
	Action  *struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	} `json:"action,omitempty"`
	FinalAnswer string `json:"final_answer,omitempty"`
}

// ParseAction parses one model response strictly.
//
// Description:
//
//	Accepts exactly one JSON object, optionally wrapped in a
//	markdown code fence, containing a thought plus either an action
//	or a final_answer. Anything else is ErrMalformedAction. Parsing
//	is deliberately strict: repairing almost-valid output hides
//	model regressions and produces actions nobody asked for.
func ParseAction(raw string) (*Action, error) {
	payload := strings.TrimSpace(raw)
	if strings.HasPrefix(payload, "```") {
		payload = strings.TrimPrefix(payload, "```json")
		payload = strings.TrimPrefix(payload, "```")
		payload = strings.TrimSuffix(strings.TrimSpace(payload), "```")
		payload = strings.TrimSpace(payload)
	}

	var wire actionWire
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}
	// Trailing content after the object is also malformed.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after action object", ErrMalformedAction)
	}

	hasAction := wire.Action != nil
	hasFinal := wire.FinalAnswer != ""
	if hasAction == hasFinal {
		return nil, fmt.Errorf("%w: need exactly one of action or final_answer", ErrMalformedAction)
	}

	act := &Action{Thought: wire.Thought, FinalAnswer: wire.FinalAnswer}
	if hasAction {
		act.Call = &ToolCall{Name: wire.Action.Tool, Args: wire.Action.Args}
	}
	return act, nil
}
