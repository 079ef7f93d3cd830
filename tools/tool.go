// Package tools provides the tool model shared by the tool endpoint and the runner.
//
// Information Hiding:
// - Tool argument decoding hidden behind Invocation accessors
// - Parameter schemas generated from Parameter lists
// - Concrete tool construction hidden behind Factory

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Category selects how the runner stages a tool call.
type Category string

const (
	// CategoryMetadata tools are cheap lookups invoked directly.
	CategoryMetadata Category = "metadata"
	// CategoryBulk tools retrieve data and are staged validate-then-retrieve.
	CategoryBulk Category = "bulk"
	// CategoryLocal tools run in-process next to the runner.
	CategoryLocal Category = "local"
)

// Parameter defines one argument of a tool.
type Parameter struct {
	Name        string `json:"name"`
	ParamType   string `json:"param_type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Enum        []string
	// Items is the element type of an array parameter; empty means string.
	Items string
}

// Schema builds a JSON-schema object from a parameter list.
func Schema(params ...Parameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]any{
			"type":        p.ParamType,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.ParamType == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Descriptor is the self-describing schema a tool publishes for the model.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Category    Category       `json:"category,omitempty"`
}

// String returns a short human readable form.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s [%s]: %s", d.Name, d.Category, d.Description)
}

// Invocation carries one tool call's identity and arguments.
type Invocation struct {
	ThreadID   int64
	ToolCallID string
	CBID       string
	Arguments  map[string]any
}

// String returns the named argument as a trimmed string.
func (inv Invocation) String(name string) string {
	v, ok := inv.Arguments[name]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

// Int returns the named argument as an int. ok is false when the argument is absent.
func (inv Invocation) Int(name string) (int, bool, error) {
	v, present := inv.Arguments[name]
	if !present || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, true, fmt.Errorf("%s must be an integer", name)
		}
		return int(n), true, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", name)
		}
		return int(i), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", name)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s must be an integer", name)
	}
}

// Int64s returns the named argument as a list of 64-bit ids.
// Ids may be numbers or decimal strings.
func (inv Invocation) Int64s(name string) ([]int64, error) {
	v, ok := inv.Arguments[name]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of ids", name)
	}
	ids := make([]int64, 0, len(list))
	for _, item := range list {
		id, err := ParseID(item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Tool is a concrete tool instantiated for a single invocation.
//
// Call must run Validate itself before doing any work.
type Tool interface {
	// Validate checks argument shape and tool-specific semantics.
	Validate(ctx context.Context) error

	// Call executes the tool and returns its content.
	Call(ctx context.Context) (any, error)
}

// Factory instantiates a tool with the invocation's arguments.
type Factory func(inv Invocation) (Tool, error)
