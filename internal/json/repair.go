package json

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNotObject means the arguments decoded to something other than an object.
var ErrNotObject = errors.New("arguments must be a JSON object")

// RepairObject decodes tool-call arguments into a map. Empty input is an
// empty object. Malformed input is repaired with jsonrepair before giving up.
// Numbers are kept as json.Number.
func RepairObject(raw []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}

	// Some providers double-encode: the arguments are a JSON string holding JSON.
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			trimmed = strings.TrimSpace(inner)
		}
	}

	obj, err := decodeObject(trimmed)
	if err == nil || errors.Is(err, ErrNotObject) {
		return obj, err
	}

	repaired, repairErr := jsonrepair.JSONRepair(trimmed)
	if repairErr != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	obj, err = decodeObject(repaired)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON arguments after repair: %w", err)
	}
	return obj, nil
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}
