package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Status discriminates the Result variants.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusScheduled Status = "scheduled"
)

// ErrInvalidResult is returned when a dictionary does not describe a valid Result.
var ErrInvalidResult = errors.New("invalid tool call result")

// Result is the outcome of one tool call: success, error or scheduled.
// Exactly one variant's fields are populated, selected by Status.
type Result struct {
	Status     Status
	ToolName   string
	ToolCallID string
	ThreadID   int64

	// success
	Content any

	// error
	ErrorType    string
	ErrorMessage string
	StatusCode   *int

	// scheduled
	TaskHandle string
	TaskID     int64
}

// Success builds a success result.
func Success(toolName string, inv Invocation, content any) Result {
	return Result{
		Status:     StatusSuccess,
		ToolName:   toolName,
		ToolCallID: inv.ToolCallID,
		ThreadID:   inv.ThreadID,
		Content:    content,
	}
}

// Failure builds an error result from err, classifying it with ErrorType.
func Failure(toolName string, inv Invocation, err error) Result {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Result{
		Status:       StatusError,
		ToolName:     toolName,
		ToolCallID:   inv.ToolCallID,
		ThreadID:     inv.ThreadID,
		ErrorType:    ErrorType(err),
		ErrorMessage: msg,
		StatusCode:   StatusCode(err),
	}
}

// Scheduled builds a scheduled result referencing a background task.
func Scheduled(toolName string, inv Invocation, handle string, taskID int64) Result {
	return Result{
		Status:     StatusScheduled,
		ToolName:   toolName,
		ToolCallID: inv.ToolCallID,
		ThreadID:   inv.ThreadID,
		TaskHandle: handle,
		TaskID:     taskID,
	}
}

// IsError reports whether r is an error result.
func (r Result) IsError() bool {
	return r.Status == StatusError
}

// Validate checks that the populated fields match the status.
func (r Result) Validate() error {
	switch r.Status {
	case StatusSuccess:
		if r.ErrorType != "" || r.ErrorMessage != "" || r.StatusCode != nil || r.TaskHandle != "" || r.TaskID != 0 {
			return fmt.Errorf("%w: success result carries error or task fields", ErrInvalidResult)
		}
	case StatusError:
		if r.ErrorType == "" || r.ErrorMessage == "" {
			return fmt.Errorf("%w: error result requires error_type and error_message", ErrInvalidResult)
		}
		if r.Content != nil || r.TaskHandle != "" || r.TaskID != 0 {
			return fmt.Errorf("%w: error result carries content or task fields", ErrInvalidResult)
		}
	case StatusScheduled:
		if r.TaskHandle == "" {
			return fmt.Errorf("%w: scheduled result requires task_handle", ErrInvalidResult)
		}
		if r.Content != nil || r.ErrorType != "" || r.ErrorMessage != "" || r.StatusCode != nil {
			return fmt.Errorf("%w: scheduled result carries content or error fields", ErrInvalidResult)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidResult, r.Status)
	}
	return nil
}

// ToDict returns the compact dictionary form. 64-bit ids are decimal strings.
func (r Result) ToDict() map[string]any {
	d := map[string]any{
		"status":       string(r.Status),
		"tool_name":    r.ToolName,
		"tool_call_id": r.ToolCallID,
		"thread_id":    strconv.FormatInt(r.ThreadID, 10),
	}
	switch r.Status {
	case StatusSuccess:
		d["content"] = r.Content
	case StatusError:
		d["error_type"] = r.ErrorType
		d["error_message"] = r.ErrorMessage
		if r.StatusCode != nil {
			d["status_code"] = *r.StatusCode
		}
	case StatusScheduled:
		d["task_handle"] = r.TaskHandle
		d["task_id"] = strconv.FormatInt(r.TaskID, 10)
	}
	return d
}

// FromDict reconstructs a Result from its dictionary form.
// Ids are accepted as decimal strings or numbers.
func FromDict(d map[string]any) (Result, error) {
	var r Result

	status, _ := d["status"].(string)
	r.Status = Status(status)
	r.ToolName, _ = d["tool_name"].(string)
	r.ToolCallID, _ = d["tool_call_id"].(string)

	if v, ok := d["thread_id"]; ok && v != nil {
		id, err := ParseID(v)
		if err != nil {
			return Result{}, fmt.Errorf("%w: thread_id: %v", ErrInvalidResult, err)
		}
		r.ThreadID = id
	}

	switch r.Status {
	case StatusSuccess:
		r.Content = d["content"]
	case StatusError:
		r.ErrorType, _ = d["error_type"].(string)
		r.ErrorMessage, _ = d["error_message"].(string)
		if v, ok := d["status_code"]; ok && v != nil {
			code, err := ParseID(v)
			if err != nil {
				return Result{}, fmt.Errorf("%w: status_code: %v", ErrInvalidResult, err)
			}
			c := int(code)
			r.StatusCode = &c
		}
	case StatusScheduled:
		r.TaskHandle, _ = d["task_handle"].(string)
		if v, ok := d["task_id"]; ok && v != nil {
			id, err := ParseID(v)
			if err != nil {
				return Result{}, fmt.Errorf("%w: task_id: %v", ErrInvalidResult, err)
			}
			r.TaskID = id
		}
	}

	if err := r.Validate(); err != nil {
		return Result{}, err
	}
	return r, nil
}

// MarshalJSON encodes the dictionary form.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToDict())
}

// UnmarshalJSON decodes the dictionary form. Numbers are kept exact.
func (r *Result) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var d map[string]any
	if err := dec.Decode(&d); err != nil {
		return fmt.Errorf("failed to decode tool call result: %w", err)
	}
	parsed, err := FromDict(d)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// String returns the JSON string form.
func (r Result) String() string {
	data, err := r.MarshalJSON()
	if err != nil {
		// Content that cannot be encoded is rendered with fmt.
		fallback := r.ToDict()
		fallback["content"] = fmt.Sprint(r.Content)
		data, _ = json.Marshal(fallback)
	}
	return string(data)
}

// ParseID converts a decimal string or JSON number into an int64.
func ParseID(v any) (int64, error) {
	switch n := v.(type) {
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid id %q", n)
		}
		return id, nil
	case json.Number:
		id, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid id %q", n.String())
		}
		return id, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, fmt.Errorf("invalid id %v", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("invalid id of type %T", v)
	}
}
