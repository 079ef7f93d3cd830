package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func testInvocation() Invocation {
	return Invocation{ThreadID: 9007199254740993, ToolCallID: "call_1"}
}

func TestResultToDictRendersIDsAsStrings(t *testing.T) {
	r := Scheduled("user_data_retriever", testInvocation(), "bills_q1", 9223372036854775807)
	d := r.ToDict()

	if d["thread_id"] != "9007199254740993" {
		t.Errorf("thread_id = %#v, want decimal string", d["thread_id"])
	}
	if d["task_id"] != "9223372036854775807" {
		t.Errorf("task_id = %#v, want decimal string", d["task_id"])
	}
	if _, ok := d["content"]; ok {
		t.Errorf("scheduled dict carries content")
	}
}

func TestResultRoundTrip(t *testing.T) {
	code := 503
	tests := []struct {
		name   string
		result Result
	}{
		{
			name:   "success",
			result: Success("size_retriever", testInvocation(), map[string]any{"QueryResponse": map[string]any{"totalCount": "4"}}),
		},
		{
			name: "error with status",
			result: Result{
				Status:       StatusError,
				ToolName:     "size_retriever",
				ToolCallID:   "call_2",
				ThreadID:     42,
				ErrorType:    "TransportError",
				ErrorMessage: "query: HTTP 503: unavailable",
				StatusCode:   &code,
			},
		},
		{
			name:   "scheduled",
			result: Scheduled("user_data_retriever", testInvocation(), "bills", 77),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromDict(tt.result.ToDict())
			if err != nil {
				t.Fatalf("FromDict failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.result) {
				t.Errorf("dict round trip = %+v, want %+v", got, tt.result)
			}

			var decoded Result
			if err := json.Unmarshal([]byte(tt.result.String()), &decoded); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if decoded.Status != tt.result.Status || decoded.ThreadID != tt.result.ThreadID ||
				decoded.ToolCallID != tt.result.ToolCallID || decoded.TaskID != tt.result.TaskID ||
				decoded.ErrorMessage != tt.result.ErrorMessage {
				t.Errorf("json round trip = %+v, want %+v", decoded, tt.result)
			}
		})
	}
}

func TestFromDictAcceptsNumericIDs(t *testing.T) {
	r, err := FromDict(map[string]any{
		"status":       "scheduled",
		"tool_name":    "user_data_retriever",
		"tool_call_id": "c",
		"thread_id":    float64(12),
		"task_handle":  "h",
		"task_id":      json.Number("34"),
	})
	if err != nil {
		t.Fatalf("FromDict failed: %v", err)
	}
	if r.ThreadID != 12 || r.TaskID != 34 {
		t.Errorf("ids = (%d, %d), want (12, 34)", r.ThreadID, r.TaskID)
	}
}

func TestFromDictRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		dict map[string]any
	}{
		{"unknown status", map[string]any{"status": "done"}},
		{"error without message", map[string]any{"status": "error", "error_type": "ValidationError"}},
		{"scheduled without handle", map[string]any{"status": "scheduled", "task_id": "1"}},
		{"bad thread id", map[string]any{"status": "success", "thread_id": "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromDict(tt.dict); !errors.Is(err, ErrInvalidResult) {
				t.Errorf("FromDict() error = %v, want ErrInvalidResult", err)
			}
		})
	}
}

type quotaError struct{}

func (quotaError) Error() string { return "quota exceeded" }

func TestFailureClassification(t *testing.T) {
	inv := testInvocation()
	tests := []struct {
		name     string
		err      error
		wantType string
		wantCode *int
	}{
		{"validation", Validationf("ORDER BY clause is missing"), "ValidationError", nil},
		{"protocol", Protocolf("unknown tool %q", "x"), "ProtocolError", nil},
		{"wrapped transport", fmt.Errorf("retrieve: %w", &TransportError{Op: "query", StatusCode: 401, Err: errors.New("unauthorized")}), "TransportError", intPtr(401)},
		{"custom type", quotaError{}, "quotaError", nil},
		{"panic value", FromPanic("boom"), UnknownErrorType, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Failure("tool", inv, tt.err)
			if r.Status != StatusError {
				t.Fatalf("status = %s, want error", r.Status)
			}
			if r.ErrorType != tt.wantType {
				t.Errorf("ErrorType = %q, want %q", r.ErrorType, tt.wantType)
			}
			if r.ErrorMessage == "" {
				t.Errorf("ErrorMessage is empty")
			}
			if !reflect.DeepEqual(r.StatusCode, tt.wantCode) {
				t.Errorf("StatusCode = %v, want %v", r.StatusCode, tt.wantCode)
			}
			if err := r.Validate(); err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(Validationf("bad")) {
		t.Errorf("validation errors must not be retried")
	}
	if IsRetryable(&TransportError{Op: "q", StatusCode: 400, Err: errors.New("bad request")}) {
		t.Errorf("4xx must not be retried")
	}
	if !IsRetryable(&TransportError{Op: "q", StatusCode: 429, Err: errors.New("slow down")}) {
		t.Errorf("429 should be retried")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Errorf("plain errors should be retried")
	}
}

func intPtr(v int) *int { return &v }
