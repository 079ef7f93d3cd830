// Package delivery pushes assistant text to the human user.
//
// Information Hiding:
// - Transport per sink (terminal, websocket, memory) hidden behind Sink
// - Fan-out and per-sink failure isolation hidden in Multi

package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Notification types.
const (
	TypeIntermediate = "intermediate"
	TypeFinal        = "final"
	TypeError        = "error"
)

// Notification is one one-way message to a user.
type Notification struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	ThreadID  int64     `json:"threadId,string"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink accepts notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

var (
	_ Sink = (*WriterSink)(nil)
	_ Sink = (*Recorder)(nil)
	_ Sink = Multi(nil)
	_ Sink = (*Hub)(nil)
)

// WriterSink prints notifications as plain text lines.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
	// ShowIntermediate also prints intermediate narration.
	ShowIntermediate bool
}

// NewWriterSink creates a WriterSink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w, ShowIntermediate: true}
}

func (s *WriterSink) Send(ctx context.Context, n Notification) error {
	if n.Type == TypeIntermediate && !s.ShowIntermediate {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := ""
	switch n.Type {
	case TypeIntermediate:
		prefix = "... "
	case TypeError:
		prefix = "! "
	}
	if _, err := fmt.Fprintf(s.w, "%s%s\n", prefix, n.Message); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Notifications returns a copy of the recorded notifications.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Multi sends to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
