// Package tracer is a best-effort, bounded diagnostic event log for one
// pipeline invocation. Events are buffered in memory and flushed as
// line-delimited JSON appends to a per-invocation file. Tracing failures
// never surface to the user-facing flow: the recorder disables itself on
// the first I/O error.
package tracer

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	batchSize = 20
	// maxEvents caps the total event count per invocation. One overflow
	// sentinel is written when the cap is hit; further events are dropped.
	maxEvents = 500

	maxStringLen = 2000
	maxBreadth   = 50
	maxDepth     = 6
)

// Sink receives the final status write when a recorder is finalized.
type Sink interface {
	FinalizeTrace(ctx context.Context, traceID string, status string, eventCount int32, durationMs int64) error
}

type event struct {
	Seq       int    `json:"seq"`
	EventType string `json:"eventType"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Recorder owns the trace for the lifetime of one request and is
// finalized exactly once.
type Recorder struct {
	mu        sync.Mutex
	id        string
	path      string
	sink      Sink
	buf       []event
	seq       int
	count     int32
	disabled  bool
	finalized bool
	startedAt time.Time
}

// NewRecorder creates a recorder writing to dir/<traceID>.jsonl.
func NewRecorder(dir, traceID string, sink Sink) *Recorder {
	return &Recorder{
		id:        traceID,
		path:      filepath.Join(dir, traceID+".jsonl"),
		sink:      sink,
		startedAt: time.Now(),
	}
}

// ID returns the trace identifier.
func (r *Recorder) ID() string { return r.id }

// LogFilePath returns the path events are appended to.
func (r *Recorder) LogFilePath() string { return r.path }

// Log buffers one event. Payloads are sanitized so trace files stay
// bounded regardless of what callers hand in.
func (r *Recorder) Log(eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled || r.finalized {
		return
	}
	if r.count >= maxEvents {
		return
	}
	r.count++
	if r.count == maxEvents {
		r.append("overflow", map[string]any{"dropped_after": maxEvents})
		return
	}
	r.append(eventType, payload)
}

func (r *Recorder) append(eventType string, payload any) {
	r.seq++
	r.buf = append(r.buf, event{
		Seq:       r.seq,
		EventType: eventType,
		Payload:   sanitize(payload, 0),
		Timestamp: time.Now().UnixMilli(),
	})
	if len(r.buf) >= batchSize {
		r.flush()
	}
}

// flush appends the buffered events to the log file. Caller holds r.mu.
func (r *Recorder) flush() {
	if len(r.buf) == 0 || r.disabled {
		return
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		r.disable(err)
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, ev := range r.buf {
		if err := enc.Encode(ev); err != nil {
			r.disable(err)
			return
		}
	}
	r.buf = r.buf[:0]
}

func (r *Recorder) disable(err error) {
	slog.Warn("trace recorder disabled", "trace", r.id, "err", err)
	r.disabled = true
	r.buf = nil
}

// Finalize flushes pending events and writes the final status to the
// sink. A second call is a no-op.
func (r *Recorder) Finalize(ctx context.Context, status string) {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return
	}
	r.finalized = true
	r.flush()
	count := r.count
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	durationMs := time.Since(r.startedAt).Milliseconds()
	if err := r.sink.FinalizeTrace(ctx, r.id, status, count, durationMs); err != nil {
		slog.Warn("failed to finalize trace", "trace", r.id, "err", err)
	}
}

// sanitize recursively truncates long strings and caps breadth and
// depth so a single event can never blow up the trace file.
func sanitize(v any, depth int) any {
	if depth >= maxDepth {
		return "[depth exceeded]"
	}
	switch t := v.(type) {
	case string:
		if len(t) > maxStringLen {
			return t[:maxStringLen] + "...[truncated]"
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		n := 0
		for k, val := range t {
			if n >= maxBreadth {
				out["..."] = "[breadth exceeded]"
				break
			}
			out[k] = sanitize(val, depth+1)
			n++
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		n := 0
		for k, val := range t {
			if n >= maxBreadth {
				out["..."] = "[breadth exceeded]"
				break
			}
			out[k] = sanitize(val, depth+1)
			n++
		}
		return out
	case []any:
		limit := len(t)
		if limit > maxBreadth {
			limit = maxBreadth
		}
		out := make([]any, 0, limit)
		for _, item := range t[:limit] {
			out = append(out, sanitize(item, depth+1))
		}
		if len(t) > maxBreadth {
			out = append(out, "[breadth exceeded]")
		}
		return out
	case []string:
		items := make([]any, 0, len(t))
		for _, s := range t {
			items = append(items, s)
		}
		return sanitize(items, depth)
	default:
		return v
	}
}
