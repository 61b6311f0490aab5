package store

import "context"

// Trace status values.
const (
	TraceStatusRunning   = "running"
	TraceStatusCompleted = "completed"
	TraceStatusError     = "error"
	TraceStatusCancelled = "cancelled"
)

// Trace is the durable record for one pipeline invocation's diagnostic
// log. The event stream itself lives in the file at LogFilePath.
type Trace struct {
	ID          string // uuid
	Status      string
	EventCount  int32
	LogFilePath string
	DurationMs  int64
	CreatedTs   int64
}

// UpdateTrace carries the finalize write for a trace.
type UpdateTrace struct {
	ID         string
	Status     *string
	EventCount *int32
	DurationMs *int64
}

// CreateTrace registers a new trace in the running state.
func (s *Store) CreateTrace(ctx context.Context, create *Trace) (*Trace, error) {
	return s.driver.CreateTrace(ctx, create)
}

// UpdateTrace writes the final status for a trace.
func (s *Store) UpdateTrace(ctx context.Context, update *UpdateTrace) error {
	return s.driver.UpdateTrace(ctx, update)
}
