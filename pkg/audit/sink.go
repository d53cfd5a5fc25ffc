package audit

import (
	"context"

	"github.com/platinummonkey/boxvault/pkg/async"
	"github.com/platinummonkey/boxvault/pkg/auth"
)

// Recorder persists a single event
type Recorder interface {
	Record(ctx context.Context, event *auth.AuditEvent) error
}

// AsyncSink hands events to a worker pool for persistence
type AsyncSink struct {
	recorder Recorder
	pool     *async.WorkerPool
}

// NewAsyncSink creates a sink that records through recorder on pool
func NewAsyncSink(recorder Recorder, pool *async.WorkerPool) *AsyncSink {
	return &AsyncSink{recorder: recorder, pool: pool}
}

// Record queues a copy of event. It only fails when the event could not be
// queued; write errors are logged by the pool.
func (s *AsyncSink) Record(_ context.Context, event *auth.AuditEvent) error {
	copied := *event
	if event.UserID != nil {
		id := *event.UserID
		copied.UserID = &id
	}
	return s.pool.TrySubmit(func(ctx context.Context) error {
		return s.recorder.Record(ctx, &copied)
	})
}
