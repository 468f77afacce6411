package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/adiwidjaja/nalar/pkg/observability"
)

// ErrClientGone reports that the client disconnected or the emitter gave up
// after too many consecutive write failures.
var ErrClientGone = fmt.Errorf("client disconnected")

// Emitter writes validated events as server-sent events. A run of
// consecutive write failures beyond the limit abandons the stream; a single
// success resets the run.
type Emitter struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	ctx       context.Context
	maxErrors int

	consecutiveErrors int
	dead              bool
}

// NewEmitter wraps an HTTP response for SSE. The writer should already carry
// the text/event-stream headers.
func NewEmitter(ctx context.Context, w http.ResponseWriter, maxErrors int) *Emitter {
	flusher, _ := w.(http.Flusher)
	return &Emitter{
		w:         w,
		flusher:   flusher,
		ctx:       ctx,
		maxErrors: maxErrors,
	}
}

// Emit sends one event. Schema-invalid events are downgraded to non-fatal
// error events describing the failure; they count toward the consecutive
// error limit. Returns ErrClientGone once the client is unreachable; callers
// should stop producing at that point.
func (e *Emitter) Emit(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead {
		return ErrClientGone
	}
	if err := e.ctx.Err(); err != nil {
		e.dead = true
		observability.GetGlobalMetrics().RecordStreamError(e.ctx, true)
		return ErrClientGone
	}

	if err := event.Validate(); err != nil {
		if gone := e.fail(); gone != nil {
			return gone
		}
		downgraded := ErrorEvent("invalid_event", err.Error(), false, event.CorrelationID)
		_ = e.write(downgraded)
		return fmt.Errorf("invalid stream event: %w", err)
	}

	if err := e.write(event); err != nil {
		if gone := e.fail(); gone != nil {
			return gone
		}
		return err
	}

	e.consecutiveErrors = 0
	observability.GetGlobalMetrics().RecordStreamEvent(e.ctx, event.Type)
	return nil
}

// fail counts one non-fatal error and kills the stream once the consecutive
// limit is reached. Caller holds the lock.
func (e *Emitter) fail() error {
	e.consecutiveErrors++
	fatal := e.consecutiveErrors >= e.maxErrors
	observability.GetGlobalMetrics().RecordStreamError(e.ctx, fatal)
	if fatal {
		e.dead = true
		return ErrClientGone
	}
	return nil
}

func (e *Emitter) write(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Alive reports whether the emitter can still reach the client.
func (e *Emitter) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dead && e.ctx.Err() == nil
}
