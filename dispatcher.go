// perlcomplete/dispatcher.go
// Runs one background request per user action and drops results that a newer job superseded.
package perlcomplete

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Delivery is the outcome of one job handed to its callback.
type Delivery struct {
	Token    uint64
	Category Category
	Method   Method
	Response *Response // nil on hard failure.
	Err      error
}

// DeliverFunc receives a job's outcome. It runs on the job's goroutine and is
// only invoked for the current job of its category.
type DeliverFunc func(Delivery)

// DispatcherStats is a snapshot of the dispatcher's counters.
type DispatcherStats struct {
	Submitted     int64
	Delivered     int64
	Stale         int64
	DeliverPanics int64
	Running       int
}

type categoryState struct {
	current uint64
	running bool
}

// Dispatcher fires each job on its own goroutine. Within a category only the
// most recently submitted job's result is delivered, whatever order the jobs finish in.
type Dispatcher struct {
	caller    Caller
	logger    *slog.Logger
	sessionID string

	mu         sync.Mutex
	nextToken  uint64
	categories map[Category]*categoryState
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Int64
	delivered atomic.Int64
	stale     atomic.Int64
	panics    atomic.Int64
}

// NewDispatcher creates a dispatcher issuing its jobs through caller.
func NewDispatcher(caller Caller, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		caller:     caller,
		sessionID:  sessionID,
		logger:     logger.With("component", "Dispatcher", "session", sessionID),
		categories: make(map[Category]*categoryState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SessionID identifies this dispatcher in logs.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// Submit records a new job as the current one of its category and starts it.
// It never blocks on I/O. The returned token is 0 if the dispatcher is closed,
// in which case deliver is called synchronously with ErrDispatcherClosed.
func (d *Dispatcher) Submit(category Category, method Method, params RequestParams, deliver DeliverFunc) uint64 {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		if deliver != nil {
			deliver(Delivery{Category: category, Method: method, Err: ErrDispatcherClosed})
		}
		return 0
	}
	d.nextToken++
	token := d.nextToken
	st := d.categories[category]
	if st == nil {
		st = &categoryState{}
		d.categories[category] = st
	}
	st.current = token
	st.running = true
	d.wg.Add(1)
	d.mu.Unlock()

	d.submitted.Add(1)
	d.logger.Debug("Job submitted", "token", token, "category", category.String(), "method", string(method))

	go d.run(token, category, method, params, deliver)
	return token
}

func (d *Dispatcher) run(token uint64, category Category, method Method, params RequestParams, deliver DeliverFunc) {
	defer d.wg.Done()
	jobLogger := d.logger.With("token", token, "category", category.String(), "method", string(method))

	var resp *Response
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				jobLogger.Error("Panic in job", "panic", r)
				err = &jobPanicError{value: r}
			}
		}()
		resp, err = d.caller.Call(d.ctx, method, params)
	}()

	if !d.finish(category, token) {
		d.stale.Add(1)
		jobLogger.Debug("Dropping result", "error", ErrStaleResult)
		return
	}
	d.delivered.Add(1)
	if err != nil {
		jobLogger.Warn("Job failed", "error", err)
	}
	if deliver != nil {
		defer func() {
			if r := recover(); r != nil {
				d.panics.Add(1)
				jobLogger.Error("Panic in delivery callback", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		deliver(Delivery{Token: token, Category: category, Method: method, Response: resp, Err: err})
	}
}

// finish marks the category idle if token is still current and reports whether it was.
func (d *Dispatcher) finish(category Category, token uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.categories[category]
	if st == nil || st.current != token {
		return false
	}
	st.running = false
	return true
}

// IsCurrent reports whether token is still the newest job of category.
func (d *Dispatcher) IsCurrent(category Category, token uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.categories[category]
	return st != nil && st.current == token
}

// Running reports whether category has an undelivered current job.
func (d *Dispatcher) Running(category Category) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.categories[category]
	return st != nil && st.running
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	running := 0
	for _, st := range d.categories {
		if st.running {
			running++
		}
	}
	d.mu.Unlock()
	return DispatcherStats{
		Submitted:     d.submitted.Load(),
		Delivered:     d.delivered.Load(),
		Stale:         d.stale.Load(),
		DeliverPanics: d.panics.Load(),
		Running:       running,
	}
}

// Close rejects new jobs, cancels in-flight ones and waits for their goroutines.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

type jobPanicError struct{ value any }

func (e *jobPanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.value) }
