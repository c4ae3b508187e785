package observer

import (
	"context"
	"sync"
	"time"

	"github.com/tddforge/tddforge-backend/internal/data/repos/tasks"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

const DefaultInterval = 100 * time.Millisecond

// Event is one observed task status transition. Timestamp is ISO-8601.
type Event struct {
	TaskKey   string `json:"task_key"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Timestamp string `json:"timestamp"`
}

// Callback receives every observed transition, on the observer goroutine.
type Callback func(Event)

// Observer polls the task table and diffs successive {task_key -> status}
// snapshots. The first snapshot and the first observation of a new key emit
// nothing; only transitions do. A panicking callback is logged and isolated
// from the tick and from the other callbacks.
type Observer struct {
	tasks    tasks.TaskRepo
	log      *logger.Logger
	interval time.Duration

	mu        sync.Mutex
	callbacks map[int]Callback
	nextID    int
	snapshot  map[string]string
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(taskRepo tasks.TaskRepo, baseLog *logger.Logger, interval time.Duration) *Observer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Observer{
		tasks:     taskRepo,
		log:       baseLog.With("component", "observer"),
		interval:  interval,
		callbacks: make(map[int]Callback),
	}
}

// Register adds a callback and returns a handle for Unregister.
func (o *Observer) Register(cb Callback) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.callbacks[o.nextID] = cb
	return o.nextID
}

// Unregister removes a callback. Idempotent.
func (o *Observer) Unregister(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.callbacks, id)
}

// Start launches the poll loop. Calling Start on a running observer is a
// no-op.
func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(loopCtx, o.done)
	o.log.Info("observer started", "interval", o.interval)
}

// Stop halts the poll loop and waits for it to exit. Idempotent.
func (o *Observer) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.log.Info("observer stopped")
}

func (o *Observer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Observer) tick(ctx context.Context) {
	current, err := o.tasks.StatusMap(dbctx.New(ctx))
	if err != nil {
		if ctx.Err() == nil {
			o.log.Warn("status poll failed", "error", err)
		}
		return
	}

	o.mu.Lock()
	prev := o.snapshot
	o.snapshot = current
	cbs := make([]Callback, 0, len(o.callbacks))
	for _, cb := range o.callbacks {
		cbs = append(cbs, cb)
	}
	o.mu.Unlock()

	if prev == nil {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, status := range current {
		old, seen := prev[key]
		if !seen || old == status {
			continue
		}
		ev := Event{TaskKey: key, OldStatus: old, NewStatus: status, Timestamp: now}
		for _, cb := range cbs {
			o.dispatch(cb, ev)
		}
	}
}

func (o *Observer) dispatch(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("observer callback panicked",
				"task_key", ev.TaskKey, "panic", r)
		}
	}()
	cb(ev)
}
