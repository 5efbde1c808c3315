// Package scheduler keeps one live cron timer per schedule record and runs
// the dispatch action each time a timer fires. Timers are rebuilt from the
// store at startup with Rehydrate.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
)

var (
	// ErrAlreadyScheduled is returned when a record ID already has a live timer.
	ErrAlreadyScheduled = errors.New("schedule already armed")

	// ErrAlreadyRehydrated is returned when Rehydrate is called a second
	// time, or after the first Schedule call.
	ErrAlreadyRehydrated = errors.New("scheduler already rehydrated")
)

// DefaultTimeout bounds a single dispatch.
const DefaultTimeout = 60 * time.Second

// TimerID identifies a live timer. It equals the ID of the record it serves.
type TimerID string

// Action is run on every fire with the record's payload.
type Action interface {
	Run(ctx context.Context, channelID, userID, message string) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, channelID, userID, message string) error

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context, channelID, userID, message string) error {
	return f(ctx, channelID, userID, message)
}

// Options configures an Engine.
type Options struct {
	// Location is the process-wide time zone for daily and weekly rules
	// (default: time.Local).
	Location *time.Location

	// Timeout bounds one dispatch (default: DefaultTimeout).
	Timeout time.Duration

	Logger *slog.Logger
}

// Report summarises a rehydration.
type Report struct {
	Armed   []TimerID
	Skipped []Skipped
}

// Skipped is a stored record that could not be armed.
type Skipped struct {
	Record schedule.Record
	Err    error
}

// Engine owns the live timers. All methods are safe for concurrent use.
type Engine struct {
	action   Action
	cron     *cron.Cron
	location *time.Location
	timeout  time.Duration
	logger   *slog.Logger

	// scheduleFor turns a rule into a cron schedule. Tests replace it.
	scheduleFor func(schedule.Rule) (cron.Schedule, error)

	mu         sync.Mutex
	timers     map[TimerID]*liveTimer
	rehydrated bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// liveTimer binds one record to its cron entry.
type liveTimer struct {
	record   schedule.Record
	rule     schedule.Rule
	schedule cron.Schedule
	entry    cron.EntryID

	// job is the wrapped cron job, kept so it can be driven directly.
	job cron.Job

	// mu is held for reading by a running fire and for writing by stop,
	// so a stopped timer has no dispatch in flight and starts none.
	mu        sync.RWMutex
	cancelled bool
}

// stop marks t cancelled, waiting for a dispatch in flight to finish.
func (t *liveTimer) stop() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// New creates an engine. The cron runner does not tick until Start.
func New(action Action, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger.With("component", "scheduler")

	return &Engine{
		action:   action,
		location: opts.Location,
		timeout:  opts.Timeout,
		logger:   logger,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(newCronLogger(logger)),
		),
		scheduleFor: func(r schedule.Rule) (cron.Schedule, error) { return r.Schedule() },
		timers:      make(map[TimerID]*liveTimer),
		ctx:         context.Background(),
	}
}

// Start begins ticking. Fires derive their context from ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	n := len(e.timers)
	e.mu.Unlock()

	e.cron.Start()
	e.logger.Info("scheduler started", "timers", n, "location", e.location.String())
}

// Stop halts the runner and waits for running dispatches, at most one
// dispatch timeout.
func (e *Engine) Stop() {
	done := e.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(e.timeout):
		e.logger.Warn("scheduler stop timed out")
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	e.logger.Info("scheduler stopped")
}

// Rehydrate arms one timer per valid record. It must run once, before any
// other mutation. Records that fail to parse are logged and reported; they
// never make Rehydrate fail.
func (e *Engine) Rehydrate(records []schedule.Record) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rehydrated {
		return Report{}, ErrAlreadyRehydrated
	}
	e.rehydrated = true

	var rep Report
	for _, rec := range records {
		id, err := e.arm(rec)
		if err != nil {
			e.logger.Warn("skipping stored schedule",
				"id", rec.ID, "type", rec.Type, "value", rec.Value, "error", err)
			rep.Skipped = append(rep.Skipped, Skipped{Record: rec, Err: err})
			continue
		}
		rep.Armed = append(rep.Armed, id)
	}

	e.logger.Info("schedules rehydrated", "armed", len(rep.Armed), "skipped", len(rep.Skipped))
	return rep, nil
}

// Schedule validates rec and arms a timer for it.
func (e *Engine) Schedule(rec schedule.Record) (TimerID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rehydrated = true
	id, err := e.arm(rec)
	if err != nil {
		return "", err
	}
	e.logger.Info("schedule armed", "id", rec.ID, "user", rec.UserID,
		"type", rec.Type, "value", rec.Value)
	return id, nil
}

// Cancel disarms one timer. Unknown IDs are ignored. A dispatch of that
// timer already in flight completes before Cancel returns.
func (e *Engine) Cancel(id TimerID) {
	e.mu.Lock()
	t, ok := e.timers[id]
	if ok {
		e.cron.Remove(t.entry)
		delete(e.timers, id)
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	t.stop()
	e.logger.Info("schedule cancelled", "id", id)
}

// CancelAll disarms every timer and returns how many there were. Dispatches
// already in flight complete before it returns; none starts afterwards.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	old := e.timers
	e.timers = make(map[TimerID]*liveTimer)
	for _, t := range old {
		e.cron.Remove(t.entry)
	}
	e.mu.Unlock()

	// fire takes e.mu, so timers are stopped after it is released.
	for _, t := range old {
		t.stop()
	}
	e.logger.Info("all schedules cancelled", "count", len(old))
	return len(old)
}

// Len returns the number of live timers.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Next returns the next fire time of a live timer.
func (e *Engine) Next(id TimerID) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.timers[id]
	if !ok {
		return time.Time{}, false
	}
	if next := e.cron.Entry(t.entry).Next; !next.IsZero() {
		return next, true
	}
	// The runner computes Next only once started.
	return t.schedule.Next(time.Now().In(e.location)), true
}

// ---------- Internal ----------

// arm registers rec with cron. Caller holds e.mu.
func (e *Engine) arm(rec schedule.Record) (TimerID, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("schedule record has no ID")
	}
	id := TimerID(rec.ID)
	if _, exists := e.timers[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrAlreadyScheduled, id)
	}

	rule, err := rec.Rule()
	if err != nil {
		return "", err
	}
	sched, err := e.scheduleFor(rule)
	if err != nil {
		return "", fmt.Errorf("build schedule %q: %w", rule.Expr(), err)
	}

	t := &liveTimer{record: rec, rule: rule, schedule: sched}
	cl := newCronLogger(e.logger.With("schedule_id", rec.ID))
	t.job = cron.NewChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	).Then(cron.FuncJob(func() { e.fire(t) }))
	t.entry = e.cron.Schedule(sched, t.job)

	e.timers[id] = t
	return id, nil
}

// fire runs the action for one occurrence. Errors are logged; the timer
// stays armed.
func (e *Engine) fire(t *liveTimer) {
	e.mu.Lock()
	parent := e.ctx
	e.mu.Unlock()

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cancelled {
		return
	}

	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	rec := t.record
	start := time.Now()
	err := e.action.Run(ctx, rec.ChannelID, rec.UserID, rec.Message)
	if err != nil {
		e.logger.Error("dispatch failed",
			"id", rec.ID, "user", rec.UserID, "channel", rec.ChannelID,
			"duration", time.Since(start), "error", err)
		return
	}
	e.logger.Debug("dispatch complete",
		"id", rec.ID, "user", rec.UserID, "duration", time.Since(start))
}
