package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
)

// Default dispatch settings
const (
	DefaultSyncBudget  = 30 * time.Second
	DefaultPollInitial = 2 * time.Second
	DefaultPollMax     = 30 * time.Second
	DefaultPollMaxWait = 10 * time.Minute
)

// Mode says how an invocation was started
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Status of an out-of-band invocation
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrUnknownHandle is returned when polling a handle that was never started.
var ErrUnknownHandle = errors.New("unknown dispatch handle")

// Invocation is one attempt of one stage for one project
type Invocation struct {
	ProjectID string          `json:"projectId"`
	Stage     model.StageName `json:"stage"`
	Attempt   int             `json:"attempt"`
	// Estimated is the expected wall-clock time of the stage.
	Estimated time.Duration `json:"estimated,omitempty"`
}

// Handle identifies an invocation: projectId:stage:attempt.
func (i Invocation) Handle() string {
	return fmt.Sprintf("%s:%s:%d", i.ProjectID, i.Stage, i.Attempt)
}

// Ack is returned by Dispatch
type Ack struct {
	Mode   Mode
	Handle string
	Err    error
}

// Result is the resolved state of a handle
type Result struct {
	Status    Status     `json:"status"`
	ErrorKind retry.Kind `json:"errorKind,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Err converts a failed result back into a classified error.
func (r Result) Err() error {
	if r.Status != StatusFailed {
		return nil
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = retry.KindInternal
	}
	return &retry.Error{Kind: kind, Err: errors.New(r.Message)}
}

// ResultFor builds the terminal result of a finished run.
func ResultFor(err error) Result {
	if err == nil {
		return Result{Status: StatusSucceeded}
	}
	return Result{Status: StatusFailed, ErrorKind: retry.Classify(err), Message: err.Error()}
}

// RunFunc executes a stage in the current process.
type RunFunc func(ctx context.Context, inv Invocation) error

// Queue starts invocations out of band and reports their status
type Queue interface {
	Start(ctx context.Context, inv Invocation) (string, error)
	Status(ctx context.Context, handle string) (Result, error)
}

// PollSchedule controls how async handles are awaited
type PollSchedule struct {
	Initial time.Duration
	Max     time.Duration
	MaxWait time.Duration
}

// DefaultPollSchedule polls at 2s doubling to 30s for at most 10 minutes.
func DefaultPollSchedule() PollSchedule {
	return PollSchedule{Initial: DefaultPollInitial, Max: DefaultPollMax, MaxWait: DefaultPollMaxWait}
}

// Dispatcher runs short stages inline and long stages through a Queue
type Dispatcher struct {
	run        RunFunc
	queue      Queue
	syncBudget time.Duration
	poll       PollSchedule
	sleep      retry.Sleeper
	logger     *zap.Logger
}

// Option customizes the dispatcher.
type Option func(*Dispatcher)

// WithSyncBudget overrides the synchronous wall-clock budget.
func WithSyncBudget(budget time.Duration) Option {
	return func(d *Dispatcher) {
		if budget > 0 {
			d.syncBudget = budget
		}
	}
}

// WithPollSchedule overrides the await schedule.
func WithPollSchedule(s PollSchedule) Option {
	return func(d *Dispatcher) {
		d.poll = s
	}
}

// WithSleeper overrides how poll waits are performed (useful for tests).
func WithSleeper(sleep retry.Sleeper) Option {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher. A nil queue runs everything inline.
func NewDispatcher(run RunFunc, queue Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		run:        run,
		queue:      queue,
		syncBudget: DefaultSyncBudget,
		poll:       DefaultPollSchedule(),
		sleep:      retry.SleepWithContext,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts an invocation. Work estimated within the sync budget runs
// inline under that budget; longer work is handed to the queue and
// acknowledged with a handle.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) Ack {
	if d.queue == nil || inv.Estimated <= d.syncBudget {
		runCtx, cancel := context.WithTimeout(ctx, d.syncBudget)
		defer cancel()
		err := d.run(runCtx, inv)
		if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = retry.Wrap(retry.KindTimeout, fmt.Errorf("stage %s exceeded %s budget: %w", inv.Stage, d.syncBudget, err))
		}
		return Ack{Mode: ModeSync, Err: err}
	}

	handle, err := d.queue.Start(ctx, inv)
	if err != nil {
		return Ack{Mode: ModeAsync, Err: retry.Wrap(retry.KindUpstream, fmt.Errorf("failed to dispatch %s: %w", inv.Handle(), err))}
	}
	d.logger.Debug("stage dispatched",
		zap.String("project_id", inv.ProjectID),
		zap.String("stage", string(inv.Stage)),
		zap.String("handle", handle),
	)
	return Ack{Mode: ModeAsync, Handle: handle}
}

// Await polls an async handle until it resolves or the max wait elapses.
// Polling never changes the handle's state.
func (d *Dispatcher) Await(ctx context.Context, handle string) error {
	if d.queue == nil {
		return fmt.Errorf("await %s: no queue configured", handle)
	}

	interval := d.poll.Initial
	var waited time.Duration
	for {
		if waited >= d.poll.MaxWait {
			return retry.New(retry.KindTimeout, "handle %s unresolved after %s", handle, d.poll.MaxWait)
		}
		wait := interval
		if remaining := d.poll.MaxWait - waited; wait > remaining {
			wait = remaining
		}
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait

		result, err := d.queue.Status(ctx, handle)
		switch {
		case errors.Is(err, ErrUnknownHandle):
			return retry.Wrap(retry.KindInternal, err)
		case err != nil:
			d.logger.Warn("dispatch status poll failed", zap.String("handle", handle), zap.Error(err))
		case result.Status != StatusPending:
			return result.Err()
		}

		interval *= 2
		if interval > d.poll.Max {
			interval = d.poll.Max
		}
	}
}

// Execute dispatches an invocation and, when it went out of band, awaits it.
func (d *Dispatcher) Execute(ctx context.Context, inv Invocation) error {
	ack := d.Dispatch(ctx, inv)
	if ack.Mode == ModeSync || ack.Err != nil {
		return ack.Err
	}
	return d.Await(ctx, ack.Handle)
}
