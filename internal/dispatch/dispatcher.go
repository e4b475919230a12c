package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/ident"
	"github.com/dukerupert/campusevent/internal/model"
)

// Config controls the consumer's retry behaviour.
type Config struct {
	// RetryBase is the delay before a task that failed transiently is
	// queued again. Each task backs off on its own, doubling on every
	// failure up to RetryMax, while other tasks keep flowing. Zero
	// requeues at once.
	RetryBase time.Duration
	RetryMax  time.Duration
	// MaxAttempts abandons a task after this many transient failures.
	// Zero retries forever.
	MaxAttempts int
}

type envelope struct {
	task     Task
	attempts int
	backoff  retry.Backoff
}

// delayedTask is a requeued task waiting out its own backoff.
type delayedTask struct {
	env   envelope
	timer *time.Timer
}

// Dispatcher owns the queue and its single consumer goroutine. Enqueue is
// safe from any goroutine; only the consumer pops.
type Dispatcher struct {
	mu           sync.RWMutex
	queue        *Queue[envelope]
	store        Store
	transport    Transport
	clock        clock.Clock
	cfg          Config
	observe      func(Task, Outcome)
	restartDelay time.Duration
	logger       *slog.Logger
	cancel       context.CancelFunc
	done         chan struct{}

	delayMu  sync.Mutex
	delayed  map[uint64]delayedTask
	delaySeq uint64
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithObserver registers a callback invoked by the consumer after every
// attempt. It runs on the consumer goroutine and must not block.
func WithObserver(fn func(Task, Outcome)) Option {
	return func(d *Dispatcher) {
		d.observe = fn
	}
}

func New(store Store, transport Transport, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	d := &Dispatcher{
		queue:        NewQueue[envelope](),
		store:        store,
		transport:    transport,
		clock:        clock.Real(),
		cfg:          cfg,
		observe:      func(Task, Outcome) {},
		restartDelay: time.Second,
		logger:       logger,
		delayed:      make(map[uint64]delayedTask),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue assigns the task an id if it has none, queues it, and returns
// the id. It never blocks.
func (d *Dispatcher) Enqueue(t Task) string {
	if t.ID == "" {
		t.ID = ident.NewTaskID()
	}
	d.logger.Info("task enqueued",
		"task_id", t.ID,
		"action", t.Action,
		"account_id", t.AccountID,
		"record_id", t.RecordID,
		"address", t.Address,
	)
	d.queue.Push(envelope{task: t})
	return t.ID
}

// Len returns the number of undelivered tasks, including those waiting
// out a retry delay.
func (d *Dispatcher) Len() int {
	d.delayMu.Lock()
	waiting := len(d.delayed)
	d.delayMu.Unlock()
	return d.queue.Len() + waiting
}

// Start launches the consumer. If the loop panics it is restarted after a
// short pause so that delivery never silently halts.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		for {
			if d.runSupervised(ctx) {
				return
			}
			if !sleep(ctx, d.restartDelay) {
				return
			}
			d.logger.Warn("dispatcher restarted", "pending", d.queue.Len())
		}
	}()
}

// Stop cancels the consumer and waits for it to exit. Tasks waiting on a
// retry delay go back on the queue, so Len still counts them; nothing is
// delivered until the next Start.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	d.flushDelayed()
}

// runSupervised reports true when the loop exited because ctx ended.
func (d *Dispatcher) runSupervised(ctx context.Context) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher loop panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			clean = false
		}
	}()
	d.run(ctx)
	return true
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		env, err := d.queue.Pop(ctx)
		if err != nil {
			d.logger.Info("dispatcher stopped", "pending", d.Len())
			return
		}

		outcome := d.Process(ctx, env.task)
		if outcome == OutcomeRequeued {
			env.attempts++
			if d.cfg.MaxAttempts > 0 && env.attempts >= d.cfg.MaxAttempts {
				outcome = OutcomeDead
				d.logger.Error("task abandoned",
					"task_id", env.task.ID,
					"action", env.task.Action,
					"account_id", env.task.AccountID,
					"attempts", env.attempts,
				)
			} else {
				d.requeue(env)
			}
		}
		d.observe(env.task, outcome)
	}
}

// requeue puts env back at the tail of the queue once its own backoff
// has elapsed. The consumer moves on to other tasks in the meantime.
func (d *Dispatcher) requeue(env envelope) {
	if d.cfg.RetryBase <= 0 {
		d.queue.Push(env)
		return
	}
	if env.backoff == nil {
		env.backoff = d.newBackoff()
	}
	delay, _ := env.backoff.Next()

	d.delayMu.Lock()
	defer d.delayMu.Unlock()
	d.delaySeq++
	seq := d.delaySeq
	d.delayed[seq] = delayedTask{
		env:   env,
		timer: time.AfterFunc(delay, func() { d.release(seq) }),
	}
}

func (d *Dispatcher) release(seq uint64) {
	d.delayMu.Lock()
	dt, ok := d.delayed[seq]
	delete(d.delayed, seq)
	d.delayMu.Unlock()
	if ok {
		d.queue.Push(dt.env)
	}
}

// flushDelayed cancels every pending retry timer and queues its task.
// A timer that already fired finds its entry gone and does nothing.
func (d *Dispatcher) flushDelayed() {
	d.delayMu.Lock()
	defer d.delayMu.Unlock()
	for seq, dt := range d.delayed {
		dt.timer.Stop()
		delete(d.delayed, seq)
		d.queue.Push(dt.env)
	}
}

func (d *Dispatcher) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(d.cfg.RetryMax, retry.NewExponential(d.cfg.RetryBase))
}

// Process runs one delivery attempt for t and reports the outcome. It
// never requeues by itself; the consumer loop does that.
func (d *Dispatcher) Process(ctx context.Context, t Task) (outcome Outcome) {
	logger := d.logger.With(
		"task_id", t.ID,
		"action", t.Action,
		"account_id", t.AccountID,
		"record_id", t.RecordID,
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked, dropping", "panic", r, "stack", string(debug.Stack()))
			outcome = OutcomeDropped
		}
	}()

	if t.Address == "" || t.RecordID == 0 || t.AccountID == 0 {
		logger.Error("malformed task, dropping")
		return OutcomeDropped
	}

	switch t.Action {
	case ActionRegistration:
		return d.processRegistration(ctx, t, logger)
	case ActionReset:
		return d.processReset(ctx, t, logger)
	default:
		logger.Error("unknown task action, dropping")
		return OutcomeDropped
	}
}

func (d *Dispatcher) processRegistration(ctx context.Context, t Task, logger *slog.Logger) Outcome {
	record, err := d.store.PendingRecord(ctx, model.PurposeRegistration, t.RecordID)
	if err != nil {
		logger.Warn("load register record failed, requeueing", "error", err)
		return OutcomeRequeued
	}
	if record == nil || record.AccountID != t.AccountID {
		logger.Info("register record no longer valid, dropping")
		return OutcomeDropped
	}

	account, err := d.store.PendingAccount(ctx, t.AccountID)
	if err != nil {
		logger.Warn("load account failed, requeueing", "error", err)
		return OutcomeRequeued
	}
	if account == nil {
		logger.Info("account no longer pending, dropping")
		return OutcomeDropped
	}

	now := d.clock.Now()
	if record.Expired(now) {
		if err := d.store.ExpireRegistration(ctx, record.ID, account.ID, now); err != nil {
			logger.Warn("expire registration failed, requeueing", "error", err)
			return OutcomeRequeued
		}
		logger.Info("registration code expired before delivery")
		return OutcomeExpired
	}

	if err := d.send(ctx, t); err != nil {
		logger.Warn("send registration email failed, requeueing", "error", err)
		return OutcomeRequeued
	}

	if err := d.store.MarkAwaiting(ctx, account.ID, d.clock.Now()); err != nil {
		logger.Error("mark account awaiting failed, requeueing", "error", err)
		return OutcomeRequeued
	}
	logger.Info("registration email delivered")
	return OutcomeDelivered
}

func (d *Dispatcher) processReset(ctx context.Context, t Task, logger *slog.Logger) Outcome {
	record, err := d.store.PendingRecord(ctx, model.PurposeReset, t.RecordID)
	if err != nil {
		logger.Warn("load reset record failed, requeueing", "error", err)
		return OutcomeRequeued
	}
	if record == nil || record.AccountID != t.AccountID {
		logger.Info("reset record no longer valid, dropping")
		return OutcomeDropped
	}

	now := d.clock.Now()
	if record.Expired(now) {
		if err := d.store.ExpireRecord(ctx, model.PurposeReset, record.ID, now); err != nil {
			logger.Warn("expire reset record failed, requeueing", "error", err)
			return OutcomeRequeued
		}
		logger.Info("reset code expired before delivery")
		return OutcomeExpired
	}

	if err := d.send(ctx, t); err != nil {
		logger.Warn("send reset email failed, requeueing", "error", err)
		return OutcomeRequeued
	}
	logger.Info("reset email delivered")
	return OutcomeDelivered
}

// send turns a transport panic into an ordinary failure.
func (d *Dispatcher) send(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return d.transport.Send(ctx, t.Subject, t.Address, t.Body)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
