// Package executor runs tool calls asynchronously on behalf of sessions.
// Each submission gets a fresh correlation token and exactly one terminal
// delivery: Ok, Err, Timeout, or Cancelled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyhall/tutord/pkg/tools"
)

// Sentinel errors for submission.
var (
	// ErrBusy indicates the submission queue is full. The caller should
	// degrade gracefully rather than retry in a tight loop.
	ErrBusy = errors.New("tool executor busy")

	// ErrStopped indicates the executor no longer accepts submissions.
	ErrStopped = errors.New("tool executor stopped")
)

// Default capacity limits, used when the config leaves them unset.
const (
	DefaultConcurrencyCap = 8
	DefaultQueueCap       = 64
	defaultDeadline       = 30 * time.Second
)

// Status is the terminal disposition of a submitted tool call.
type Status string

// Terminal statuses. Every accepted submission resolves to exactly one.
const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Delivery is the single terminal report for a submitted call.
type Delivery struct {
	Token   string
	Tool    tools.Name
	Status  Status
	Result  *tools.Result // non-nil iff Status == StatusOK
	Err     error         // non-nil for error, timeout, and cancelled
	Elapsed time.Duration
}

// DeliverFunc receives the terminal outcome for a token. It is invoked
// exactly once per accepted submission, from an executor goroutine, and
// must not block indefinitely.
type DeliverFunc func(Delivery)

// Config bounds the executor's concurrency and queue depth.
type Config struct {
	// ConcurrencyCap is the number of tool calls that may run at once.
	ConcurrencyCap int
	// QueueCap bounds calls accepted but not yet running. Submissions
	// beyond ConcurrencyCap+QueueCap fail fast with ErrBusy.
	QueueCap int
}

type task struct {
	token     string
	call      tools.Call
	deliver   DeliverFunc
	ctx       context.Context
	cancel    context.CancelFunc
	submitted time.Time
}

// Executor dispatches tool calls to a fixed pool of workers over a bounded
// FIFO queue. Submit never blocks; above capacity it returns ErrBusy.
type Executor struct {
	client      tools.Client
	logger      *slog.Logger
	concurrency int

	tasks chan *task

	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup

	// Pending cancel registry: token → cancel function. Entries are
	// removed when the terminal delivery fires, so completed tokens are
	// not retained.
	mu      sync.Mutex
	pending map[string]context.CancelFunc
	stopped bool
}

// New creates an executor over the given tool client and spawns its worker
// goroutines. The executor accepts submissions immediately.
func New(client tools.Client, cfg Config, logger *slog.Logger) *Executor {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = DefaultConcurrencyCap
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	e := &Executor{
		client:      client,
		logger:      logger.With("component", "tool_executor"),
		concurrency: cfg.ConcurrencyCap,
		tasks:       make(chan *task, cfg.QueueCap),
		baseCtx:     ctx,
		baseStop:    stop,
		pending:     make(map[string]context.CancelFunc),
	}

	for i := 0; i < e.concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker()
	}
	e.logger.Info("Tool executor started",
		"concurrency_cap", e.concurrency,
		"queue_cap", cap(e.tasks))
	return e
}

// Submit accepts a tool call and returns its correlation token. The
// deadline is absolute from the time of submission; work still queued when
// it passes is reported as Timeout without running. deliver receives the
// terminal outcome exactly once. Submit never blocks: a full queue yields
// ErrBusy synchronously.
func (e *Executor) Submit(call tools.Call, deadline time.Duration, deliver DeliverFunc) (string, error) {
	if deliver == nil {
		return "", errors.New("deliver must not be nil")
	}
	if !call.Tool.Valid() {
		return "", fmt.Errorf("unknown tool %q", call.Tool)
	}
	if deadline <= 0 {
		deadline = defaultDeadline
	}

	token := uuid.NewString()
	ctx, cancel := context.WithDeadline(e.baseCtx, time.Now().Add(deadline))
	t := &task{
		token:     token,
		call:      call,
		deliver:   deliver,
		ctx:       ctx,
		cancel:    cancel,
		submitted: time.Now(),
	}

	// The stopped check, enqueue, and registry insert happen under one
	// lock so a submission cannot slip past a concurrent Stop and be
	// left in the queue with no worker to drain it.
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		cancel()
		return "", ErrStopped
	}
	select {
	case e.tasks <- t:
		e.pending[token] = cancel
		e.mu.Unlock()
		return token, nil
	default:
		e.mu.Unlock()
		cancel()
		e.logger.Warn("Tool submission rejected, queue full",
			"tool", call.Tool,
			"queue_cap", cap(e.tasks))
		return "", ErrBusy
	}
}

// Cancel triggers cancellation of an in-flight or queued call.
// Returns true if the token was still pending. Cancelling an unknown or
// already-resolved token is a no-op; completion may still race
// cancellation, in which case the terminal outcome can be Ok.
func (e *Executor) Cancel(token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.pending[token]; ok {
		cancel()
		return true
	}
	return false
}

// Pending returns the number of submissions awaiting a terminal outcome.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stop rejects new submissions, cancels all outstanding work, and waits
// for workers to drain. Every accepted submission still receives its
// terminal delivery. Safe to call multiple times.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.stopped = true
	for _, cancel := range e.pending {
		cancel()
	}
	e.mu.Unlock()

	e.baseStop()
	e.wg.Wait()

	// Workers may have exited before emptying the queue. Tasks left
	// behind still owe a terminal event; their contexts are already
	// cancelled, so each resolves to Cancelled without running.
	for {
		select {
		case t := <-e.tasks:
			e.process(t)
		default:
			e.logger.Info("Tool executor stopped")
			return
		}
	}
}

func (e *Executor) runWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case t := <-e.tasks:
			e.process(t)
		}
	}
}

// process runs one task to its terminal outcome. It is the only place a
// delivery is made, and it runs once per task.
func (e *Executor) process(t *task) {
	defer t.cancel()
	defer e.unregister(t.token)

	var (
		result *tools.Result
		err    error
	)
	// Queued past its deadline or cancelled before starting: resolve
	// without invoking the tool.
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else {
		result, err = e.invoke(t.ctx, t.call)
	}

	d := e.terminal(t, result, err)
	if d.Status != StatusOK {
		e.logger.Warn("Tool call resolved without success",
			"tool", t.call.Tool,
			"token", t.token,
			"status", d.Status,
			"elapsed", d.Elapsed,
			"error", d.Err)
	}
	t.deliver(d)
}

// invoke calls the tool client, converting a handler panic into an error
// so a crashing tool cannot take a worker down with it.
func (e *Executor) invoke(ctx context.Context, call tools.Call) (result *tools.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Tool handler panicked",
				"tool", call.Tool,
				"panic", rec,
				"stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("tool handler panic: %v", rec)
		}
	}()
	return e.client.Invoke(ctx, call)
}

// terminal maps an invocation result onto the delivered outcome. A
// successful return wins even if the context expired while the result was
// in flight; otherwise the context error distinguishes Timeout from
// Cancelled, and anything else is Err.
func (e *Executor) terminal(t *task, result *tools.Result, err error) Delivery {
	d := Delivery{
		Token:   t.token,
		Tool:    t.call.Tool,
		Elapsed: time.Since(t.submitted),
	}

	switch {
	case err == nil && result != nil:
		d.Status = StatusOK
		d.Result = result
	case errors.Is(t.ctx.Err(), context.DeadlineExceeded):
		d.Status = StatusTimeout
		d.Err = fmt.Errorf("tool %s deadline exceeded", t.call.Tool)
	case t.ctx.Err() != nil:
		d.Status = StatusCancelled
		d.Err = context.Canceled
	case err != nil:
		d.Status = StatusError
		d.Err = err
	default:
		d.Status = StatusError
		d.Err = fmt.Errorf("tool %s returned no result", t.call.Tool)
	}
	return d
}

func (e *Executor) unregister(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, token)
}
