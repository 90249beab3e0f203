package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/tutord/pkg/tools"
)

// clientFunc adapts a plain function to the tools.Client interface.
type clientFunc func(ctx context.Context, call tools.Call) (*tools.Result, error)

func (f clientFunc) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	return f(ctx, call)
}

func (clientFunc) Close() error { return nil }

// blockingClient blocks inside the handler until release is closed or the
// call context ends, signalling entry on started.
func blockingClient(started chan struct{}, release chan struct{}) clientFunc {
	return func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
			return &tools.Result{Text: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitDelivery(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tool delivery")
		return Delivery{}
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler to start")
	}
}

func TestExecutor_SubmitDeliversResult(t *testing.T) {
	client := clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		return &tools.Result{Text: "a hint"}, nil
	})
	exec := New(client, Config{ConcurrencyCap: 2, QueueCap: 4}, nil)
	defer exec.Stop()

	ch := make(chan Delivery, 1)
	token, err := exec.Submit(tools.Call{Tool: tools.ProvideHint}, time.Second, func(d Delivery) { ch <- d })
	require.NoError(t, err)
	require.NotEmpty(t, token)

	d := waitDelivery(t, ch)
	assert.Equal(t, token, d.Token)
	assert.Equal(t, tools.ProvideHint, d.Tool)
	assert.Equal(t, StatusOK, d.Status)
	require.NotNil(t, d.Result)
	assert.Equal(t, "a hint", d.Result.Text)
	assert.NoError(t, d.Err)

	// No second delivery for the same token.
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second delivery: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	// Completed tokens are released from the registry.
	require.Eventually(t, func() bool { return exec.Pending() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestExecutor_Submit_UnknownTool(t *testing.T) {
	exec := New(clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		return &tools.Result{}, nil
	}), Config{}, nil)
	defer exec.Stop()

	_, err := exec.Submit(tools.Call{Tool: "frobnicate"}, time.Second, func(Delivery) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestExecutor_Submit_RejectsWhenStopped(t *testing.T) {
	exec := New(clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		return &tools.Result{}, nil
	}), Config{}, nil)
	exec.Stop()

	_, err := exec.Submit(tools.Call{Tool: tools.GenerateQuestion}, time.Second, func(Delivery) {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestExecutor_Submit_BusyWhenQueueFull(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	exec := New(blockingClient(started, release), Config{ConcurrencyCap: 1, QueueCap: 1}, nil)
	defer exec.Stop()

	ch := make(chan Delivery, 4)
	deliver := func(d Delivery) { ch <- d }

	// First submission occupies the worker.
	_, err := exec.Submit(tools.Call{Tool: tools.CheckAnswer}, time.Minute, deliver)
	require.NoError(t, err)
	waitSignal(t, started)

	// Second fills the queue.
	_, err = exec.Submit(tools.Call{Tool: tools.CheckAnswer}, time.Minute, deliver)
	require.NoError(t, err)

	// Third is over capacity and fails fast.
	_, err = exec.Submit(tools.Call{Tool: tools.CheckAnswer}, time.Minute, deliver)
	assert.ErrorIs(t, err, ErrBusy)

	// Both accepted submissions still resolve.
	close(release)
	first := waitDelivery(t, ch)
	second := waitDelivery(t, ch)
	assert.Equal(t, StatusOK, first.Status)
	assert.Equal(t, StatusOK, second.Status)
}

func TestExecutor_Cancel_DeliversCancelled(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	exec := New(blockingClient(started, release), Config{ConcurrencyCap: 1, QueueCap: 1}, nil)
	defer exec.Stop()

	ch := make(chan Delivery, 1)
	token, err := exec.Submit(tools.Call{Tool: tools.GenerateQuestion}, time.Minute, func(d Delivery) { ch <- d })
	require.NoError(t, err)
	waitSignal(t, started)

	assert.True(t, exec.Cancel(token))

	d := waitDelivery(t, ch)
	assert.Equal(t, StatusCancelled, d.Status)
	assert.ErrorIs(t, d.Err, context.Canceled)
	assert.Nil(t, d.Result)

	// Once resolved, the token is unknown and Cancel is a no-op.
	require.Eventually(t, func() bool { return exec.Pending() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, exec.Cancel(token))
}

func TestExecutor_DeadlineExceeded_DeliversTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	exec := New(blockingClient(started, release), Config{ConcurrencyCap: 1, QueueCap: 1}, nil)
	defer exec.Stop()

	ch := make(chan Delivery, 1)
	_, err := exec.Submit(tools.Call{Tool: tools.GenerateQuestion}, 50*time.Millisecond, func(d Delivery) { ch <- d })
	require.NoError(t, err)

	d := waitDelivery(t, ch)
	assert.Equal(t, StatusTimeout, d.Status)
	require.Error(t, d.Err)
	assert.Contains(t, d.Err.Error(), "deadline exceeded")
	assert.Nil(t, d.Result)
}

func TestExecutor_QueuedPastDeadline_TimesOutWithoutRunning(t *testing.T) {
	var invocations atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	client := clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		invocations.Add(1)
		started <- struct{}{}
		select {
		case <-release:
			return &tools.Result{Text: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	exec := New(client, Config{ConcurrencyCap: 1, QueueCap: 2}, nil)
	defer exec.Stop()

	ch := make(chan Delivery, 2)
	deliver := func(d Delivery) { ch <- d }

	blocker, err := exec.Submit(tools.Call{Tool: tools.CheckAnswer}, time.Minute, deliver)
	require.NoError(t, err)
	waitSignal(t, started)

	queued, err := exec.Submit(tools.Call{Tool: tools.ProvideHint}, 20*time.Millisecond, deliver)
	require.NoError(t, err)

	// Let the queued call's deadline lapse while the worker is occupied,
	// then free the worker.
	time.Sleep(60 * time.Millisecond)
	close(release)

	byToken := map[string]Delivery{}
	for i := 0; i < 2; i++ {
		d := waitDelivery(t, ch)
		byToken[d.Token] = d
	}
	assert.Equal(t, StatusOK, byToken[blocker].Status)
	assert.Equal(t, StatusTimeout, byToken[queued].Status)

	// The expired call never reached the tool handler.
	assert.Equal(t, int32(1), invocations.Load())
}

func TestExecutor_PanicBecomesError(t *testing.T) {
	var calls atomic.Int32
	client := clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return &tools.Result{Text: "recovered"}, nil
	})
	exec := New(client, Config{ConcurrencyCap: 1, QueueCap: 2}, nil)
	defer exec.Stop()

	ch := make(chan Delivery, 2)
	deliver := func(d Delivery) { ch <- d }

	_, err := exec.Submit(tools.Call{Tool: tools.ExplainConcept}, time.Second, deliver)
	require.NoError(t, err)

	d := waitDelivery(t, ch)
	assert.Equal(t, StatusError, d.Status)
	require.Error(t, d.Err)
	assert.Contains(t, d.Err.Error(), "panic")

	// The worker survived the panic and keeps serving.
	_, err = exec.Submit(tools.Call{Tool: tools.ExplainConcept}, time.Second, deliver)
	require.NoError(t, err)
	d = waitDelivery(t, ch)
	assert.Equal(t, StatusOK, d.Status)
}

func TestExecutor_NilResultBecomesError(t *testing.T) {
	client := clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		return nil, nil
	})
	exec := New(client, Config{}, nil)
	defer exec.Stop()

	ch := make(chan Delivery, 1)
	_, err := exec.Submit(tools.Call{Tool: tools.ClassifyIntent}, time.Second, func(d Delivery) { ch <- d })
	require.NoError(t, err)

	d := waitDelivery(t, ch)
	assert.Equal(t, StatusError, d.Status)
	require.Error(t, d.Err)
	assert.Contains(t, d.Err.Error(), "no result")
}

func TestExecutor_CompletionWinsOverLateCancel(t *testing.T) {
	client := clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		return &tools.Result{Check: &tools.CheckResult{Correct: true}}, nil
	})
	exec := New(client, Config{ConcurrencyCap: 2, QueueCap: 4}, nil)
	defer exec.Stop()

	ch := make(chan Delivery, 1)
	token, err := exec.Submit(tools.Call{Tool: tools.CheckAnswer}, time.Second, func(d Delivery) { ch <- d })
	require.NoError(t, err)

	d := waitDelivery(t, ch)
	assert.Equal(t, StatusOK, d.Status)

	// Cancelling after resolution neither errors nor re-delivers.
	require.Eventually(t, func() bool { return exec.Pending() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, exec.Cancel(token))
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second delivery: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExecutor_Stop_ResolvesOutstanding(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	exec := New(blockingClient(started, release), Config{ConcurrencyCap: 1, QueueCap: 4}, nil)

	ch := make(chan Delivery, 3)
	deliver := func(d Delivery) { ch <- d }

	_, err := exec.Submit(tools.Call{Tool: tools.GenerateQuestion}, time.Minute, deliver)
	require.NoError(t, err)
	waitSignal(t, started)
	_, err = exec.Submit(tools.Call{Tool: tools.ProvideHint}, time.Minute, deliver)
	require.NoError(t, err)
	_, err = exec.Submit(tools.Call{Tool: tools.ExplainConcept}, time.Minute, deliver)
	require.NoError(t, err)

	exec.Stop()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		d := waitDelivery(t, ch)
		assert.Equal(t, StatusCancelled, d.Status, "tool %s", d.Tool)
		assert.False(t, seen[d.Token], "duplicate delivery for token %s", d.Token)
		seen[d.Token] = true
	}

	_, err = exec.Submit(tools.Call{Tool: tools.GenerateQuestion}, time.Second, deliver)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestExecutor_StopTwiceDoesNotPanic(t *testing.T) {
	exec := New(clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		return &tools.Result{}, nil
	}), Config{}, nil)

	exec.Stop()
	assert.NotPanics(t, exec.Stop)
}

func TestExecutor_ConcurrencyCap(t *testing.T) {
	var current, peak atomic.Int32
	client := clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		cur := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return &tools.Result{}, nil
	})
	exec := New(client, Config{ConcurrencyCap: 3, QueueCap: 32}, nil)
	defer exec.Stop()

	const n = 12
	ch := make(chan Delivery, n)
	for i := 0; i < n; i++ {
		_, err := exec.Submit(tools.Call{Tool: tools.ProvideHint}, time.Minute, func(d Delivery) { ch <- d })
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		d := waitDelivery(t, ch)
		assert.Equal(t, StatusOK, d.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestExecutor_ExactlyOneDeliveryPerToken(t *testing.T) {
	client := clientFunc(func(ctx context.Context, call tools.Call) (*tools.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
			return &tools.Result{Text: "ok"}, nil
		}
	})
	exec := New(client, Config{ConcurrencyCap: 4, QueueCap: 128}, nil)
	defer exec.Stop()

	const n = 100
	var (
		mu     sync.Mutex
		counts = make(map[string]int, n)
		wg     sync.WaitGroup
	)
	deliver := func(d Delivery) {
		mu.Lock()
		counts[d.Token]++
		mu.Unlock()
		wg.Done()
	}

	tokens := make([]string, 0, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		token, err := exec.Submit(tools.Call{Tool: tools.ClassifyIntent}, time.Second, deliver)
		require.NoError(t, err)
		tokens = append(tokens, token)
		// Race cancellation against completion on every other call.
		if i%2 == 0 {
			exec.Cancel(token)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, counts, n)
	for _, token := range tokens {
		assert.Equal(t, 1, counts[token], "token %s", token)
	}
}
