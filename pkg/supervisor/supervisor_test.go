package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/tutord/pkg/executor"
	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/session"
	"github.com/studyhall/tutord/pkg/tools"
)

const (
	waitFor  = 3 * time.Second
	pollTick = 5 * time.Millisecond
)

// errExec fails every tool call, driving sessions onto their deterministic
// fallbacks. Sessions still progress; the supervisor does not care how.
type errExec struct {
	mu  sync.Mutex
	seq int
}

func (f *errExec) Submit(call tools.Call, _ time.Duration, deliver executor.DeliverFunc) (string, error) {
	f.mu.Lock()
	f.seq++
	token := fmt.Sprintf("tok-%03d", f.seq)
	f.mu.Unlock()
	go deliver(executor.Delivery{
		Token:  token,
		Tool:   call.Tool,
		Status: executor.StatusError,
		Err:    fmt.Errorf("tool backend unavailable"),
	})
	return token, nil
}

func (f *errExec) Cancel(string) bool { return false }

type stubMaterial struct{}

func (stubMaterial) Material(context.Context, models.Topic) string {
	return "Material."
}

func testSyllabus() []models.Topic {
	return []models.Topic{
		{ID: 1, Name: "Addition", Tier: "foundation"},
		{ID: 2, Name: "Subtraction", Tier: "foundation"},
	}
}

func newTestSupervisor(t *testing.T, mutate func(*Deps)) *Supervisor {
	t.Helper()
	deps := Deps{
		Executor: &errExec{},
		Material: stubMaterial{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	sv := New(deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = sv.Shutdown(ctx)
	})
	return sv
}

func TestStartSessionAndLookup(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	sess, already, err := sv.StartSession(StartInput{LearnerID: "learner-1", Syllabus: testSyllabus()})
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.False(t, already)
	assert.Equal(t, "learner-1", sess.LearnerID())

	got, ok := sv.Lookup("learner-1")
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, ok = sv.Lookup("learner-2")
	assert.False(t, ok)
}

func TestStartSessionIsIdempotentPerLearner(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	first, already, err := sv.StartSession(StartInput{LearnerID: "learner-1", Syllabus: testSyllabus()})
	require.NoError(t, err)
	require.False(t, already)

	second, already, err := sv.StartSession(StartInput{LearnerID: "learner-1", Syllabus: testSyllabus()})
	require.NoError(t, err)
	assert.True(t, already)
	assert.Same(t, first, second)
}

func TestConcurrentStartsYieldOneSession(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	const starters = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		fresh   int
		handles = make(map[*session.Session]struct{})
	)
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, already, err := sv.StartSession(StartInput{LearnerID: "learner-1", Syllabus: testSyllabus()})
			require.NoError(t, err)
			mu.Lock()
			handles[sess] = struct{}{}
			if !already {
				fresh++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh, "exactly one start must win")
	assert.Len(t, handles, 1, "all starters must see the same session")
	assert.Equal(t, 1, sv.Count())
}

func TestStartSessionValidatesInput(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	_, _, err := sv.StartSession(StartInput{LearnerID: "", Syllabus: testSyllabus()})
	assert.Error(t, err)

	_, _, err = sv.StartSession(StartInput{LearnerID: "learner-1"})
	assert.Error(t, err, "empty syllabus without a restore must be rejected")
	assert.Equal(t, 0, sv.Count())
}

func TestStopSessionReapsEntry(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	_, _, err := sv.StartSession(StartInput{LearnerID: "learner-1", Syllabus: testSyllabus()})
	require.NoError(t, err)

	require.NoError(t, sv.StopSession("learner-1", true))
	require.Eventually(t, func() bool {
		_, ok := sv.Lookup("learner-1")
		return !ok && sv.Count() == 0
	}, waitFor, pollTick, "watcher should reap the registry entry")

	assert.ErrorIs(t, sv.StopSession("learner-1", true), ErrNotFound)
}

func TestStopSessionUnknownLearner(t *testing.T) {
	sv := newTestSupervisor(t, nil)
	assert.ErrorIs(t, sv.StopSession("nobody", true), ErrNotFound)
}

func TestOnSessionEndHook(t *testing.T) {
	var (
		mu    sync.Mutex
		ended []*session.Session
	)
	sv := newTestSupervisor(t, func(d *Deps) {
		d.OnSessionEnd = func(s *session.Session) {
			mu.Lock()
			ended = append(ended, s)
			mu.Unlock()
		}
	})

	sess, _, err := sv.StartSession(StartInput{LearnerID: "learner-1", Syllabus: testSyllabus()})
	require.NoError(t, err)
	require.NoError(t, sv.StopSession("learner-1", true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ended) == 1
	}, waitFor, pollTick)

	mu.Lock()
	defer mu.Unlock()
	assert.Same(t, sess, ended[0])
	assert.Equal(t, session.ExitStopped, ended[0].ExitCause())
}

func TestRestartAfterExit(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	first, _, err := sv.StartSession(StartInput{LearnerID: "learner-1", Syllabus: testSyllabus()})
	require.NoError(t, err)
	require.NoError(t, sv.StopSession("learner-1", true))
	require.Eventually(t, func() bool {
		_, ok := sv.Lookup("learner-1")
		return !ok
	}, waitFor, pollTick)

	second, already, err := sv.StartSession(StartInput{LearnerID: "learner-1", Syllabus: testSyllabus()})
	require.NoError(t, err)
	assert.False(t, already, "a new session must start once the old one ended")
	assert.NotSame(t, first, second)
}

func TestActiveIDsSorted(t *testing.T) {
	sv := newTestSupervisor(t, nil)

	for _, id := range []string{"zoe", "amir", "mira"} {
		_, _, err := sv.StartSession(StartInput{LearnerID: id, Syllabus: testSyllabus()})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"amir", "mira", "zoe"}, sv.ActiveIDs())
}

func TestShutdownStopsEverything(t *testing.T) {
	sv := New(Deps{Executor: &errExec{}, Material: stubMaterial{}})

	for i := 0; i < 3; i++ {
		_, _, err := sv.StartSession(StartInput{
			LearnerID: fmt.Sprintf("learner-%d", i),
			Syllabus:  testSyllabus(),
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, sv.Shutdown(ctx))
	assert.Equal(t, 0, sv.Count())

	_, _, err := sv.StartSession(StartInput{LearnerID: "late", Syllabus: testSyllabus()})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
