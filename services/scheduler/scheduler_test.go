package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	"github.com/zianncupcake/myfoods-backend/internal/testutil"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeLeader struct {
	mu       sync.Mutex
	leader   bool
	err      error
	released bool
}

func (l *fakeLeader) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader, l.err
}

func (l *fakeLeader) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

// hookStore runs beforeGet ahead of the first read and afterGet after it,
// standing in for a worker that writes while the reaper is mid-pass.
type hookStore struct {
	*testutil.MemoryStore
	beforeGet func()
	afterGet  func()
}

func (s *hookStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	if s.beforeGet != nil {
		s.beforeGet()
		s.beforeGet = nil
	}
	task, err := s.MemoryStore.Get(ctx, id)
	if s.afterGet != nil {
		s.afterGet()
		s.afterGet = nil
	}
	return task, err
}

func reaperOver(store *hookStore) *Scheduler {
	return NewScheduler(&fakeLeader{leader: true}, &testutil.RetryQueue{}, store, &testutil.Producer{},
		domain.DefaultRetryPolicy(), slog.Default(),
		WithClock(func() time.Time { return now }), WithReapGrace(time.Minute))
}

// ── helpers ───────────────────────────────────────────────────────────────────

var now = time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	leader  *fakeLeader
	retries *testutil.RetryQueue
	store   *testutil.MemoryStore
	prod    *testutil.Producer
	audit   *testutil.AuditRepo
	sched   *Scheduler
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		leader:  &fakeLeader{leader: true},
		retries: &testutil.RetryQueue{},
		store:   testutil.NewMemoryStore(),
		prod:    &testutil.Producer{},
		audit:   &testutil.AuditRepo{},
	}
	opts = append([]Option{
		WithClock(func() time.Time { return now }),
		WithAudit(f.audit),
	}, opts...)
	f.sched = NewScheduler(f.leader, f.retries, f.store, f.prod, domain.DefaultRetryPolicy(), slog.Default(), opts...)
	return f
}

func startedTask(id string, startedAt time.Time) *domain.Task {
	t := domain.NewTask(id, "https://youtu.be/"+id, startedAt)
	t.Status = domain.StatusStarted
	t.AttemptCount = 1
	t.StartedAt = &startedAt
	return t
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestPumpRetries_PublishesOnlyDueItems(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.retries.Schedule(ctx, domain.WorkItem{TaskID: "due", Attempt: 2}, now.Add(-time.Second)))
	require.NoError(t, f.retries.Schedule(ctx, domain.WorkItem{TaskID: "later", Attempt: 2}, now.Add(time.Minute)))

	n, err := f.sched.PumpRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := f.prod.WorkItems(kafka.PendingTopic)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "due", items[0].TaskID)
	assert.Equal(t, 2, items[0].Attempt)

	left, _ := f.retries.Len(ctx)
	assert.EqualValues(t, 1, left)
}

func TestPumpRetries_PublishFailureReschedules(t *testing.T) {
	f := newFixture()
	f.prod.Err = errors.New("broker down")
	ctx := context.Background()
	require.NoError(t, f.retries.Schedule(ctx, domain.WorkItem{TaskID: "t1", Attempt: 2}, now.Add(-time.Second)))

	n, err := f.sched.PumpRetries(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	left, _ := f.retries.Len(ctx)
	assert.EqualValues(t, 1, left, "item must not be lost")
}

func TestReapStale_FailsOnlyExpiredStartedTasks(t *testing.T) {
	f := newFixture(WithReapGrace(time.Minute))
	f.store.Seed(startedTask("stale", now.Add(-10*time.Minute)))
	f.store.Seed(startedTask("fresh", now.Add(-30*time.Second)))

	n, err := f.sched.ReapStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale := f.store.Record("stale")
	assert.Equal(t, domain.StatusFailure, stale.Status)
	require.NotNil(t, stale.Error)
	assert.Equal(t, domain.KindTimeout, stale.Error.Kind)
	assert.Equal(t, "Hard Time Limit Exceeded", stale.Error.Message)
	assert.Equal(t, domain.StatusStarted, f.store.Record("fresh").Status)

	_, audited := f.audit.Task("stale")
	assert.True(t, audited)
}

func TestReapStale_UntracksMissingRecords(t *testing.T) {
	f := newFixture(WithReapGrace(time.Minute))
	f.store.Seed(startedTask("gone", now.Add(-time.Hour)))
	f.store.GetErr = &domain.TaskNotFoundError{TaskID: "gone"}

	n, err := f.sched.ReapStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	ids, _ := f.store.StartedBefore(context.Background(), now, 10)
	assert.Empty(t, ids)
}

func TestReapStale_FailsLostQueuedTasks(t *testing.T) {
	f := newFixture(WithQueueGrace(time.Hour))

	f.store.Seed(domain.NewTask("lost-pending", "https://youtu.be/a", now.Add(-2*time.Hour)))
	f.store.Seed(domain.NewTask("fresh-pending", "https://youtu.be/b", now.Add(-time.Minute)))

	lostRetry := domain.NewTask("lost-retry", "https://youtu.be/c", now.Add(-3*time.Hour))
	lostRetry.Status = domain.StatusRetry
	lostRetry.AttemptCount = 1
	due := now.Add(-2 * time.Hour)
	lostRetry.NextRetryAt = &due
	f.store.Seed(lostRetry)

	waiting := domain.NewTask("waiting-retry", "https://youtu.be/d", now.Add(-3*time.Hour))
	waiting.Status = domain.StatusRetry
	waiting.AttemptCount = 1
	later := now.Add(time.Minute)
	waiting.NextRetryAt = &later
	f.store.Seed(waiting)

	n, err := f.sched.ReapStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"lost-pending", "lost-retry"} {
		rec := f.store.Record(id)
		assert.Equal(t, domain.StatusFailure, rec.Status, id)
		require.NotNil(t, rec.Error, id)
		assert.Equal(t, domain.KindQueueUnavailable, rec.Error.Kind, id)
		assert.Nil(t, rec.NextRetryAt, id)
	}
	assert.Equal(t, domain.StatusPending, f.store.Record("fresh-pending").Status)
	assert.Equal(t, domain.StatusRetry, f.store.Record("waiting-retry").Status)

	ids, _ := f.store.QueuedBefore(context.Background(), now.Add(time.Hour), 10)
	assert.ElementsMatch(t, []string{"fresh-pending", "waiting-retry"}, ids)
}

func TestReapStale_WorkerWriteBetweenReadAndWriteWins(t *testing.T) {
	mem := testutil.NewMemoryStore()
	mem.Seed(startedTask("t1", now.Add(-10*time.Minute)))
	store := &hookStore{MemoryStore: mem}
	store.afterGet = func() {
		// The attempt finishes late and records a retry.
		task := mem.Record("t1")
		retryAt := now.Add(time.Minute)
		task.Status = domain.StatusRetry
		task.NextRetryAt = &retryAt
		require.NoError(t, mem.Put(context.Background(), task))
	}

	n, err := reaperOver(store).ReapStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.StatusRetry, mem.Record("t1").Status)
	assert.Equal(t, []domain.Status{domain.StatusRetry}, mem.History("t1"))
}

func TestReapStale_RechecksStartTimeOnRead(t *testing.T) {
	mem := testutil.NewMemoryStore()
	mem.Seed(startedTask("t1", now.Add(-10*time.Minute)))
	store := &hookStore{MemoryStore: mem}
	// Listed as stale, but a redelivered attempt starts before the read.
	store.beforeGet = func() { mem.Seed(startedTask("t1", now.Add(-time.Second))) }

	n, err := reaperOver(store).ReapStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.StatusStarted, mem.Record("t1").Status)
}

func TestTick_NonLeaderDoesNothing(t *testing.T) {
	f := newFixture()
	f.leader.leader = false
	require.NoError(t, f.retries.Schedule(context.Background(), domain.WorkItem{TaskID: "t1"}, now.Add(-time.Second)))

	f.sched.tick(context.Background())
	assert.Empty(t, f.prod.Messages())
	assert.False(t, f.sched.isLeader.Load())
}

func TestTick_LeaderErrorDropsLeadership(t *testing.T) {
	f := newFixture()
	f.sched.isLeader.Store(true)
	f.leader.err = errors.New("redis down")

	f.sched.tick(context.Background())
	assert.False(t, f.sched.isLeader.Load())
}

func TestRun_ReleasesLeadershipOnShutdown(t *testing.T) {
	f := newFixture(WithPumpInterval(5 * time.Millisecond))
	require.NoError(t, f.retries.Schedule(context.Background(), domain.WorkItem{TaskID: "t1", Attempt: 2}, now.Add(-time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.prod.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	f.leader.mu.Lock()
	defer f.leader.mu.Unlock()
	assert.True(t, f.leader.released)
}

func TestRun_InvalidReapSchedule(t *testing.T) {
	f := newFixture(WithReapSchedule("not a schedule"))
	err := f.sched.Run(context.Background())
	assert.Error(t, err)
}
