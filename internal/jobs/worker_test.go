package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

func newWorker(t *testing.T, opts Options) (*Worker, *store.MemStore) {
	t.Helper()
	s := store.NewMemStore()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewWorker(s, opts, logger), s
}

func enqueue(t *testing.T, s store.Store, kind, scope string) *models.Job {
	t.Helper()
	job, _, err := s.EnqueueJob(context.Background(), store.EnqueueRequest{
		Kind:     kind,
		ScopeKey: scope,
		RunAt:    time.Now().UTC().Add(-time.Second),
		Dedupe:   true,
	})
	require.NoError(t, err)
	return job
}

func TestRunOnceDispatchesToHandler(t *testing.T) {
	w, s := newWorker(t, Options{WorkerID: "w1"})
	ctx := context.Background()

	var got []string
	w.Register(models.JobKindReplay, func(ctx context.Context, job *models.Job) error {
		got = append(got, job.ScopeKey)
		return nil
	})

	job := enqueue(t, s, models.JobKindReplay, "ladder-1")
	enqueue(t, s, models.JobKindInsightRefresh, "unhandled")

	processed := w.RunOnce(ctx)
	assert.Equal(t, 1, processed, "only registered kinds are claimed")
	assert.Equal(t, []string{"ladder-1"}, got)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
}

func TestRetryWithBackoffThenPermanentFailure(t *testing.T) {
	w, s := newWorker(t, Options{
		WorkerID:    "w1",
		MaxAttempts: 3,
		BackoffBase: 10 * time.Second,
		BackoffMax:  time.Minute,
	})
	ctx := context.Background()

	// Controllable clock so each pass lands after the rescheduled run_at.
	clock := time.Now().UTC()
	w.now = func() time.Time { return clock }

	w.Register(models.JobKindReplay, func(ctx context.Context, job *models.Job) error {
		return utils.InternalError("transient failure")
	})
	job := enqueue(t, s, models.JobKindReplay, "ladder-1")

	// First two attempts reschedule with growing delay.
	for attempt := 1; attempt < 3; attempt++ {
		require.Equal(t, 1, w.RunOnce(ctx))

		stored, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusPending, stored.Status)
		assert.Equal(t, attempt, stored.Attempts)
		assert.Contains(t, stored.LastError, "transient failure")
		assert.True(t, stored.RunAt.After(clock), "retry must be delayed")

		clock = stored.RunAt.Add(time.Second)
	}

	// Third attempt exhausts the budget.
	require.Equal(t, 1, w.RunOnce(ctx))
	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	w, s := newWorker(t, Options{WorkerID: "w1", MaxAttempts: 5})
	ctx := context.Background()

	w.Register(models.JobKindInsightRefresh, func(ctx context.Context, job *models.Job) error {
		return utils.ValidationError("bad payload")
	})
	job := enqueue(t, s, models.JobKindInsightRefresh, "p1")

	require.Equal(t, 1, w.RunOnce(ctx))
	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestSweepReleasesExpiredLeases(t *testing.T) {
	w, s := newWorker(t, Options{WorkerID: "w1", VisibilityTimeout: time.Millisecond})
	ctx := context.Background()

	job := enqueue(t, s, models.JobKindReplay, "ladder-1")
	claimed, err := s.ClaimJobs(ctx, nil, "crashed-worker", 1, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(5 * time.Millisecond)
	w.Sweep(ctx)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	w, _ := newWorker(t, Options{BackoffBase: 10 * time.Second, BackoffMax: time.Minute})

	assert.Equal(t, 10*time.Second, w.backoff(0))
	assert.Equal(t, 20*time.Second, w.backoff(1))
	assert.Equal(t, 40*time.Second, w.backoff(2))
	assert.Equal(t, time.Minute, w.backoff(3))
	assert.Equal(t, time.Minute, w.backoff(10))
}

func TestStartRequiresHandlers(t *testing.T) {
	w, _ := newWorker(t, Options{})
	require.Error(t, w.Start())

	w.Register(models.JobKindReplay, func(ctx context.Context, job *models.Job) error { return nil })
	require.NoError(t, w.Start())
	assert.Error(t, w.Start(), "double start must be rejected")
	w.Stop()
}
