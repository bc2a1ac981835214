package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/utils"
)

// Handler processes one claimed job. Delivery is at-least-once, so
// handlers must tolerate re-running over already-applied work.
type Handler func(ctx context.Context, job *models.Job) error

// Options tunes the worker loop; zero values fall back to the defaults
// the config layer also uses.
type Options struct {
	WorkerID          string
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func (o *Options) fillDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Minute
	}
}

// Worker polls the job table, dispatches claimed jobs to registered
// handlers and sweeps expired leases back to PENDING.
type Worker struct {
	store     store.Store
	logger    *logrus.Logger
	cron      *cron.Cron
	opts      Options
	mu        sync.Mutex
	isRunning bool
	handlers  map[string]Handler
	now       func() time.Time // overridable in tests
}

func NewWorker(s store.Store, opts Options, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts.fillDefaults()
	return &Worker{
		store:    s,
		logger:   logger,
		cron:     cron.New(),
		opts:     opts,
		handlers: make(map[string]Handler),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (w *Worker) Register(kind string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = handler
}

// Start begins the poll and sweep schedules.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("worker is already running")
	}
	if len(w.handlers) == 0 {
		return fmt.Errorf("no job handlers registered")
	}

	poll := fmt.Sprintf("@every %s", w.opts.PollInterval.String())
	if _, err := w.cron.AddFunc(poll, func() { w.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule job poll: %w", err)
	}

	sweep := fmt.Sprintf("@every %s", w.opts.VisibilityTimeout.String())
	if _, err := w.cron.AddFunc(sweep, func() { w.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule lease sweeper: %w", err)
	}

	w.cron.Start()
	w.isRunning = true
	w.logger.WithField("worker_id", w.opts.WorkerID).Info("Job worker started")
	return nil
}

// Stop halts the schedules and waits for in-flight runs.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return
	}
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.isRunning = false
	w.logger.Info("Job worker stopped")
}

// RunOnce claims and processes a single batch. Returns the number of jobs
// processed; the cron tick ignores it, tests and the drain path use it.
func (w *Worker) RunOnce(ctx context.Context) int {
	kinds := w.registeredKinds()
	now := w.now()

	claimed, err := w.store.ClaimJobs(ctx, kinds, w.opts.WorkerID, w.opts.BatchSize, now)
	if err != nil {
		w.logger.WithError(err).Error("failed to claim jobs")
		return 0
	}

	for i := range claimed {
		w.process(ctx, &claimed[i])
	}
	return len(claimed)
}

// Sweep releases leases held past the visibility timeout.
func (w *Worker) Sweep(ctx context.Context) {
	swept, err := w.store.SweepExpiredJobs(ctx, w.opts.VisibilityTimeout, w.now())
	if err != nil {
		w.logger.WithError(err).Error("lease sweep failed")
		return
	}
	if swept > 0 {
		w.logger.WithField("count", swept).Warn("released expired job leases")
	}
}

func (w *Worker) registeredKinds() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	kinds := make([]string, 0, len(w.handlers))
	for kind := range w.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

func (w *Worker) handler(kind string) Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handlers[kind]
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	log := w.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"kind":      job.Kind,
		"scope_key": job.ScopeKey,
		"attempt":   job.Attempts + 1,
	})

	handler := w.handler(job.Kind)
	if handler == nil {
		// Claimed a kind we no longer handle; release it for another worker.
		retryAt := w.now().Add(w.opts.PollInterval)
		w.finish(ctx, job, store.JobOutcome{Error: "no handler registered", RescheduleAt: &retryAt})
		return
	}

	err := handler(ctx, job)
	if err == nil {
		w.finish(ctx, job, store.JobOutcome{Success: true})
		log.Debug("job completed")
		return
	}

	appErr := utils.AsAppError(err)
	if !appErr.Retryable() || job.Attempts+1 >= w.opts.MaxAttempts {
		w.finish(ctx, job, store.JobOutcome{Error: err.Error()})
		log.WithError(err).Error("job failed permanently")
		return
	}

	retryAt := w.now().Add(w.backoff(job.Attempts))
	w.finish(ctx, job, store.JobOutcome{Error: err.Error(), RescheduleAt: &retryAt})
	log.WithError(err).WithField("retry_at", retryAt).Warn("job failed, rescheduled")
}

func (w *Worker) finish(ctx context.Context, job *models.Job, outcome store.JobOutcome) {
	if err := w.store.CompleteJob(ctx, job.ID, w.opts.WorkerID, outcome); err != nil {
		// Lost lease: another worker owns the job now, nothing to do.
		w.logger.WithError(err).WithField("job_id", job.ID).Warn("failed to finish job")
	}
}

// backoff doubles per attempt from the base, capped.
func (w *Worker) backoff(attempts int) time.Duration {
	delay := w.opts.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= w.opts.BackoffMax {
			return w.opts.BackoffMax
		}
	}
	if delay > w.opts.BackoffMax {
		delay = w.opts.BackoffMax
	}
	return delay
}
