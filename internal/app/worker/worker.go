// Package worker implements the distributed execution transport: a pool of
// handlers consuming jobs from a broker, advancing tasks one cycle per job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/opma4940-coder/mkh-Manus/internal/app/taskrun"
	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/queue"
	"github.com/opma4940-coder/mkh-Manus/internal/secrets"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

const (
	// waitingRequeueDelay is how long a task parked for missing credentials
	// waits before the next probe.
	waitingRequeueDelay = 30 * time.Second
	// claimRequeueDelay is how long to wait when another worker holds the
	// task's lease. Contention is transient, a crashed holder's lease simply
	// expires.
	claimRequeueDelay = 10 * time.Second
	// storageRetryDelay is the redelivery delay for transient storage
	// failures, which never count against the cycle retry policy.
	storageRetryDelay = 5 * time.Second
	// staleQueuedAge is how old an untouched queued task must be before the
	// reconciler re-enqueues a cycle job for it. Covers jobs lost between
	// broker restarts or delayed requeues cut short by a worker crash.
	staleQueuedAge = 5 * time.Minute
	// reconcileListLimit bounds how many tasks a single reconcile scans.
	reconcileListLimit = 500
)

// WorkerConfig is the configuration of the worker.
type WorkerConfig struct {
	Broker     queue.Broker
	Service    *taskrun.Service
	Repository storage.TaskRepository
	Settings   *secrets.Store

	// Owner identifies this worker in task leases.
	Owner string
	// ClaimLease is how long a claimed task stays exclusive.
	ClaimLease time.Duration
	// Concurrency bounds how many jobs run at once.
	Concurrency int
	// CredentialSlots are the setting keys checked by the sync job.
	CredentialSlots []string
	// TaskRetention is the age after which terminal tasks are removed.
	TaskRetention time.Duration
	// SyncInterval schedules the recurring credential sync/reconcile job.
	SyncInterval time.Duration
	// CleanupInterval schedules the recurring retention job.
	CleanupInterval time.Duration

	// CyclePolicy and MaintenancePolicy override the default retry policies.
	CyclePolicy       queue.RetryPolicy
	MaintenancePolicy queue.RetryPolicy

	Logger log.Logger
}

func (c *WorkerConfig) defaults() error {
	if c.Broker == nil {
		return fmt.Errorf("broker is required")
	}
	if c.Service == nil {
		return fmt.Errorf("task run service is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Settings == nil {
		return fmt.Errorf("settings store is required")
	}
	if c.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 10 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if len(c.CredentialSlots) == 0 {
		return fmt.Errorf("credential slots are required")
	}
	if c.TaskRetention <= 0 {
		c.TaskRetention = 30 * 24 * time.Hour
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.CyclePolicy.MaxAttempts == 0 {
		c.CyclePolicy = queue.CycleRetryPolicy
	}
	if c.MaintenancePolicy.MaxAttempts == 0 {
		c.MaintenancePolicy = queue.SubtaskRetryPolicy
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Worker", "owner": c.Owner})

	return nil
}

// Worker consumes jobs and advances tasks. Several workers may run against
// the same store and broker, exclusivity comes from the task lease.
type Worker struct {
	broker   queue.Broker
	service  *taskrun.Service
	repo     storage.TaskRepository
	settings *secrets.Store

	owner           string
	lease           time.Duration
	concurrency     int
	slots           []string
	retention       time.Duration
	syncInterval    time.Duration
	cleanupInterval time.Duration

	cyclePolicy       queue.RetryPolicy
	maintenancePolicy queue.RetryPolicy

	logger log.Logger
}

// NewWorker creates a new worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		broker:          cfg.Broker,
		service:         cfg.Service,
		repo:            cfg.Repository,
		settings:        cfg.Settings,
		owner:           cfg.Owner,
		lease:           cfg.ClaimLease,
		concurrency:     cfg.Concurrency,
		slots:           cfg.CredentialSlots,
		retention:       cfg.TaskRetention,
		syncInterval:    cfg.SyncInterval,
		cleanupInterval: cfg.CleanupInterval,

		cyclePolicy:       cfg.CyclePolicy,
		maintenancePolicy: cfg.MaintenancePolicy,

		logger: cfg.Logger,
	}, nil
}

// Run consumes jobs until the context is cancelled. Handlers are bounded by
// the configured concurrency, in-flight jobs are drained before returning.
func (w *Worker) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(w.concurrency)

	subscriptions := []struct {
		queue   string
		handler queue.Handler
	}{
		{queue.QueueCycles, w.pooled(p, w.handleCycle)},
		{queue.QueueMaintenance, w.pooled(p, w.handleCredentialSync)},
		{queue.QueueCleanup, w.pooled(p, w.handleCleanup)},
	}

	stops := make([]func(), 0, len(subscriptions))
	for _, s := range subscriptions {
		stop, err := w.broker.Subscribe(ctx, s.queue, s.handler)
		if err != nil {
			for _, st := range stops {
				st()
			}
			return fmt.Errorf("could not subscribe to queue %q: %w", s.queue, err)
		}
		stops = append(stops, stop)
	}

	w.logger.Infof("Worker started (concurrency: %d)", w.concurrency)

	w.beat(ctx)

	for _, stop := range stops {
		stop()
	}
	p.Wait()

	w.logger.Infof("Worker stopped")
	return nil
}

// beat enqueues the recurring maintenance jobs until the context ends.
func (w *Worker) beat(ctx context.Context) {
	syncTicker := time.NewTicker(w.syncInterval)
	defer syncTicker.Stop()
	cleanupTicker := time.NewTicker(w.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			w.enqueue(ctx, queue.QueueMaintenance, queue.Job{Name: queue.JobCredentialSync, EnqueuedAt: time.Now().UTC()})
		case <-cleanupTicker.C:
			w.enqueue(ctx, queue.QueueCleanup, queue.Job{Name: queue.JobTaskCleanup, EnqueuedAt: time.Now().UTC()})
		}
	}
}

func (w *Worker) enqueue(ctx context.Context, queueName string, job queue.Job) {
	if err := w.broker.Enqueue(ctx, queueName, job); err != nil {
		w.logger.Errorf("Could not enqueue %s job: %s", job.Name, err)
	}
}

func (w *Worker) pooled(p *pool.Pool, h queue.Handler) queue.Handler {
	return func(ctx context.Context, d queue.Delivery) {
		p.Go(func() {
			h(ctx, d)
		})
	}
}

// handleCycle runs one cycle of the job's task. The delivery is acknowledged
// only after the outcome has been committed (or deliberately requeued), so a
// worker crash mid-cycle causes a redelivery.
func (w *Worker) handleCycle(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	logger := w.logger.WithValues(log.Kv{"task": job.TaskID, "attempt": d.Attempt()})

	task, err := w.repo.ClaimTask(ctx, job.TaskID, w.owner, w.lease)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// Task removed, nothing left to run.
			_ = d.Ack()
			return
		}
		logger.Warningf("Could not claim task: %s", err)
		_ = d.Retry(storageRetryDelay)
		return
	}
	if task == nil {
		current, err := w.repo.GetTask(ctx, job.TaskID)
		if err == nil && !current.Status.IsTerminal() {
			// Lease held elsewhere. A fresh delayed job keeps the delivery
			// count clean for the real retry policy.
			w.requeueCycleLater(ctx, job.TaskID, claimRequeueDelay)
		}
		_ = d.Ack()
		return
	}
	defer func() { _ = w.repo.ReleaseClaim(context.WithoutCancel(ctx), task.ID, w.owner) }()

	outcome, err := w.service.ProcessCycle(ctx, task)
	switch {
	case err == nil && outcome == taskrun.OutcomeRunning:
		// More cycles needed, chain the next one.
		w.enqueue(ctx, queue.QueueCycles, queue.Job{
			Name:       queue.JobCycleExecute,
			TaskID:     task.ID,
			EnqueuedAt: time.Now().UTC(),
		})
		_ = d.Ack()

	case err == nil && outcome == taskrun.OutcomeWaiting:
		// Parked for credentials. Probing again must not consume cycle retry
		// attempts, so requeue as a fresh job instead of a negative ack.
		w.requeueCycleLater(ctx, task.ID, waitingRequeueDelay)
		_ = d.Ack()

	case err == nil:
		// Terminal outcome (completed, cancelled, budget exhausted).
		_ = d.Ack()

	case errors.Is(err, taskrun.ErrCycle):
		policy := w.cyclePolicy
		if policy.Exhausted(d.Attempt()) {
			logger.Errorf("Cycle retries exhausted: %s", err)
			if ferr := w.service.FailTask(ctx, task.ID, err.Error()); ferr != nil {
				logger.Errorf("Could not fail task: %s", ferr)
				_ = d.Retry(storageRetryDelay)
				return
			}
			_ = d.Ack()
			return
		}
		delay := policy.Delay(d.Attempt())
		logger.Warningf("Cycle failed, retrying in %s: %s", delay, err)
		_ = d.Retry(delay)

	default:
		// Storage failure, the iteration did not happen. Redeliver shortly.
		logger.Warningf("Could not process cycle: %s", err)
		_ = d.Retry(storageRetryDelay)
	}
}

// requeueCycleLater schedules a fresh cycle job after the delay. If this
// worker dies before the timer fires the reconciler picks the task up again.
func (w *Worker) requeueCycleLater(ctx context.Context, taskID string, delay time.Duration) {
	ctx = context.WithoutCancel(ctx)
	time.AfterFunc(delay, func() {
		w.enqueue(ctx, queue.QueueCycles, queue.Job{
			Name:       queue.JobCycleExecute,
			TaskID:     taskID,
			EnqueuedAt: time.Now().UTC(),
		})
	})
}

// handleCredentialSync verifies the credential slots and reconciles tasks
// that should have a cycle job in flight but do not: waiting tasks once
// credentials become usable, and queued tasks untouched for too long.
func (w *Worker) handleCredentialSync(ctx context.Context, d queue.Delivery) {
	available, err := w.settings.CredentialSlots(ctx, w.slots)
	if err != nil {
		w.retryMaintenance(d, fmt.Errorf("could not resolve credentials: %w", err))
		return
	}
	if len(available) == 0 {
		w.logger.Warningf("No usable API credentials configured")
	} else {
		w.logger.Debugf("Credential sync: %d of %d slots usable", len(available), len(w.slots))
	}

	tasks, err := w.repo.ListTasks(ctx, reconcileListLimit)
	if err != nil {
		w.retryMaintenance(d, fmt.Errorf("could not list tasks: %w", err))
		return
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		requeue := false
		switch {
		case t.Status == model.TaskStatusWaiting && len(available) > 0:
			requeue = true
		case t.Status == model.TaskStatusQueued && now.Sub(t.UpdatedAt) > staleQueuedAge:
			requeue = true
		case t.CancelRequested && !t.Status.IsTerminal():
			// Make sure a pending cancellation gets finalized even if its
			// cycle job was lost.
			requeue = true
		}
		if !requeue {
			continue
		}

		w.enqueue(ctx, queue.QueueCycles, queue.Job{
			Name:       queue.JobCycleExecute,
			TaskID:     t.ID,
			EnqueuedAt: now,
		})
	}

	_ = d.Ack()
}

// handleCleanup removes terminal tasks past the retention window.
func (w *Worker) handleCleanup(ctx context.Context, d queue.Delivery) {
	cutoff := time.Now().UTC().Add(-w.retention)
	removed, err := w.repo.DeleteTerminalTasksBefore(ctx, cutoff)
	if err != nil {
		w.retryMaintenance(d, fmt.Errorf("could not delete terminal tasks: %w", err))
		return
	}

	if removed > 0 {
		w.logger.Infof("Cleanup removed %d terminal tasks", removed)
	}
	_ = d.Ack()
}

// retryMaintenance applies the maintenance retry policy to a failed job.
func (w *Worker) retryMaintenance(d queue.Delivery, err error) {
	policy := w.maintenancePolicy
	if policy.Exhausted(d.Attempt()) {
		w.logger.Errorf("Dropping %s job, retries exhausted: %s", d.Job().Name, err)
		_ = d.Term()
		return
	}

	delay := policy.Delay(d.Attempt())
	w.logger.Warningf("%s job failed, retrying in %s: %s", d.Job().Name, delay, err)
	_ = d.Retry(delay)
}
