package taskrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

// PollerConfig is the configuration for the embedded poll transport.
type PollerConfig struct {
	Repository storage.TaskRepository
	Service    *Service

	// PollInterval is the idle sleep when no task is runnable.
	PollInterval time.Duration
	// ClaimLease is the exclusivity window granted per claim.
	ClaimLease time.Duration
	// Owner identifies this poller on task leases. Defaults to a unique id
	// derived from the hostname.
	Owner string

	Logger log.Logger
}

func (c *PollerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 10 * time.Minute
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("poller-%s-%s", host, ulid.Make().String())
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Poller"})
	return nil
}

// Poller is the embedded poll transport: a single sequential actor that
// repeatedly claims the best runnable task and advances it by exactly one
// cycle. One task failure never stops the loop.
type Poller struct {
	repo    storage.TaskRepository
	service *Service

	pollInterval time.Duration
	claimLease   time.Duration
	owner        string

	logger log.Logger
}

// NewPoller creates a new poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Poller{
		repo:         cfg.Repository,
		service:      cfg.Service,
		pollInterval: cfg.PollInterval,
		claimLease:   cfg.ClaimLease,
		owner:        cfg.Owner,
		logger:       cfg.Logger,
	}, nil
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Infof("Poller started (owner: %s)", p.owner)

	for {
		if err := ctx.Err(); err != nil {
			p.logger.Infof("Poller stopped")
			return nil
		}

		processed, err := p.PollOnce(ctx)
		if err != nil {
			p.logger.Errorf("Poll iteration failed: %s", err)
		}

		if !processed {
			select {
			case <-ctx.Done():
				p.logger.Infof("Poller stopped")
				return nil
			case <-time.After(p.pollInterval):
			}
		}
	}
}

// PollOnce claims and processes at most one cycle. Returns true when a task
// was claimed and made progress. A task parked waiting for credentials does
// not count as progress, so the loop sleeps instead of spinning on it.
func (p *Poller) PollOnce(ctx context.Context) (processed bool, err error) {
	task, err := p.repo.ClaimNextRunnable(ctx, p.owner, p.claimLease)
	if err != nil {
		return false, fmt.Errorf("could not claim runnable task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	defer func() {
		if relErr := p.repo.ReleaseClaim(ctx, task.ID, p.owner); relErr != nil {
			p.logger.Errorf("Could not release claim on task %s: %s", task.ID, relErr)
		}
	}()

	outcome, err := p.service.ProcessCycle(ctx, task)
	if err != nil && errors.Is(err, ErrCycle) {
		// The embedded transport does not retry: the engine failure is
		// terminal for the task and the loop moves on to the next candidate.
		if failErr := p.service.FailTask(ctx, task.ID, err.Error()); failErr != nil {
			return true, fmt.Errorf("could not mark task failed: %w", failErr)
		}
		return true, nil
	}

	return outcome != OutcomeWaiting, err
}
