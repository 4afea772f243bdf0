package taskrun

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/credentials"
	"github.com/opma4940-coder/mkh-Manus/internal/engine"
	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/secrets"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

// Outcome is the result of processing one cycle of a claimed task.
type Outcome string

const (
	// OutcomeCancelled means the task was finalized as cancelled without
	// invoking the engine.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeWaiting means no credential was available, the task was parked
	// and no steps or progress were consumed.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeRunning means the cycle completed and the task needs more
	// cycles.
	OutcomeRunning Outcome = "running"
	// OutcomeCompleted means the cycle completed and the task finished.
	OutcomeCompleted Outcome = "completed"
	// OutcomeBudgetExhausted means the task hit its soft token budget and was
	// stopped before invoking the engine.
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	// OutcomeErrored means the engine cycle failed. The failure has NOT been
	// committed to the task, the transport decides between retrying and
	// calling FailTask.
	OutcomeErrored Outcome = "errored"
)

// ErrCycle marks failures of the engine cycle itself, as opposed to storage
// failures where the iteration must be considered not to have happened.
// Transports apply their retry/fail policy only to cycle failures.
var ErrCycle = errors.New("cycle execution failed")

const (
	// stepsEstimateIncrement is how much the estimate grows whenever reached.
	// A heuristic carried over for progress display, not an ETA model.
	stepsEstimateIncrement = 10
	// progressCeiling caps unfinished progress so it never looks done early.
	progressCeiling = 0.99
	// outputTruncateLen bounds the output copy carried on cycle events.
	outputTruncateLen = 1000
)

// ServiceConfig is the configuration for the cycle runner service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Settings   *secrets.Store
	Pool       *credentials.Pool
	Engine     engine.Runner

	// CycleSteps is the per-cycle step budget handed to the engine.
	CycleSteps int
	// CycleTimeout bounds one engine cycle. Zero disables the bound.
	CycleTimeout time.Duration
	// TokenSoftBudgetFraction of the task budget is the practical ceiling.
	TokenSoftBudgetFraction float64
	// CredentialSlots are the setting keys holding shared credentials.
	CredentialSlots []string

	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Settings == nil {
		return fmt.Errorf("settings store is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("credential pool is required")
	}
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.CycleSteps <= 0 {
		c.CycleSteps = 10
	}
	if c.TokenSoftBudgetFraction <= 0 || c.TokenSoftBudgetFraction > 1 {
		c.TokenSoftBudgetFraction = 0.98
	}
	if len(c.CredentialSlots) == 0 {
		return fmt.Errorf("credential slots are required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.TaskRun"})
	return nil
}

// Service advances tasks through the lifecycle state machine, one cycle at a
// time. Both transports (embedded poller and distributed worker) share this
// single code path: claim a task, run one cycle, commit the result.
type Service struct {
	repo     storage.TaskRepository
	settings *secrets.Store
	pool     *credentials.Pool
	engine   engine.Runner

	cycleSteps   int
	cycleTimeout time.Duration
	softFraction float64
	slots        []string

	logger log.Logger
}

// NewService creates a new cycle runner service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:         cfg.Repository,
		settings:     cfg.Settings,
		pool:         cfg.Pool,
		engine:       cfg.Engine,
		cycleSteps:   cfg.CycleSteps,
		cycleTimeout: cfg.CycleTimeout,
		softFraction: cfg.TokenSoftBudgetFraction,
		slots:        cfg.CredentialSlots,
		logger:       cfg.Logger,
	}, nil
}

// ProcessCycle runs one cycle of an already claimed task.
//
// All state transitions except the engine failure are committed internally
// as single transactions. An engine failure returns OutcomeErrored and the
// error without touching the task, the transport then either retries or
// finalizes through FailTask.
func (s *Service) ProcessCycle(ctx context.Context, task *model.Task) (Outcome, error) {
	logger := s.logger.WithValues(log.Kv{"task": task.ID})

	// Cancellation is checked before anything else, a cancel request wins
	// over any further work.
	if task.CancelRequested {
		if err := s.finalize(ctx, task.ID, model.TaskStatusCancelled, "", storage.NewEvent{
			Level:   model.EventLevelWarning,
			Type:    model.EventTypeTaskCancelled,
			Message: "Task cancelled by user.",
		}); err != nil {
			return OutcomeErrored, err
		}
		logger.Infof("Task cancelled")
		return OutcomeCancelled, nil
	}

	available, err := s.settings.CredentialSlots(ctx, s.slots)
	if err != nil {
		return OutcomeErrored, fmt.Errorf("could not resolve credentials: %w", err)
	}
	if len(available) == 0 {
		// The missing-keys event is emitted once, on the transition into
		// waiting. Re-polls of an already waiting task stay quiet.
		if task.Status != model.TaskStatusWaiting {
			status := model.TaskStatusWaiting
			lastError := "No API credentials configured."
			err := s.repo.UpdateTask(ctx, task.ID, storage.TaskUpdate{
				Status:    &status,
				LastError: &lastError,
			}, storage.NewEvent{
				Level:   model.EventLevelError,
				Type:    model.EventTypeSettingsMissingKeys,
				Message: "No usable API credentials, add credentials in settings.",
			})
			if err != nil {
				return OutcomeErrored, err
			}
			logger.Warningf("Task waiting for credentials")
		}
		return OutcomeWaiting, nil
	}

	if s.overSoftBudget(task) {
		msg := fmt.Sprintf("Token budget exhausted: %d of %d used.", task.TokenTotal, task.TokenBudget)
		if err := s.finalize(ctx, task.ID, model.TaskStatusFailed, msg, storage.NewEvent{
			Level:   model.EventLevelWarning,
			Type:    model.EventTypeTaskBudgetExhausted,
			Message: msg,
		}); err != nil {
			return OutcomeErrored, err
		}
		logger.Warningf("Task stopped, token budget exhausted")
		return OutcomeBudgetExhausted, nil
	}

	if task.StartedAt == nil {
		now := time.Now().UTC()
		status := model.TaskStatusRunning
		err := s.repo.UpdateTask(ctx, task.ID, storage.TaskUpdate{
			Status:    &status,
			StartedAt: &now,
		}, storage.NewEvent{
			Level:   model.EventLevelInfo,
			Type:    model.EventTypeTaskStarted,
			Message: "Task execution started.",
		})
		if err != nil {
			return OutcomeErrored, err
		}
		task.StartedAt = &now
		task.Status = model.TaskStatusRunning
		logger.Infof("Task started")
	} else if task.Status != model.TaskStatusRunning {
		// Coming back from waiting once credentials reappeared.
		status := model.TaskStatusRunning
		if err := s.repo.UpdateTask(ctx, task.ID, storage.TaskUpdate{Status: &status}); err != nil {
			return OutcomeErrored, err
		}
		task.Status = model.TaskStatusRunning
	}

	slotNames := make([]string, 0, len(available))
	for slot := range available {
		slotNames = append(slotNames, slot)
	}
	slot, _ := s.pool.Assign(task.ID, slotNames)

	result, err := s.runEngineCycle(ctx, task, slot, available[slot])
	if err != nil {
		logger.Errorf("Cycle failed for task: %s", err)
		return OutcomeErrored, err
	}

	outcome, err := s.commitCycle(ctx, task, result)
	if err != nil {
		return OutcomeErrored, err
	}

	logger.Infof("Cycle completed (outcome: %s)", outcome)
	return outcome, nil
}

// runEngineCycle is the only point that can block on an external dependency.
// Its failure is isolated from the state machine bookkeeping.
func (s *Service) runEngineCycle(ctx context.Context, task *model.Task, slot, credential string) (*engine.CycleResult, error) {
	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}

	t0 := time.Now()
	result, err := s.engine.RunCycle(ctx, engine.CycleRequest{
		TaskID:          task.ID,
		Goal:            task.Goal,
		WorkspacePath:   task.WorkspacePath,
		CredentialSlot:  slot,
		CredentialValue: credential,
		Messages:        task.State.Messages,
		StepBudget:      s.cycleSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCycle, err)
	}
	if result.Err != "" {
		return nil, fmt.Errorf("%w: engine reported: %s", ErrCycle, result.Err)
	}
	if result.Duration == 0 {
		result.Duration = time.Since(t0)
	}

	return result, nil
}

// commitCycle folds a successful cycle result into the task as one
// transaction: counters, conversation state, checkpoint, progress and the
// cycle event either all persist or none do.
func (s *Service) commitCycle(ctx context.Context, task *model.Task, result *engine.CycleResult) (Outcome, error) {
	now := time.Now().UTC()

	stepsUsed := result.StepsUsed
	if stepsUsed <= 0 {
		stepsUsed = s.cycleSteps
	}

	stepsDone := task.StepsDone + stepsUsed
	stepsEstimate := task.StepsEstimate
	if stepsEstimate <= 0 {
		stepsEstimate = model.DefaultStepsEstimate
	}
	// The estimate grows instead of clamping progress at 1.0 early.
	if stepsDone >= stepsEstimate {
		stepsEstimate += stepsEstimateIncrement
	}

	progress := math.Min(progressCeiling, float64(stepsDone)/float64(stepsEstimate))
	if result.Finished {
		progress = 1.0
	}

	tokenInput := task.TokenInput + result.TokenInput
	tokenOutput := task.TokenOutput + result.TokenOutput
	tokenTotal := tokenInput + tokenOutput

	elapsed := task.ElapsedSeconds + result.Duration.Seconds()
	eta := 0.0
	if progress > 0 && progress < 1 {
		eta = elapsed * (1 - progress) / progress
	}

	state := task.State
	state.Messages = result.Messages
	state.Checkpoints = append(state.Checkpoints, model.Checkpoint{
		TS:          now,
		DurationSec: result.Duration.Seconds(),
		Finished:    result.Finished,
	})

	status := model.TaskStatusRunning
	outcome := OutcomeRunning
	// A successful cycle supersedes any stale failure left from an earlier
	// waiting or retried iteration.
	lastError := ""
	update := storage.TaskUpdate{
		Status:         &status,
		LastError:      &lastError,
		Progress:       &progress,
		ElapsedSeconds: &elapsed,
		EtaSeconds:     &eta,
		StepsDone:      &stepsDone,
		StepsEstimate:  &stepsEstimate,
		TokenInput:     &tokenInput,
		TokenOutput:    &tokenOutput,
		TokenTotal:     &tokenTotal,
		State:          &state,
	}
	if result.Finished {
		status = model.TaskStatusCompleted
		outcome = OutcomeCompleted
		update.CompletedAt = &now
	}

	output := result.OutputText
	if len(output) > outputTruncateLen {
		output = output[:outputTruncateLen]
	}

	err := s.repo.UpdateTask(ctx, task.ID, update, storage.NewEvent{
		Level:   model.EventLevelInfo,
		Type:    model.EventTypeCycleCompleted,
		Message: fmt.Sprintf("Cycle finished in %.2fs.", result.Duration.Seconds()),
		Data:    map[string]any{"output": output, "finished": result.Finished},
	})
	if err != nil {
		return OutcomeErrored, err
	}

	if result.Finished {
		s.pool.Release(task.ID)
	}

	return outcome, nil
}

// FailTask finalizes a task as failed recording the last error. Used by the
// transports once their retry policy is exhausted (or immediately for the
// embedded poller, which does not retry).
func (s *Service) FailTask(ctx context.Context, taskID, lastError string) error {
	return s.finalize(ctx, taskID, model.TaskStatusFailed, lastError, storage.NewEvent{
		Level:   model.EventLevelError,
		Type:    model.EventTypeCycleFailed,
		Message: fmt.Sprintf("Execution error: %s", lastError),
	})
}

func (s *Service) finalize(ctx context.Context, taskID string, status model.TaskStatus, lastError string, ev storage.NewEvent) error {
	now := time.Now().UTC()
	update := storage.TaskUpdate{
		Status:      &status,
		CompletedAt: &now,
	}
	if lastError != "" {
		update.LastError = &lastError
	}

	if err := s.repo.UpdateTask(ctx, taskID, update, ev); err != nil {
		return fmt.Errorf("could not finalize task: %w", err)
	}

	s.pool.Release(taskID)
	return nil
}

func (s *Service) overSoftBudget(task *model.Task) bool {
	if task.TokenBudget <= 0 {
		return false
	}
	return float64(task.TokenTotal) >= s.softFraction*float64(task.TokenBudget)
}
