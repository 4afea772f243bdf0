package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/engine"
	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
)

// RunnerConfig is the configuration for the fake cycle runner.
type RunnerConfig struct {
	// CyclesToFinish is how many cycles a task takes before the fake engine
	// reports it finished.
	CyclesToFinish int
	// TokensPerCycle is the simulated token consumption, split 60/40 between
	// input and output.
	TokensPerCycle int
	Logger         log.Logger
}

func (c *RunnerConfig) defaults() error {
	if c.CyclesToFinish <= 0 {
		c.CyclesToFinish = 3
	}
	if c.TokensPerCycle <= 0 {
		c.TokensPerCycle = 500
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "engine.Fake"})
	return nil
}

// Runner is a fake implementation of the engine.Runner interface. It
// simulates bounded agent cycles without calling any external engine.
type Runner struct {
	cyclesToFinish int
	tokensPerCycle int
	cycles         map[string]int
	mu             sync.Mutex
	logger         log.Logger
}

// NewRunner creates a new fake cycle runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runner{
		cyclesToFinish: cfg.CyclesToFinish,
		tokensPerCycle: cfg.TokensPerCycle,
		cycles:         map[string]int{},
		logger:         cfg.Logger,
	}, nil
}

// RunCycle runs one fake cycle: it appends an assistant message continuing
// the conversation and reports finished once the configured cycle count is
// reached.
func (r *Runner) RunCycle(ctx context.Context, req engine.CycleRequest) (*engine.CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.CredentialValue == "" {
		return &engine.CycleResult{
			Messages: req.Messages,
			Err:      "no credential provided",
		}, nil
	}

	r.mu.Lock()
	r.cycles[req.TaskID]++
	cycle := r.cycles[req.TaskID]
	r.mu.Unlock()

	finished := cycle >= r.cyclesToFinish
	output := fmt.Sprintf("Cycle %d of task %s done.", cycle, req.TaskID)
	if finished {
		output = fmt.Sprintf("Goal %q achieved after %d cycles.", req.Goal, cycle)
	}

	messages := req.Messages
	if len(messages) == 0 {
		messages = append(messages, model.Message{Role: "user", Content: req.Goal})
	}
	messages = append(messages, model.Message{Role: "assistant", Content: output})

	tokenInput := r.tokensPerCycle * 6 / 10
	tokenOutput := r.tokensPerCycle - tokenInput

	r.logger.Debugf("Fake cycle %d for task %s (finished: %t)", cycle, req.TaskID, finished)

	return &engine.CycleResult{
		Finished:    finished,
		OutputText:  output,
		Messages:    messages,
		StepsUsed:   req.StepBudget,
		TokenInput:  tokenInput,
		TokenOutput: tokenOutput,
		TokenTotal:  tokenInput + tokenOutput,
		Duration:    5 * time.Millisecond,
	}, nil
}
