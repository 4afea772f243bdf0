package credentials

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
)

// PoolConfig is the configuration for the credential pool.
type PoolConfig struct {
	Logger log.Logger
}

func (c *PoolConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "credentials.Pool"})
	return nil
}

// Pool spreads a small set of named credentials across the task population:
// a task keeps its assignment for as long as the credential stays available
// (external session continuity), new tasks are assigned round-robin.
//
// State is process-local and in-memory. After a restart assignments are
// recomputed, which only affects load balance, never correctness.
type Pool struct {
	mu       sync.Mutex
	assigned map[string]string
	counter  int
	logger   log.Logger
}

// NewPool creates a new credential pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Pool{
		assigned: map[string]string{},
		logger:   cfg.Logger,
	}, nil
}

// Assign returns the credential slot for the task. Sticky when the previous
// assignment is still in the available set, otherwise the next round-robin
// pick. Returns false only when available is empty.
//
// The shared counter advances per distinct task needing an assignment, not
// per cycle of the same task.
func (p *Pool) Assign(taskID string, available []string) (string, bool) {
	if len(available) == 0 {
		return "", false
	}

	// Stable pick order regardless of how the caller resolved the set.
	slots := make([]string, len(available))
	copy(slots, available)
	sort.Strings(slots)

	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.assigned[taskID]; ok {
		for _, slot := range slots {
			if slot == current {
				return current, true
			}
		}
	}

	slot := slots[p.counter%len(slots)]
	p.assigned[taskID] = slot
	p.counter++

	p.logger.Debugf("Assigned credential %s to task %s", slot, taskID)
	return slot, true
}

// Release discards the task's sticky assignment. Called when the task
// reaches a terminal status.
func (p *Pool) Release(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.assigned, taskID)
}
