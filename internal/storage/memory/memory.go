package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/model"
	"github.com/opma4940-coder/mkh-Manus/internal/storage"
)

// RepositoryConfig is the configuration for the in-memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.TaskRepository and
// storage.SettingRepository. Used on tests and local development.
type Repository struct {
	mu       sync.Mutex
	tasks    map[string]*model.Task
	events   map[string][]model.Event
	settings map[string]string
	logger   log.Logger
}

// NewRepository creates a new in-memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:    map[string]*model.Task{},
		events:   map[string][]model.Event{},
		settings: map[string]string{},
		logger:   cfg.Logger,
	}, nil
}

// CreateTask creates a new task and its initial queued event.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	t.Status = model.TaskStatusQueued
	if t.StepsEstimate <= 0 {
		t.StepsEstimate = model.DefaultStepsEstimate
	}

	t.State = cloneState(t.State)
	r.tasks[t.ID] = &t
	r.appendEventLocked(t.ID, storage.NewEvent{
		Level:   model.EventLevelInfo,
		Type:    model.EventTypeTaskQueued,
		Message: "Task queued.",
	})

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	copy := cloneTask(t)
	return &copy, nil
}

// cloneTask snapshots a task including its state document, so callers never
// share slice or map backing with the stored task.
func cloneTask(t *model.Task) model.Task {
	c := *t
	c.State = cloneState(t.State)
	return c
}

func cloneState(s model.TaskState) model.TaskState {
	c := s
	if s.Messages != nil {
		c.Messages = make([]model.Message, len(s.Messages))
		for i, m := range s.Messages {
			c.Messages[i] = m
			c.Messages[i].Extra = cloneData(m.Extra)
		}
	}
	if s.Checkpoints != nil {
		c.Checkpoints = append([]model.Checkpoint{}, s.Checkpoints...)
	}
	return c
}

func cloneData(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	c := make(map[string]any, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// ListTasks returns tasks ordered by creation time descending.
func (r *Repository) ListTasks(ctx context.Context, limit int) ([]model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, cloneTask(t))
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})

	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// UpdateTask merges the non-nil fields of the update into the task and
// appends the companion events atomically.
func (r *Repository) UpdateTask(ctx context.Context, id string, update storage.TaskUpdate, events ...storage.NewEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.LastError != nil {
		t.LastError = *update.LastError
	}
	if update.Progress != nil {
		t.Progress = *update.Progress
	}
	if update.ElapsedSeconds != nil {
		t.ElapsedSeconds = *update.ElapsedSeconds
	}
	if update.EtaSeconds != nil {
		t.EtaSeconds = *update.EtaSeconds
	}
	if update.StepsDone != nil {
		t.StepsDone = *update.StepsDone
	}
	if update.StepsEstimate != nil {
		t.StepsEstimate = *update.StepsEstimate
	}
	if update.TokenInput != nil {
		t.TokenInput = *update.TokenInput
	}
	if update.TokenOutput != nil {
		t.TokenOutput = *update.TokenOutput
	}
	if update.TokenTotal != nil {
		t.TokenTotal = *update.TokenTotal
	}
	if update.State != nil {
		t.State = cloneState(*update.State)
	}
	if update.StartedAt != nil {
		ts := *update.StartedAt
		t.StartedAt = &ts
	}
	if update.CompletedAt != nil {
		ts := *update.CompletedAt
		t.CompletedAt = &ts
	}
	t.UpdatedAt = time.Now().UTC()

	for _, ev := range events {
		r.appendEventLocked(id, ev)
	}

	r.logger.Debugf("Updated task in repository: %s", id)
	return nil
}

// SetTaskState replaces the opaque conversation/checkpoint document.
func (r *Repository) SetTaskState(ctx context.Context, id string, state model.TaskState) error {
	return r.UpdateTask(ctx, id, storage.TaskUpdate{State: &state})
}

// RequestCancel marks the task for cooperative cancellation.
func (r *Repository) RequestCancel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	t.CancelRequested = true
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendEvent appends an event assigning the next per-task sequence number.
func (r *Repository) AppendEvent(ctx context.Context, taskID string, ev storage.NewEvent) (*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[taskID]; !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}

	event := r.appendEventLocked(taskID, ev)
	return &event, nil
}

func (r *Repository) appendEventLocked(taskID string, ev storage.NewEvent) model.Event {
	seq := int64(len(r.events[taskID]) + 1)
	event := model.Event{
		TaskID:  taskID,
		Seq:     seq,
		TS:      time.Now().UTC(),
		Level:   ev.Level,
		Type:    ev.Type,
		Message: ev.Message,
		Data:    cloneData(ev.Data),
	}
	r.events[taskID] = append(r.events[taskID], event)
	return event
}

// ListEvents returns task events with seq greater than afterSeq, ascending.
func (r *Repository) ListEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []model.Event
	for _, ev := range r.events[taskID] {
		if ev.Seq > afterSeq {
			ev.Data = cloneData(ev.Data)
			events = append(events, ev)
		}
		if limit > 0 && len(events) >= limit {
			break
		}
	}

	return events, nil
}

// ClaimNextRunnable claims the single best runnable task for owner.
func (r *Repository) ClaimNextRunnable(ctx context.Context, owner string, lease time.Duration) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	var best *model.Task
	for _, t := range r.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if t.ClaimedUntil != nil && t.ClaimedUntil.After(now) {
			continue
		}
		if best == nil || lessRunnable(t, best) {
			best = t
		}
	}

	if best == nil {
		return nil, nil
	}

	return r.claimLocked(best, owner, now, lease), nil
}

// lessRunnable reports whether a should be picked before b.
func lessRunnable(a, b *model.Task) bool {
	if a.CancelRequested != b.CancelRequested {
		return a.CancelRequested
	}
	aQueued := a.Status == model.TaskStatusQueued
	bQueued := b.Status == model.TaskStatusQueued
	if aQueued != bQueued {
		return aQueued
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ClaimTask claims one specific task.
func (r *Repository) ClaimTask(ctx context.Context, id, owner string, lease time.Duration) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return nil, nil
	}

	now := time.Now().UTC()
	if t.ClaimedUntil != nil && t.ClaimedUntil.After(now) && t.ClaimedBy != owner {
		return nil, nil
	}

	return r.claimLocked(t, owner, now, lease), nil
}

func (r *Repository) claimLocked(t *model.Task, owner string, now time.Time, lease time.Duration) *model.Task {
	until := now.Add(lease)
	t.ClaimedBy = owner
	t.ClaimedUntil = &until

	copy := cloneTask(t)
	r.logger.Debugf("Claimed task %s for %s", t.ID, owner)
	return &copy
}

// ReleaseClaim releases the lease if still held by owner.
func (r *Repository) ReleaseClaim(ctx context.Context, id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil
	}
	if t.ClaimedBy != owner {
		return nil
	}

	t.ClaimedBy = ""
	t.ClaimedUntil = nil
	return nil
}

// DeleteTerminalTasksBefore removes terminal tasks last updated before cutoff.
func (r *Repository) DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, t := range r.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			delete(r.events, id)
			deleted++
		}
	}

	return deleted, nil
}

// SetSetting stores a setting value.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting key is required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.settings[key] = value
	return nil
}

// GetSetting retrieves a setting value by key.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, ok := r.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, model.ErrNotFound)
	}

	return value, nil
}
