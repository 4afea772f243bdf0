package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// Queue names, segregated by purpose.
const (
	// QueueCycles carries agent-cycle execution jobs.
	QueueCycles = "cycles"
	// QueueMaintenance carries credential/connector sync jobs.
	QueueMaintenance = "maintenance"
	// QueueCleanup carries low-priority retention jobs.
	QueueCleanup = "cleanup"
)

// Job names.
const (
	// JobCycleExecute advances one task by one cycle.
	JobCycleExecute = "cycle.execute"
	// JobCredentialSync verifies the configured credential slots.
	JobCredentialSync = "credentials.sync"
	// JobTaskCleanup removes terminal tasks past the retention window.
	JobTaskCleanup = "tasks.cleanup"
)

// Job is the envelope submitted to the broker.
type Job struct {
	Name       string         `json:"name"`
	TaskID     string         `json:"task_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// QueueFor routes a job name to its queue.
func QueueFor(jobName string) (string, error) {
	switch jobName {
	case JobCycleExecute:
		return QueueCycles, nil
	case JobCredentialSync:
		return QueueMaintenance, nil
	case JobTaskCleanup:
		return QueueCleanup, nil
	}
	return "", fmt.Errorf("unknown job name %q", jobName)
}

// Marshal encodes the job envelope.
func (j Job) Marshal() ([]byte, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("could not marshal job: %w", err)
	}
	return raw, nil
}

// UnmarshalJob decodes a job envelope.
func UnmarshalJob(raw []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, fmt.Errorf("could not unmarshal job: %w", err)
	}
	if j.Name == "" {
		return Job{}, fmt.Errorf("job name is required")
	}
	return j, nil
}

// RetryPolicy is a bounded exponential backoff description.
type RetryPolicy struct {
	// MaxAttempts bounds the total delivery attempts, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Jitter randomizes the delay to spread synchronized retries.
	Jitter bool
}

// CycleRetryPolicy retries cycle-execution jobs on any failure with
// exponential backoff plus jitter.
var CycleRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   60 * time.Second,
	MaxDelay:    600 * time.Second,
	Jitter:      true,
}

// SubtaskRetryPolicy retries lightweight maintenance jobs with deterministic
// exponential backoff.
var SubtaskRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   60 * time.Second,
	MaxDelay:    3600 * time.Second,
	Jitter:      false,
}

// Exhausted returns true when the given 1-based attempt was the last one
// allowed by the policy.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the backoff after the given 1-based failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter && d > 0 {
		// Half fixed, half random. Keeps a lower bound so retries never
		// hammer immediately while still spreading them out.
		half := d / 2
		d = half + rand.N(half+1)
	}

	return d
}

// Delivery is one received job with its acknowledgement controls. A job is
// consumed only after Ack or Term (late ack): a worker crash mid-execution
// causes redelivery.
type Delivery interface {
	Job() Job
	// Attempt is the 1-based delivery count of this job.
	Attempt() int
	// Ack marks the job consumed.
	Ack() error
	// Retry schedules a redelivery after the delay.
	Retry(delay time.Duration) error
	// Term marks the job consumed without success, no more redeliveries.
	Term() error
}

// Handler processes one delivery. It is responsible for calling exactly one
// of Ack, Retry or Term.
type Handler func(ctx context.Context, d Delivery)

// Broker is a durable at-least-once delivery channel with named queues.
type Broker interface {
	Enqueue(ctx context.Context, queue string, job Job) error
	// Subscribe starts delivering the queue's jobs to the handler until the
	// returned stop function is called.
	Subscribe(ctx context.Context, queue string, h Handler) (stop func(), err error)
}
