// Package memory implements an in-process queue.Broker used by tests and
// single-binary runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opma4940-coder/mkh-Manus/internal/queue"
)

const queueDepth = 1024

// Broker is an in-memory queue.Broker. Jobs live in process memory only, so
// durability is limited to the process lifetime.
type Broker struct {
	mu     sync.Mutex
	queues map[string]chan *delivery
	timers map[*time.Timer]struct{}
	closed bool
}

// NewBroker returns a ready in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		queues: map[string]chan *delivery{},
		timers: map[*time.Timer]struct{}{},
	}
}

func (b *Broker) queue(name string) chan *delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = make(chan *delivery, queueDepth)
		b.queues[name] = q
	}
	return q
}

// Enqueue implements queue.Broker.
func (b *Broker) Enqueue(_ context.Context, queueName string, job queue.Job) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("broker is closed")
	}

	d := &delivery{broker: b, queueName: queueName, job: job, attempt: 1}
	select {
	case b.queue(queueName) <- d:
		return nil
	default:
		return fmt.Errorf("queue %q is full", queueName)
	}
}

// Subscribe implements queue.Broker.
func (b *Broker) Subscribe(ctx context.Context, queueName string, h queue.Handler) (func(), error) {
	q := b.queue(queueName)
	subCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-subCtx.Done():
				return
			case d := <-q:
				h(subCtx, d)
			}
		}
	}()

	stop := func() {
		cancel()
		wg.Wait()
	}
	return stop, nil
}

// Close drops pending redeliveries.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
}

func (b *Broker) redeliver(d *delivery, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		select {
		case b.queue(d.queueName) <- d:
		default:
		}
	})
	b.timers[t] = struct{}{}
}

type delivery struct {
	broker    *Broker
	queueName string
	job       queue.Job
	attempt   int
}

func (d *delivery) Job() queue.Job { return d.job }
func (d *delivery) Attempt() int   { return d.attempt }
func (d *delivery) Ack() error     { return nil }
func (d *delivery) Term() error    { return nil }

func (d *delivery) Retry(delay time.Duration) error {
	next := &delivery{
		broker:    d.broker,
		queueName: d.queueName,
		job:       d.job,
		attempt:   d.attempt + 1,
	}
	d.broker.redeliver(next, delay)
	return nil
}

var _ queue.Broker = &Broker{}
