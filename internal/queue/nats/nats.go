// Package nats implements queue.Broker on NATS JetStream. Each queue is
// backed by its own work-queue stream with a durable explicit-ack consumer,
// which gives late acknowledgement and broker-side redelivery.
package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/opma4940-coder/mkh-Manus/internal/log"
	"github.com/opma4940-coder/mkh-Manus/internal/queue"
)

// BrokerConfig is the configuration of the JetStream broker.
type BrokerConfig struct {
	// URL is the NATS server address.
	URL string
	// StreamPrefix namespaces the streams and subjects.
	StreamPrefix string
	// AckWait is how long a delivery may stay unacknowledged before the
	// server redelivers it.
	AckWait time.Duration
	Logger  log.Logger
}

func (c *BrokerConfig) defaults() error {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamPrefix == "" {
		c.StreamPrefix = "MANUS"
	}
	if c.AckWait == 0 {
		c.AckWait = 45 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "queue.nats.Broker"})

	return nil
}

// Broker is a queue.Broker on NATS JetStream.
type Broker struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	prefix  string
	ackWait time.Duration
	logger  log.Logger
}

// NewBroker connects to NATS and prepares the JetStream context. Streams are
// created lazily per queue.
func NewBroker(ctx context.Context, config BrokerConfig) (*Broker, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	conn, err := nats.Connect(config.URL,
		nats.Name("manusd"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("could not connect to nats at %s: %w", config.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not create jetstream context: %w", err)
	}

	return &Broker{
		conn:    conn,
		js:      js,
		prefix:  config.StreamPrefix,
		ackWait: config.AckWait,
		logger:  config.Logger,
	}, nil
}

// Close drains the connection.
func (b *Broker) Close() error {
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("could not drain nats connection: %w", err)
	}
	return nil
}

func (b *Broker) streamName(queueName string) string {
	return fmt.Sprintf("%s_%s", b.prefix, strings.ToUpper(queueName))
}

func (b *Broker) subject(queueName string) string {
	return fmt.Sprintf("%s.jobs.%s", strings.ToLower(b.prefix), queueName)
}

func (b *Broker) ensureStream(ctx context.Context, queueName string) (jetstream.Stream, error) {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.streamName(queueName),
		Subjects:  []string{b.subject(queueName)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("could not ensure stream for queue %q: %w", queueName, err)
	}
	return stream, nil
}

// Enqueue implements queue.Broker.
func (b *Broker) Enqueue(ctx context.Context, queueName string, job queue.Job) error {
	if _, err := b.ensureStream(ctx, queueName); err != nil {
		return err
	}

	raw, err := job.Marshal()
	if err != nil {
		return err
	}

	_, err = b.js.Publish(ctx, b.subject(queueName), raw)
	if err != nil {
		return fmt.Errorf("could not publish job to queue %q: %w", queueName, err)
	}

	return nil
}

// Subscribe implements queue.Broker.
func (b *Broker) Subscribe(ctx context.Context, queueName string, h queue.Handler) (func(), error) {
	stream, err := b.ensureStream(ctx, queueName)
	if err != nil {
		return nil, err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   fmt.Sprintf("%s-workers", queueName),
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   b.ackWait,
		// Redelivery attempts are bounded by the retry policies, not the
		// server.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("could not ensure consumer for queue %q: %w", queueName, err)
	}

	logger := b.logger.WithValues(log.Kv{"queue": queueName})
	consCtx, err := cons.Consume(func(msg jetstream.Msg) {
		job, err := queue.UnmarshalJob(msg.Data())
		if err != nil {
			logger.Errorf("dropping malformed job: %s", err)
			_ = msg.Term()
			return
		}

		h(ctx, &delivery{msg: msg, job: job})
	})
	if err != nil {
		return nil, fmt.Errorf("could not consume queue %q: %w", queueName, err)
	}

	return consCtx.Stop, nil
}

type delivery struct {
	msg jetstream.Msg
	job queue.Job
}

func (d *delivery) Job() queue.Job { return d.job }

func (d *delivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *delivery) Ack() error { return d.msg.Ack() }

func (d *delivery) Retry(delay time.Duration) error { return d.msg.NakWithDelay(delay) }

func (d *delivery) Term() error { return d.msg.Term() }

var _ queue.Broker = &Broker{}
