package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/usernotify/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one message. It owns its failures; the consumer commits
// the message once Handler returns.
type Handler func(ctx context.Context, msg kafka.Message)

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Inbox records processed event ids; Record reports false for a duplicate.
type Inbox interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
}

type Config struct {
	// BacklogWarn logs a warning each time a partition's queued backlog grows
	// by this many messages.
	BacklogWarn int
	// RetryBackoff is the pause after a failed fetch.
	RetryBackoff time.Duration
}

// Consumer fetches from a group reader and hands each partition's messages
// to a dedicated worker, so order holds per key while partitions proceed in
// parallel.
type Consumer struct {
	reader  MessageReader
	logger  *slog.Logger
	inbox   Inbox
	handler Handler
	cfg     Config
}

// New builds a consumer. inbox may be nil, which disables dedupe.
func New(reader MessageReader, logger *slog.Logger, inbox Inbox, handler Handler, cfg Config) *Consumer {
	if cfg.BacklogWarn <= 0 {
		cfg.BacklogWarn = 256
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Consumer{
		reader:  reader,
		logger:  logger,
		inbox:   inbox,
		handler: handler,
		cfg:     cfg,
	}
}

// Run blocks until ctx is done or the reader is closed. On return every
// in-flight message has finished and the reader is closed; messages still
// queued are left uncommitted for redelivery.
//
// The fetch loop never waits on a worker: each partition queues without
// bound, so a stuck partition only delays itself.
func (c *Consumer) Run(ctx context.Context) {
	lanes := map[int]*lane{}
	var wg sync.WaitGroup
	defer func() {
		for _, l := range lanes {
			l.close()
		}
		wg.Wait()
		if err := c.reader.Close(); err != nil {
			c.logger.Error("kafka reader close failed", "err", err)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.RetryBackoff):
			}
			continue
		}

		l, ok := lanes[msg.Partition]
		if !ok {
			l = newLane()
			lanes[msg.Partition] = l
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.work(ctx, l)
			}()
		}

		if backlog := l.push(msg); backlog%c.cfg.BacklogWarn == 0 {
			c.logger.Warn("partition backlog growing", "partition", msg.Partition, "queued", backlog)
		}
	}
}

func (c *Consumer) work(ctx context.Context, l *lane) {
	// A message already taken off the lane runs to completion even during
	// shutdown, so it is not half-sent and then redelivered.
	processCtx := context.WithoutCancel(ctx)
	for {
		msg, ok := l.pop()
		if !ok || ctx.Err() != nil {
			return
		}
		c.process(processCtx, msg)
	}
}

// lane is an unbounded FIFO feeding one partition worker.
type lane struct {
	mu      sync.Mutex
	pending []kafka.Message
	closed  bool
	ready   chan struct{}
}

func newLane() *lane {
	return &lane{ready: make(chan struct{}, 1)}
}

// push queues msg and returns the backlog length.
func (l *lane) push(msg kafka.Message) int {
	l.mu.Lock()
	l.pending = append(l.pending, msg)
	n := len(l.pending)
	l.mu.Unlock()
	l.signal()
	return n
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// pop blocks for the next message. It reports false once the lane is closed;
// anything still pending then is dropped uncommitted.
func (l *lane) pop() (kafka.Message, bool) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return kafka.Message{}, false
		}
		if len(l.pending) > 0 {
			msg := l.pending[0]
			l.pending[0] = kafka.Message{}
			l.pending = l.pending[1:]
			l.mu.Unlock()
			return msg, true
		}
		l.mu.Unlock()
		<-l.ready
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	if c.inbox != nil {
		ok, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
		switch {
		case err != nil:
			// Dedupe is best effort; a missed notification is worse than a repeated one.
			c.logger.Error("inbox record failed, handling without dedupe", "err", err, "event_id", meta.EventID)
			span.RecordError(err)
		case !ok:
			c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
			c.commit(ctxSpan, msg)
			return
		}
	}

	c.handler(ctxSpan, msg)
	c.commit(ctxSpan, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("kafka commit failed", "err", err, "partition", msg.Partition, "offset", msg.Offset)
	}
}
