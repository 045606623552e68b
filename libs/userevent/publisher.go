package userevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/usernotify/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

var ErrPublishFailed = errors.New("user event publish failed")

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type PublisherConfig struct {
	Topic string
	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

type Publisher struct {
	writer MessageWriter
	logger *slog.Logger
	topic  string
	now    func() time.Time
	newID  func() string
}

func NewPublisher(writer MessageWriter, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Publisher{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
}

// Publish writes one message keyed by the event's email. It returns once the
// broker client accepted the write; delivery to consumers is not awaited.
// The event is not revalidated: producers guarantee a non-empty email.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = p.now().UTC()
	}

	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("user event serialize: %w", errors.Join(ErrPublishFailed, err))
	}

	meta := kafkax.EventMeta{EventID: p.newID(), EventType: string(evt.Type)}
	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(evt.Key()),
		Value:   value,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
	}

	p.logger.Info("publishing user event", "event_type", evt.Type, "email", evt.Email, "event_id", meta.EventID)
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("user event write to %q: %w", p.topic, errors.Join(ErrPublishFailed, err))
	}
	return nil
}
