package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/md-rashed-zaman/usernotify/libs/userevent"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/metrics"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/notify"
	"github.com/segmentio/kafka-go"
)

// Notifier is the part of notify.Dispatcher the router drives.
type Notifier interface {
	SendAccountCreated(ctx context.Context, to, userName string) notify.Result
	SendAccountDeleted(ctx context.Context, to, userName string) notify.Result
}

// Router maps user events to notifications. Nothing it is handed can make it
// fail: unknown types are ignored and panics are contained.
type Router struct {
	notifier Notifier
	logger   *slog.Logger
	metrics  metrics.Recorder
}

func NewRouter(notifier Notifier, logger *slog.Logger, recorder metrics.Recorder) *Router {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Router{notifier: notifier, logger: logger, metrics: recorder}
}

// HandleMessage decodes a Kafka record and routes it. It is the consumer's
// Handler.
func (r *Router) HandleMessage(ctx context.Context, msg kafka.Message) {
	var evt userevent.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		r.logger.ErrorContext(ctx, "invalid user event payload",
			"err", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		r.metrics.NotificationDropped(ctx, "unknown", "invalid_payload")
		return
	}
	r.Handle(ctx, evt)
}

func (r *Router) Handle(ctx context.Context, evt userevent.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "user event handling panicked",
				"event_type", evt.Type,
				"email", evt.Email,
				"panic", rec,
			)
			r.metrics.NotificationDropped(ctx, kindFor(evt.Type), "handler_panic")
		}
	}()

	r.logger.InfoContext(ctx, "received user event", "event_type", evt.Type, "email", evt.Email, "user_id", evt.UserID)

	switch evt.Type {
	case userevent.TypeCreated:
		r.notifier.SendAccountCreated(ctx, evt.Email, evt.UserName)
	case userevent.TypeDeleted:
		r.notifier.SendAccountDeleted(ctx, evt.Email, evt.UserName)
	default:
		r.logger.WarnContext(ctx, "unknown event type", "event_type", evt.Type, "email", evt.Email)
		r.metrics.EventIgnored(ctx, string(evt.Type))
	}
}

func kindFor(t userevent.Type) string {
	switch t {
	case userevent.TypeCreated:
		return string(notify.KindAccountCreated)
	case userevent.TypeDeleted:
		return string(notify.KindAccountDeleted)
	default:
		return "unknown"
	}
}
