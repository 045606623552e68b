// Package notify turns notification requests into guarded email sends.
//
// Every send goes through one circuit breaker. When the breaker is open or
// the transport fails the notification is dropped and recorded, never
// retried.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/usernotify/libs/breaker"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/email"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/metrics"
)

// BreakerName names the breaker guarding the email transport.
const BreakerName = "email-service"

type Kind string

const (
	KindRaw            Kind = "raw"
	KindAccountCreated Kind = "account_created"
	KindAccountDeleted Kind = "account_deleted"
)

type Result int

const (
	ResultDropped Result = iota
	ResultSent
)

func (r Result) String() string {
	if r == ResultSent {
		return "sent"
	}
	return "dropped"
}

// Drop reasons, as recorded in metrics and the delivery journal.
const (
	ReasonBreakerOpen     = "breaker_open"
	ReasonBreakerHalfOpen = "breaker_half_open"
	ReasonSendFailed      = "send_failed"
	ReasonCanceled        = "canceled"
	ReasonUnknown         = "unknown"
)

// Delivery is one journaled outcome.
type Delivery struct {
	Kind      Kind
	Recipient string
	Subject   string
	Status    string
	Reason    string
	Error     string
	At        time.Time
}

type Journal interface {
	Record(ctx context.Context, d Delivery) error
}

type Dispatcher struct {
	sender    email.Sender
	breaker   *breaker.Breaker
	templates Templates
	logger    *slog.Logger
	metrics   metrics.Recorder
	journal   Journal
	now       func() time.Time
}

// NewDispatcher wires a dispatcher. recorder and journal may be nil.
func NewDispatcher(sender email.Sender, b *breaker.Breaker, templates Templates, logger *slog.Logger, recorder metrics.Recorder, journal Journal) *Dispatcher {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Dispatcher{
		sender:    sender,
		breaker:   b,
		templates: templates,
		logger:    logger,
		metrics:   recorder,
		journal:   journal,
		now:       time.Now,
	}
}

func (d *Dispatcher) SendRaw(ctx context.Context, to, subject, body string) Result {
	return d.send(ctx, KindRaw, to, subject, body)
}

func (d *Dispatcher) SendAccountCreated(ctx context.Context, to, userName string) Result {
	d.logger.InfoContext(ctx, "account created notification", "email", to, "user_name", userName)
	t := d.templates.AccountCreated
	return d.send(ctx, KindAccountCreated, to, t.Subject, t.Body)
}

func (d *Dispatcher) SendAccountDeleted(ctx context.Context, to, userName string) Result {
	d.logger.InfoContext(ctx, "account deleted notification", "email", to, "user_name", userName)
	t := d.templates.AccountDeleted
	return d.send(ctx, KindAccountDeleted, to, t.Subject, t.Body)
}

func (d *Dispatcher) send(ctx context.Context, kind Kind, to, subject, body string) Result {
	var latency time.Duration
	res := breaker.Execute(ctx, d.breaker,
		func(ctx context.Context) (Result, error) {
			start := d.now()
			if err := d.sender.Send(ctx, to, subject, body); err != nil {
				return ResultDropped, err
			}
			latency = d.now().Sub(start)
			return ResultSent, nil
		},
		func(ctx context.Context, err error) Result {
			return d.Fallback(ctx, kind, to, subject, err)
		},
	)
	if res == ResultSent {
		d.logger.InfoContext(ctx, "email sent", "email", to, "kind", kind)
		d.metrics.NotificationSent(ctx, string(kind), latency)
		d.record(ctx, Delivery{Kind: kind, Recipient: to, Subject: subject, Status: "sent"})
	}
	return res
}

// Fallback drops the notification. It never panics and always returns
// ResultDropped, whatever it is given.
func (d *Dispatcher) Fallback(ctx context.Context, kind Kind, to, subject string, err error) (res Result) {
	res = ResultDropped
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "notification fallback panicked", "panic", r)
		}
	}()

	reason := dropReason(err)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		reason = ReasonCanceled
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	d.logger.WarnContext(ctx, "email notification dropped",
		"email", to,
		"kind", kind,
		"reason", reason,
		"err", errText,
	)
	d.metrics.NotificationDropped(ctx, string(kind), reason)
	d.record(ctx, Delivery{Kind: kind, Recipient: to, Subject: subject, Status: "dropped", Reason: reason, Error: errText})
	return res
}

func (d *Dispatcher) record(ctx context.Context, del Delivery) {
	if d.journal == nil {
		return
	}
	del.At = d.now().UTC()
	if err := d.journal.Record(context.WithoutCancel(ctx), del); err != nil {
		d.logger.ErrorContext(ctx, "delivery journal write failed", "err", err, "email", del.Recipient)
	}
}

func dropReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, breaker.ErrOpenState):
		return ReasonBreakerOpen
	case errors.Is(err, breaker.ErrTooManyTrials):
		return ReasonBreakerHalfOpen
	default:
		return ReasonSendFailed
	}
}
