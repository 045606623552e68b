package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/usernotify/libs/breaker"
	"github.com/md-rashed-zaman/usernotify/libs/userevent"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/notify"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op, to, userName string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []call
	panic bool
}

func (f *fakeNotifier) add(op, to, userName string) notify.Result {
	if f.panic {
		panic("notifier exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op, to, userName})
	return notify.ResultSent
}

func (f *fakeNotifier) SendAccountCreated(_ context.Context, to, userName string) notify.Result {
	return f.add("created", to, userName)
}

func (f *fakeNotifier) SendAccountDeleted(_ context.Context, to, userName string) notify.Result {
	return f.add("deleted", to, userName)
}

type countingRecorder struct {
	mu      sync.Mutex
	ignored []string
	dropped []string
}

func (r *countingRecorder) NotificationSent(context.Context, string, time.Duration) {}

func (r *countingRecorder) NotificationDropped(_ context.Context, kind, reason string) {
	r.mu.Lock()
	r.dropped = append(r.dropped, kind+"/"+reason)
	r.mu.Unlock()
}

func (r *countingRecorder) EventIgnored(_ context.Context, eventType string) {
	r.mu.Lock()
	r.ignored = append(r.ignored, eventType)
	r.mu.Unlock()
}

func (r *countingRecorder) BreakerTransition(context.Context, string, breaker.State, breaker.State) {}

func TestRouterDispatchesKnownTypes(t *testing.T) {
	n := &fakeNotifier{}
	r := NewRouter(n, testLogger(), nil)

	r.Handle(context.Background(), userevent.NewCreated(1, "a@x.com", "Ann"))
	r.Handle(context.Background(), userevent.NewDeleted(1, "a@x.com", "Ann"))

	assert.Equal(t, []call{
		{"created", "a@x.com", "Ann"},
		{"deleted", "a@x.com", "Ann"},
	}, n.calls)
}

func TestRouterIgnoresUnknownType(t *testing.T) {
	n := &fakeNotifier{}
	rec := &countingRecorder{}
	r := NewRouter(n, testLogger(), rec)

	assert.NotPanics(t, func() {
		r.Handle(context.Background(), userevent.Event{Type: "USER_RENAMED", Email: "c@x.com"})
		r.Handle(context.Background(), userevent.Event{})
	})

	assert.Empty(t, n.calls)
	assert.Equal(t, []string{"USER_RENAMED", ""}, rec.ignored)
}

func TestRouterContainsNotifierPanic(t *testing.T) {
	rec := &countingRecorder{}
	r := NewRouter(&fakeNotifier{panic: true}, testLogger(), rec)

	assert.NotPanics(t, func() {
		r.Handle(context.Background(), userevent.NewDeleted(1, "a@x.com", "Ann"))
	})
	assert.Equal(t, []string{"account_deleted/handler_panic"}, rec.dropped)
}

func TestHandleMessageDropsInvalidPayload(t *testing.T) {
	n := &fakeNotifier{}
	rec := &countingRecorder{}
	r := NewRouter(n, testLogger(), rec)

	r.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")})

	assert.Empty(t, n.calls)
	assert.Equal(t, []string{"unknown/invalid_payload"}, rec.dropped)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(_ context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+"|"+subject+"|"+body)
	return s.err
}

func newPipeline(t *testing.T, sender *recordingSender, rec *countingRecorder) *Router {
	t.Helper()
	tpl, err := notify.LoadTemplates()
	require.NoError(t, err)
	b := breaker.New(breaker.Settings{Name: notify.BreakerName, MinimumCalls: 3, FailureRateThreshold: 50})
	d := notify.NewDispatcher(sender, b, tpl, testLogger(), rec, nil)
	return NewRouter(d, testLogger(), rec)
}

func TestCreatedEventSendsWelcomeEmail(t *testing.T) {
	sender := &recordingSender{}
	r := newPipeline(t, sender, &countingRecorder{})

	r.HandleMessage(context.Background(), kafka.Message{
		Key:   []byte("a@x.com"),
		Value: []byte(`{"eventType":"USER_CREATED","email":"a@x.com","userName":"Ann","userId":1,"timestamp":"2026-01-02T03:04:05"}`),
	})

	assert.Equal(t, []string{
		"a@x.com|Аккаунт успешно создан|Здравствуйте! Ваш аккаунт на сайте localhost:8080/api/users был успешно создан.",
	}, sender.sent)
}

func TestRenamedEventSendsNothing(t *testing.T) {
	sender := &recordingSender{}
	rec := &countingRecorder{}
	r := newPipeline(t, sender, rec)

	r.HandleMessage(context.Background(), kafka.Message{
		Value: []byte(`{"eventType":"USER_RENAMED","email":"c@x.com","userName":"Cy","userId":3}`),
	})

	assert.Empty(t, sender.sent)
	assert.Empty(t, rec.dropped)
	assert.Equal(t, []string{"USER_RENAMED"}, rec.ignored)
}

func TestFailingTransportShortCircuitsFourthEvent(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp: connection refused")}
	rec := &countingRecorder{}
	r := newPipeline(t, sender, rec)

	for i := 0; i < 4; i++ {
		r.Handle(context.Background(), userevent.NewCreated(int64(i), "a@x.com", "Ann"))
	}

	assert.Len(t, sender.sent, 3)
	assert.Equal(t, []string{
		"account_created/send_failed",
		"account_created/send_failed",
		"account_created/send_failed",
		"account_created/breaker_open",
	}, rec.dropped)
}
