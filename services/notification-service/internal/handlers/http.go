package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/notify"
)

// DefaultUserName is used when a lifecycle request carries no userName.
const DefaultUserName = "Пользователь"

type Dispatcher interface {
	SendRaw(ctx context.Context, to, subject, body string) notify.Result
	SendAccountCreated(ctx context.Context, to, userName string) notify.Result
	SendAccountDeleted(ctx context.Context, to, userName string) notify.Result
}

type NotificationHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewNotificationHandler(dispatcher Dispatcher, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{dispatcher: dispatcher, logger: logger}
}

// Register mounts the notification endpoints on mux.
func (h *NotificationHandler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("/api/notifications/email", wrap(http.HandlerFunc(h.SendEmail)))
	mux.Handle("/api/notifications/email/user-created", wrap(http.HandlerFunc(h.UserCreated)))
	mux.Handle("/api/notifications/email/user-deleted", wrap(http.HandlerFunc(h.UserDeleted)))
}

type sendEmailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

func (h *NotificationHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Subject) == "" || req.Content == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	if _, err := mail.ParseAddress(req.To); err != nil {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
		return
	}

	h.dispatcher.SendRaw(sendContext(r), req.To, req.Subject, req.Content)
	w.WriteHeader(http.StatusAccepted)
}

func (h *NotificationHandler) UserCreated(w http.ResponseWriter, r *http.Request) {
	to, userName, ok := lifecycleParams(w, r)
	if !ok {
		return
	}
	h.dispatcher.SendAccountCreated(sendContext(r), to, userName)
	w.WriteHeader(http.StatusAccepted)
}

func (h *NotificationHandler) UserDeleted(w http.ResponseWriter, r *http.Request) {
	to, userName, ok := lifecycleParams(w, r)
	if !ok {
		return
	}
	h.dispatcher.SendAccountDeleted(sendContext(r), to, userName)
	w.WriteHeader(http.StatusAccepted)
}

func lifecycleParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", "", false
	}
	q := r.URL.Query()
	to := strings.TrimSpace(q.Get("email"))
	if to == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return "", "", false
	}
	userName := strings.TrimSpace(q.Get("userName"))
	if userName == "" {
		userName = DefaultUserName
	}
	return to, userName, true
}

// sendContext detaches the send from the request: a client that hangs up
// must not abort a send already handed to the transport. The outcome is
// dropped or sent on the server side only; callers always get 202.
func sendContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
