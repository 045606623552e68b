package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/usernotify/libs/breaker"
	"github.com/md-rashed-zaman/usernotify/libs/userevent"
	"github.com/md-rashed-zaman/usernotify/services/user-service/internal/storage"
)

type UserStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, user *storage.User) error
	DeleteTx(ctx context.Context, tx pgx.Tx, id int64) (storage.User, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, evt userevent.Event) error
}

// UsersHandler publishes a lifecycle event inside the same transaction as the
// row change: the row is committed only once the broker accepted the event.
// Publishing goes through a breaker so a dead broker fails requests fast.
type UsersHandler struct {
	users     UserStore
	publisher EventPublisher
	breaker   *breaker.Breaker
	logger    *slog.Logger
}

func NewUsersHandler(users UserStore, publisher EventPublisher, b *breaker.Breaker, logger *slog.Logger) *UsersHandler {
	return &UsersHandler{users: users, publisher: publisher, breaker: b, logger: logger}
}

func (h *UsersHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/users", h.Create)
	mux.HandleFunc("DELETE /api/v1/users/{id}", h.Delete)
}

type createUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type userResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	user := storage.User{
		Email: strings.TrimSpace(req.Email),
		Name:  strings.TrimSpace(req.Name),
	}
	if user.Email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.users.Begin(ctx)
	if err != nil {
		http.Error(w, "failed to start transaction", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.users.CreateTx(ctx, tx, &user); err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			http.Error(w, "email already registered", http.StatusConflict)
			return
		}
		h.logger.Error("create user failed", "err", err)
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	if !h.publish(w, r, userevent.NewCreated(user.ID, user.Email, user.Name)) {
		return
	}

	if err := tx.Commit(ctx); err != nil {
		h.logger.Error("commit failed after publish", "err", err, "user_id", user.ID)
		http.Error(w, "failed to commit transaction", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(userResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.users.Begin(ctx)
	if err != nil {
		http.Error(w, "failed to start transaction", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	user, err := h.users.DeleteTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		h.logger.Error("delete user failed", "err", err, "user_id", id)
		http.Error(w, "failed to delete user", http.StatusInternalServerError)
		return
	}

	if !h.publish(w, r, userevent.NewDeleted(user.ID, user.Email, user.Name)) {
		return
	}

	if err := tx.Commit(ctx); err != nil {
		h.logger.Error("commit failed after publish", "err", err, "user_id", id)
		http.Error(w, "failed to commit transaction", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publish writes the error response itself and reports whether to go on.
func (h *UsersHandler) publish(w http.ResponseWriter, r *http.Request, evt userevent.Event) bool {
	var err error
	published := breaker.Execute(r.Context(), h.breaker,
		func(ctx context.Context) (bool, error) {
			if err := h.publisher.Publish(ctx, evt); err != nil {
				return false, err
			}
			return true, nil
		},
		func(_ context.Context, cause error) bool {
			err = cause
			return false
		},
	)
	if published {
		return true
	}
	h.logger.Error("user event publish failed", "err", err, "event_type", evt.Type, "user_id", evt.UserID)
	switch {
	case errors.Is(err, breaker.ErrOpenState), errors.Is(err, breaker.ErrTooManyTrials):
		http.Error(w, "event broker unavailable (circuit open)", http.StatusServiceUnavailable)
	case errors.Is(err, userevent.ErrPublishFailed):
		http.Error(w, "event broker unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "event publish aborted", http.StatusServiceUnavailable)
	}
	return false
}
