package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/usernotify/libs/db"
)

var (
	ErrNotFound       = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

type User struct {
	ID        int64
	Email     string
	Name      string
	CreatedAt time.Time
}

type UserRepository struct {
	pool *db.Pool
}

func NewUserRepository(pool *db.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts user and fills in its generated ID and CreatedAt.
func (r *UserRepository) CreateTx(ctx context.Context, tx pgx.Tx, user *User) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO users (email, name)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, user.Email, user.Name).Scan(&user.ID, &user.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

// DeleteTx removes the user and returns the deleted row.
func (r *UserRepository) DeleteTx(ctx context.Context, tx pgx.Tx, id int64) (User, error) {
	var user User
	err := tx.QueryRow(ctx, `
		DELETE FROM users
		WHERE id = $1
		RETURNING id, email, name, created_at
	`, id).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}
