package storage

import (
	"context"

	"github.com/md-rashed-zaman/usernotify/libs/db"
	"github.com/md-rashed-zaman/usernotify/services/notification-service/internal/notify"
)

// DeliveryRepository journals every notification outcome.
type DeliveryRepository struct {
	pool *db.Pool
}

func NewDeliveryRepository(pool *db.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

func (r *DeliveryRepository) Record(ctx context.Context, d notify.Delivery) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_deliveries (kind, recipient, subject, status, reason, error, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
	`, string(d.Kind), d.Recipient, d.Subject, d.Status, d.Reason, d.Error, d.At)
	return err
}
