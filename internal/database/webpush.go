package database

import (
	"context"
	"fmt"

	"github.com/commgate/commgate/internal/database/models"
)

// webPushRepo implements WebPushRepository.
type webPushRepo struct {
	db *DB
}

// NewWebPushRepository creates a new WebPushRepository.
func NewWebPushRepository(db *DB) WebPushRepository {
	return &webPushRepo{db: db}
}

// Upsert registers a browser push subscription keyed by endpoint.
func (r *webPushRepo) Upsert(ctx context.Context, sub *models.WebPushSubscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webpush_subscriptions (endpoint, user_id, p256dh, auth)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   user_id = excluded.user_id,
		   p256dh = excluded.p256dh,
		   auth = excluded.auth`,
		sub.Endpoint, sub.UserID, sub.P256DH, sub.Auth,
	)
	if err != nil {
		return fmt.Errorf("upserting webpush subscription: %w", err)
	}
	return nil
}

// ListByUser returns all subscriptions for a user.
func (r *webPushRepo) ListByUser(ctx context.Context, userID int64) ([]models.WebPushSubscription, error) {
	return r.list(ctx,
		`SELECT endpoint, user_id, p256dh, auth, created_at
		 FROM webpush_subscriptions WHERE user_id = ?`, userID)
}

// ListAll returns every subscription.
func (r *webPushRepo) ListAll(ctx context.Context) ([]models.WebPushSubscription, error) {
	return r.list(ctx,
		`SELECT endpoint, user_id, p256dh, auth, created_at
		 FROM webpush_subscriptions`)
}

// DeleteByEndpoint removes a subscription, typically after the push
// service answers 404 or 410 for its endpoint.
func (r *webPushRepo) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM webpush_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("deleting webpush subscription: %w", err)
	}
	return nil
}

func (r *webPushRepo) list(ctx context.Context, query string, args ...any) ([]models.WebPushSubscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing webpush subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebPushSubscription
	for rows.Next() {
		var s models.WebPushSubscription
		if err := rows.Scan(&s.Endpoint, &s.UserID, &s.P256DH, &s.Auth, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning webpush row: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
