package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

const subscriptionColumns = `id, subscription_id, bridge_name, calendar_id, expires_at,
	notification_count, created_at, updated_at`

// SubscriptionRepository provides data access for webhook subscriptions.
type SubscriptionRepository struct {
	BaseRepository
}

// NewSubscriptionRepository creates a new subscription repository.
func NewSubscriptionRepository(db *DB) *SubscriptionRepository {
	return &SubscriptionRepository{BaseRepository: NewBaseRepository(db)}
}

// Create inserts a new subscription row.
func (r *SubscriptionRepository) Create(ctx context.Context, s *models.WebhookSubscription) error {
	s.ID = GenerateID()
	s.CreatedAt = r.Now()
	s.UpdatedAt = s.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.SubscriptionID, s.BridgeName, s.CalendarID, s.ExpiresAt,
		s.NotificationCount, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// GetBySubscriptionID retrieves a subscription by its remote id, or nil.
func (r *SubscriptionRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE subscription_id = ?
	`, subscriptionID)
	return scanSubscription(row)
}

// GetByCalendar retrieves the subscription covering a calendar, or nil.
func (r *SubscriptionRepository) GetByCalendar(ctx context.Context, bridgeName, calendarID string) (*models.WebhookSubscription, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE bridge_name = ? AND calendar_id = ?
		ORDER BY expires_at DESC LIMIT 1
	`, bridgeName, calendarID)
	return scanSubscription(row)
}

// ListExpiringBefore retrieves subscriptions that expire before the cutoff,
// for the renewal job.
func (r *SubscriptionRepository) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]models.WebhookSubscription, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE expires_at < ? ORDER BY expires_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		var s models.WebhookSubscription
		if err := scanSubscriptionFields(rows, &s); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// Renew replaces the remote subscription id and extends expiry.
func (r *SubscriptionRepository) Renew(ctx context.Context, id, newSubscriptionID string, expiresAt time.Time) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET subscription_id = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`, newSubscriptionID, expiresAt, r.Now(), id)
	if err != nil {
		return fmt.Errorf("renewing subscription: %w", err)
	}
	return nil
}

// IncrementNotificationCount bumps the delivery counter for one inbound
// notification.
func (r *SubscriptionRepository) IncrementNotificationCount(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET notification_count = notification_count + 1, updated_at = ?
		WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("incrementing notification count: %w", err)
	}
	return nil
}

// Delete removes a subscription row.
func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

func scanSubscriptionFields(s rowScanner, sub *models.WebhookSubscription) error {
	err := s.Scan(&sub.ID, &sub.SubscriptionID, &sub.BridgeName, &sub.CalendarID,
		&sub.ExpiresAt, &sub.NotificationCount, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("scanning subscription: %w", err)
	}
	return nil
}

func scanSubscription(row *sql.Row) (*models.WebhookSubscription, error) {
	sub := &models.WebhookSubscription{}
	err := row.Scan(&sub.ID, &sub.SubscriptionID, &sub.BridgeName, &sub.CalendarID,
		&sub.ExpiresAt, &sub.NotificationCount, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}
	return sub, nil
}
