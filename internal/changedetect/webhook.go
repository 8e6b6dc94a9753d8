package changedetect

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

// Notification is the payload handed over by whatever terminates the
// inbound webhook call.
type Notification struct {
	SubscriptionID string `json:"subscription_id"`
	CalendarID     string `json:"calendar_id"`
	EventID        string `json:"event_id"`
	ChangeType     string `json:"change_type"` // "created", "updated", "deleted"
}

// IngestResult reports what became of one notification.
type IngestResult struct {
	Accepted bool   `json:"accepted"`
	Queued   bool   `json:"queued"`
	Reason   string `json:"reason,omitempty"`
}

// IngestNotification validates an inbound change notification against the
// subscription table and, unless the change is self-originated, enqueues
// a deletion-check task. The remote API is never called inline for the
// resolution itself, so notification bursts do not serialize on it.
func (e *Engine) IngestNotification(ctx context.Context, n Notification) (*IngestResult, error) {
	if n.CalendarID == "" || n.EventID == "" {
		return nil, fmt.Errorf("notification missing calendar_id or event_id")
	}

	sub, err := e.lookupSubscription(ctx, n)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &IngestResult{Accepted: false, Reason: "unknown subscription"}, nil
	}
	if sub.Expired(time.Now().UTC()) {
		return &IngestResult{Accepted: false, Reason: "subscription expired"}, nil
	}

	if err := e.subs.IncrementNotificationCount(ctx, sub.ID); err != nil {
		log.Printf("Failed to count notification on %s: %v", sub.SubscriptionID, err)
	}

	// Loop prevention: if the event is fetchable and carries our
	// provenance tag, this notification is the echo of our own write.
	if n.ChangeType != "deleted" {
		if ev, err := e.remote.GetEvent(ctx, n.CalendarID, n.EventID); err == nil && ev.Provenance != nil {
			return &IngestResult{Accepted: true, Queued: false, Reason: "self-originated"}, nil
		}
	}

	task := &models.DeletionCheckTask{
		BridgeName: e.remote.Name(),
		CalendarID: n.CalendarID,
		EventID:    n.EventID,
		ChangeType: n.ChangeType,
	}
	if err := e.tasks.Enqueue(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueueing change task: %w", err)
	}
	return &IngestResult{Accepted: true, Queued: true}, nil
}

func (e *Engine) lookupSubscription(ctx context.Context, n Notification) (*models.WebhookSubscription, error) {
	if n.SubscriptionID != "" {
		return e.subs.GetBySubscriptionID(ctx, n.SubscriptionID)
	}
	return e.subs.GetByCalendar(ctx, e.remote.Name(), n.CalendarID)
}

// EnsureSubscription creates or renews the webhook subscription for a
// calendar, honoring ttl and skipping bridges without webhook support.
func (e *Engine) EnsureSubscription(ctx context.Context, calendarID, callbackURL string, ttl time.Duration) error {
	if !e.remote.Capabilities().SupportsWebhooks {
		return nil
	}

	existing, err := e.subs.GetByCalendar(ctx, e.remote.Name(), calendarID)
	if err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(ttl)

	subscriptionID, err := e.remote.SubscribeToChanges(ctx, calendarID, callbackURL)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", calendarID, err)
	}

	if existing != nil {
		if err := e.remote.UnsubscribeFromChanges(ctx, existing.SubscriptionID); err != nil {
			log.Printf("Failed to drop superseded subscription %s: %v", existing.SubscriptionID, err)
		}
		return e.subs.Renew(ctx, existing.ID, subscriptionID, expiresAt)
	}

	return e.subs.Create(ctx, &models.WebhookSubscription{
		SubscriptionID: subscriptionID,
		BridgeName:     e.remote.Name(),
		CalendarID:     calendarID,
		ExpiresAt:      expiresAt,
	})
}

// RenewExpiring re-subscribes every subscription expiring within lead.
func (e *Engine) RenewExpiring(ctx context.Context, callbackURL string, ttl, lead time.Duration) error {
	cutoff := time.Now().UTC().Add(lead)
	expiring, err := e.subs.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, sub := range expiring {
		if sub.BridgeName != e.remote.Name() {
			continue
		}
		if err := e.EnsureSubscription(ctx, sub.CalendarID, callbackURL, ttl); err != nil {
			log.Printf("Failed to renew subscription for %s: %v", sub.CalendarID, err)
		}
	}
	return nil
}
