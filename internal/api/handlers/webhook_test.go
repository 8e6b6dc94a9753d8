package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/calsync-bridge/backend/internal/bridge/bridgetest"
	"github.com/calsync-bridge/backend/internal/changedetect"
	"github.com/calsync-bridge/backend/internal/queue"
	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/storage/models"
)

func webhookRouter(t *testing.T) (*mux.Router, *storage.SubscriptionRepository) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	subs := storage.NewSubscriptionRepository(db)
	engine := changedetect.NewEngine(
		bridgetest.New("remote"),
		storage.NewChangeStateRepository(db),
		subs,
		storage.NewMappingRepository(db),
		queue.NewMemory(),
		changedetect.DefaultConfig(),
	)

	r := mux.NewRouter()
	r.HandleFunc("/api/webhooks/{bridge}", Webhook(map[string]*changedetect.Engine{"remote": engine})).Methods("POST")
	return r, subs
}

func TestWebhookValidationTokenEcho(t *testing.T) {
	r, _ := webhookRouter(t)

	req := httptest.NewRequest("POST", "/api/webhooks/remote?validationToken=abc123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %s, want text/plain", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "abc123" {
		t.Errorf("body = %q, want the token verbatim", body)
	}
}

func TestWebhookNotificationAccepted(t *testing.T) {
	r, subs := webhookRouter(t)

	sub := &models.WebhookSubscription{
		SubscriptionID: "sub-1",
		BridgeName:     "remote",
		CalendarID:     "cal-1",
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	}
	if err := subs.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create subscription: %v", err)
	}

	body := `{"subscription_id":"sub-1","calendar_id":"cal-1","event_id":"ev-1","change_type":"deleted"}`
	req := httptest.NewRequest("POST", "/api/webhooks/remote", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookUnknownBridge(t *testing.T) {
	r, _ := webhookRouter(t)

	req := httptest.NewRequest("POST", "/api/webhooks/nope?validationToken=x", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookMalformedBody(t *testing.T) {
	r, _ := webhookRouter(t)

	req := httptest.NewRequest("POST", "/api/webhooks/remote", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
