package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LitBomb/meshcore-ha/pkg/auth"
	"github.com/LitBomb/meshcore-ha/pkg/config"
	"github.com/LitBomb/meshcore-ha/pkg/device"
	"github.com/LitBomb/meshcore-ha/pkg/flows"
	"github.com/LitBomb/meshcore-ha/pkg/models"
	"github.com/LitBomb/meshcore-ha/pkg/store"
)

func newTestRouter(t *testing.T, cfg config.Configuration) (*APIRouter, http.Handler) {
	t.Helper()

	storage, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { storage.Close() })

	cfg.Connection.Type = "tcp"
	cfg.Connection.TCP.Host = "127.0.0.1"
	mgr, err := device.New(device.Options{
		Connection: cfg.Connection,
		Stores:     storage,
	})
	if err != nil {
		t.Fatal(err)
	}

	ar := &APIRouter{
		Config:   cfg,
		Storage:  storage,
		Device:   mgr,
		Flows:    flows.NewManager(flows.Deps{}),
		Notifier: NewEventNotifier(),
	}
	return ar, ar.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusDisconnected(t *testing.T) {
	_, h := newTestRouter(t, config.Configuration{})

	w := doJSON(t, h, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["state"] != "disconnected" {
		t.Errorf("state = %v, want disconnected", resp["state"])
	}
	if _, ok := resp["node"]; ok {
		t.Error("node present without a session")
	}
}

func TestContactsWhileDisconnected(t *testing.T) {
	_, h := newTestRouter(t, config.Configuration{})

	w := doJSON(t, h, "GET", "/api/contacts", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestSubscriptionEndpoints(t *testing.T) {
	ar, h := newTestRouter(t, config.Configuration{})

	w := doJSON(t, h, "GET", "/api/subscriptions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var subs []models.RepeaterSubscription
	if err := json.Unmarshal(w.Body.Bytes(), &subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Fatalf("fresh store lists %d subscriptions", len(subs))
	}

	// Login requires a radio; while disconnected the add must 503
	// without touching the store.
	w = doJSON(t, h, "POST", "/api/subscriptions",
		`{"pubkey_prefix":"123456789abc","password":"hunter2"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("add status = %d, want 503", w.Code)
	}

	// Seed directly and exercise patch and delete.
	sub := &models.RepeaterSubscription{
		Name:         "Hilltop",
		PubkeyPrefix: "123456789abc",
		Enabled:      true,
	}
	if err := ar.Storage.Subscriptions.Add(context.Background(), sub); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, h, "PATCH", "/api/subscriptions/123456789abc", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", w.Code, w.Body.String())
	}
	var updated models.RepeaterSubscription
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Enabled {
		t.Error("Enabled still true after patch")
	}

	w = doJSON(t, h, "PATCH", "/api/subscriptions/123456789abc", `{"update_interval":0}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("patch interval=0 status = %d, want 400", w.Code)
	}

	w = doJSON(t, h, "PATCH", "/api/subscriptions/deadbeef0000", `{"enabled":true}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("patch missing status = %d, want 404", w.Code)
	}

	w = doJSON(t, h, "DELETE", "/api/subscriptions/123456789abc", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}
}

func TestSendMessageValidation(t *testing.T) {
	_, h := newTestRouter(t, config.Configuration{})

	w := doJSON(t, h, "POST", "/api/send-message", `{"text":"hello"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no destination status = %d, want 400", w.Code)
	}

	w = doJSON(t, h, "POST", "/api/send-message", `{"pubkey_prefix":"123456789abc"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no text status = %d, want 400", w.Code)
	}

	w = doJSON(t, h, "POST", "/api/send-message",
		`{"pubkey_prefix":"123456789abc","text":"hello"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("disconnected status = %d, want 503", w.Code)
	}
}

func TestFlowEndpoints(t *testing.T) {
	_, h := newTestRouter(t, config.Configuration{})

	w := doJSON(t, h, "POST", "/api/flows", `{"kind":"teleport"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind status = %d, want 400", w.Code)
	}

	w = doJSON(t, h, "POST", "/api/flows", `{"kind":"setup"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("begin status = %d, body = %s", w.Code, w.Body.String())
	}
	var st struct {
		ID   string `json:"id"`
		Step string `json:"step"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Step != "user" {
		t.Errorf("step = %q, want user", st.Step)
	}

	w = doJSON(t, h, "POST", "/api/flows/not-a-uuid", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", w.Code)
	}

	w = doJSON(t, h, "POST", "/api/flows/00000000-0000-0000-0000-000000000000", `{}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown flow status = %d, want 404", w.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	hash, salt := auth.GenerateHashAndSalt("sekrit")
	cfg := config.Configuration{}
	cfg.API.TokenHash = hash
	cfg.API.TokenSalt = salt
	_, h := newTestRouter(t, cfg)

	w := doJSON(t, h, "GET", "/api/status", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d, want 200", rec.Code)
	}

	// Websocket dials cannot set headers; the query form works too.
	w = doJSON(t, h, "GET", "/api/status?token=sekrit", "")
	if w.Code != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", w.Code)
	}

	// Metrics stay open for the scraper.
	w = doJSON(t, h, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", w.Code)
	}
}
