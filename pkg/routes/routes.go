// Package routes exposes the bridge's HTTP surface: subscription CRUD,
// the flow endpoints, message send, the websocket event feed, and
// Prometheus metrics.
package routes

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LitBomb/meshcore-ha/pkg/auth"
	"github.com/LitBomb/meshcore-ha/pkg/config"
	"github.com/LitBomb/meshcore-ha/pkg/device"
	"github.com/LitBomb/meshcore-ha/pkg/flows"
	"github.com/LitBomb/meshcore-ha/pkg/repeater"
	"github.com/LitBomb/meshcore-ha/pkg/session"
	"github.com/LitBomb/meshcore-ha/pkg/store"
)

// APIRouter wires the HTTP endpoints to the daemon's components.
type APIRouter struct {
	Config   config.Configuration
	Storage  *store.Stores
	Device   *device.Manager
	Flows    *flows.Manager
	Notifier *EventNotifier
	Gatherer prometheus.Gatherer
}

// Router assembles the route table and middleware stack.
func (ar *APIRouter) Router() http.Handler {
	r := mux.NewRouter().StrictSlash(true)

	r.HandleFunc("/api/status", ar.getStatus).Methods("GET")
	r.HandleFunc("/api/contacts", ar.getContacts).Methods("GET")
	r.HandleFunc("/api/subscriptions", ar.listSubscriptions).Methods("GET")
	r.HandleFunc("/api/subscriptions", ar.addSubscription).Methods("POST")
	r.HandleFunc("/api/subscriptions/{prefix}", ar.removeSubscription).Methods("DELETE")
	r.HandleFunc("/api/subscriptions/{prefix}", ar.patchSubscription).Methods("PATCH")
	r.HandleFunc("/api/send-message", ar.sendMessage).Methods("POST")
	r.HandleFunc("/api/messages", ar.getMessages).Methods("GET")
	r.HandleFunc("/api/flows", ar.beginFlow).Methods("POST")
	r.HandleFunc("/api/flows/{id}", ar.submitFlow).Methods("POST")
	r.HandleFunc("/ws/events", ar.eventsWS)

	gatherer := ar.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Use(handlers.ProxyHeaders)
	r.Use(RequestLogger)
	r.Use(ar.tokenAuth)

	return handlers.RecoveryHandler()(r)
}

// ListenAndServe runs the HTTP server on the configured address.
func (ar *APIRouter) ListenAndServe() error {
	slog.Info("http api listening", "addr", ar.Config.ListenAddr)
	return http.ListenAndServe(ar.Config.ListenAddr, ar.Router())
}

// RequestLogger logs every request at debug level.
func RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// tokenAuth guards everything except /metrics with the configured API
// token. With no hash configured the API is open.
func (ar *APIRouter) tokenAuth(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		api := ar.Config.API
		if api.TokenHash == "" || r.URL.Path == "/metrics" {
			h.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			// Browsers cannot set headers on websocket dials.
			token = r.URL.Query().Get("token")
		}
		if !auth.Verify(token, api.TokenHash, api.TokenSalt) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func (ar *APIRouter) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"state": ar.Device.State().String(),
	}
	if self := ar.Device.SelfInfo(); self != nil {
		resp["node"] = map[string]any{
			"name":          self.Name,
			"pubkey_prefix": self.PubkeyPrefix(),
			"tx_power":      self.TxPower,
			"radio_freq":    self.RadioFreq,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ar *APIRouter) getContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := ar.Device.Contacts(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	type contactJSON struct {
		Name         string  `json:"name"`
		PubkeyPrefix string  `json:"pubkey_prefix"`
		Type         string  `json:"type"`
		LastAdvert   uint32  `json:"last_advert"`
		Lat          float64 `json:"lat"`
		Lon          float64 `json:"lon"`
	}
	out := make([]contactJSON, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactJSON{
			Name:         c.Name,
			PubkeyPrefix: c.PubkeyPrefix(),
			Type:         c.TypeName(),
			LastAdvert:   c.LastAdvert,
			Lat:          c.Lat,
			Lon:          c.Lon,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (ar *APIRouter) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := ar.Storage.Subscriptions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// addSubscription runs the repeater login protocol against the active
// session and persists the resulting record.
func (ar *APIRouter) addSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubkeyPrefix   string `json:"pubkey_prefix"`
		Password       string `json:"password"`
		UpdateInterval int    `json:"update_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PubkeyPrefix == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s := ar.Device.Session()
	if s == nil {
		writeError(w, http.StatusServiceUnavailable, "disconnected")
		return
	}

	proto := repeater.New(s, ar.Storage.Subscriptions, slog.Default())
	sub, err := proto.Login(r.Context(), req.PubkeyPrefix, req.Password, req.UpdateInterval)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrContactNotFound):
			writeError(w, http.StatusNotFound, "contact_not_found")
		case errors.Is(err, repeater.ErrAlreadyConfigured):
			writeError(w, http.StatusConflict, "already_configured")
		default:
			writeError(w, http.StatusBadGateway, "login_failed")
		}
		return
	}

	if err := ar.Storage.Subscriptions.Add(r.Context(), sub); err != nil {
		if errors.Is(err, store.ErrDuplicatePrefix) {
			writeError(w, http.StatusConflict, "already_configured")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (ar *APIRouter) removeSubscription(w http.ResponseWriter, r *http.Request) {
	prefix := mux.Vars(r)["prefix"]
	if err := ar.Storage.Subscriptions.Remove(r.Context(), prefix); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ar *APIRouter) patchSubscription(w http.ResponseWriter, r *http.Request) {
	prefix := mux.Vars(r)["prefix"]

	var req struct {
		Enabled        *bool `json:"enabled"`
		UpdateInterval *int  `json:"update_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	existing, err := ar.Storage.Subscriptions.GetByPrefix(r.Context(), prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	if req.Enabled != nil {
		if err := ar.Storage.Subscriptions.SetEnabled(r.Context(), prefix, *req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error")
			return
		}
	}
	if req.UpdateInterval != nil {
		if *req.UpdateInterval <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_interval")
			return
		}
		if err := ar.Storage.Subscriptions.SetUpdateInterval(r.Context(), prefix, *req.UpdateInterval); err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error")
			return
		}
	}

	updated, err := ar.Storage.Subscriptions.GetByPrefix(r.Context(), prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (ar *APIRouter) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubkeyPrefix string `json:"pubkey_prefix"`
		ChannelIdx   *int   `json:"channel_idx"`
		Text         string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	var err error
	switch {
	case req.ChannelIdx != nil:
		err = ar.Device.SendChannelMessage(r.Context(), byte(*req.ChannelIdx), req.Text)
	case req.PubkeyPrefix != "":
		err = ar.Device.SendMessage(r.Context(), req.PubkeyPrefix, req.Text)
	default:
		writeError(w, http.StatusBadRequest, "missing_destination")
		return
	}
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (ar *APIRouter) getMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := ar.Storage.Messages.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (ar *APIRouter) beginFlow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	st, err := ar.Flows.Begin(r.Context(), req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_flow_kind")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (ar *APIRouter) submitFlow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_flow_id")
		return
	}

	var input map[string]any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	st, err := ar.Flows.Submit(r.Context(), id, input)
	if err != nil {
		if errors.Is(err, flows.ErrUnknownFlow) {
			writeError(w, http.StatusNotFound, "flow_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "flow_error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrNoSession), errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "disconnected")
	case errors.Is(err, session.ErrContactNotFound):
		writeError(w, http.StatusNotFound, "contact_not_found")
	default:
		writeError(w, http.StatusBadGateway, "device_error")
	}
}
