package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mroger/tom/internal/backend"
	"github.com/mroger/tom/internal/config"
	"github.com/mroger/tom/internal/notify"
	"github.com/mroger/tom/internal/store"
	"github.com/mroger/tom/types"
)

// Handlers implements Tom's authenticated JSON API, per §4.2.2/§6.1.
type Handlers struct {
	cfg          *config.Config
	backend      *backend.Backend
	aggregators  *AggregatorRegistry
	fcm          *store.FCMStore
	reminders    *notify.ReminderStore
	logger       *zap.Logger
}

// NewHandlers wires the API layer to the backend/notify/store components.
func NewHandlers(cfg *config.Config, be *backend.Backend, aggregators *AggregatorRegistry, fcm *store.FCMStore, reminders *notify.ReminderStore, logger *zap.Logger) *Handlers {
	return &Handlers{cfg: cfg, backend: be, aggregators: aggregators, fcm: fcm, reminders: reminders, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type processRequest struct {
	Input      string       `json:"input"`
	Lang       string       `json:"lang"`
	Position   *backend.GPS `json:"position,omitempty"`
	ClientType string       `json:"client_type"`
}

// Process handles POST /process, per §4.1.1/§6.1.
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	username, _ := types.Username(r.Context())

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Lang == "" {
		req.Lang = "en"
	}

	result, err := h.backend.Process(r.Context(), username, req.Input, req.Lang, req.Position, req.ClientType)
	if err != nil {
		h.respondProcessError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": result.Response})
}

func (h *Handlers) respondProcessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backend.ErrLLMUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("process failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Reset handles POST /reset, per §4.1.1/§6.1.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	username, _ := types.Username(r.Context())
	h.backend.Reset(username)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Tasks handles GET /tasks, per §4.4.1/§6.1.
func (h *Handlers) Tasks(w http.ResponseWriter, r *http.Request) {
	username, _ := types.Username(r.Context())
	agg := h.aggregators.For(username)
	agg.Start(r.Context())
	statusID, tasks := agg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status_id": statusID,
		"tasks":     tasks,
	})
}

// Status handles GET /status: LLM provider health, for operator dashboards.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	health := h.backend.Adapter().HealthCheck(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": health,
		"modules":   h.backend.Registry().Names(),
	})
}

// NotificationConfig handles GET /notificationconfig, surfacing the Firebase
// web-SDK config verbatim so the frontend can register for push, per §6.1.
func (h *Handlers) NotificationConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Global.Firebase)
}

// firebaseMessagingSWTemplate is the service worker the browser registers
// to receive background push notifications. It initializes the Firebase
// messaging SDK with the same config NotificationConfig serves, so the two
// endpoints must never disagree.
const firebaseMessagingSWTemplate = `importScripts("https://www.gstatic.com/firebasejs/9.23.0/firebase-app-compat.js");
importScripts("https://www.gstatic.com/firebasejs/9.23.0/firebase-messaging-compat.js");

firebase.initializeApp({
  apiKey: %q,
  authDomain: %q,
  projectId: %q,
  storageBucket: %q,
  messagingSenderId: %q,
  appId: %q
});

const messaging = firebase.messaging();
`

// FirebaseMessagingSW handles GET /firebase_messaging_sw_js, per §4.2.2:
// the browser fetches this as its push service worker, so it must be
// served as executable JS rather than JSON.
func (h *Handlers) FirebaseMessagingSW(w http.ResponseWriter, r *http.Request) {
	fb := h.cfg.Global.Firebase
	w.Header().Set("Content-Type", "application/javascript")
	fmt.Fprintf(w, firebaseMessagingSWTemplate,
		fb.APIKey, fb.AuthDomain, fb.ProjectID, fb.StorageBucket, fb.MessagingSenderID, fb.AppID)
}

type fcmTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// FCMToken handles POST /fcmtoken: idempotent device registration, per §3.7.
func (h *Handlers) FCMToken(w http.ResponseWriter, r *http.Request) {
	username, _ := types.Username(r.Context())
	var req fcmTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	if err := h.fcm.Upsert(req.Token, username, req.Platform); err != nil {
		h.logger.Error("fcm token upsert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type createReminderRequest struct {
	DueAt      string `json:"due_at"`
	Recipient  string `json:"recipient"`
	Message    string `json:"message"`
	Recurrence string `json:"recurrence"`
}

// Notifications handles GET/POST /notifications: list and create reminders,
// the end-user-facing surface over internal/notify's ReminderStore.
func (h *Handlers) Notifications(w http.ResponseWriter, r *http.Request) {
	username, _ := types.Username(r.Context())
	switch r.Method {
	case http.MethodGet:
		rows, err := h.reminders.List(username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		var req createReminderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		dueAt, err := time.Parse(time.RFC3339, req.DueAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "due_at must be an RFC3339 timestamp")
			return
		}
		recipient := req.Recipient
		if recipient == "" {
			recipient = username
		}
		created, err := h.reminders.Create(store.Reminder{
			DueAt:      dueAt,
			Recipient:  recipient,
			Sender:     username,
			Message:    req.Message,
			Recurrence: store.Recurrence(req.Recurrence),
		})
		if err != nil {
			h.logger.Error("reminder create failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Health handles POST /health: an arbitrary Health Connect payload that is
// logged and otherwise discarded, per §4.2.2/§6.1.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	username, _ := types.Username(r.Context())
	h.logger.Info("health payload received", zap.String("username", username), zap.Any("payload", payload))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Liveness is the unauthenticated process-liveness probe used by operators
// and the container runtime, distinct from the authenticated /health route.
func Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
