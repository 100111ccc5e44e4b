package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/gateway"
	"github.com/opus67/loadout/internal/session"
	"github.com/opus67/loadout/internal/signal"
	pgstore "github.com/opus67/loadout/internal/store"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager     *session.Manager
	cat         *catalog.Catalog
	broadcaster *gateway.Broadcaster
	restGW      *gateway.RESTAdapter
	store       *pgstore.Store
	logger      *zap.Logger
}

// NewHandler creates a new API handler. broadcaster, restGW, and store may
// be nil; their routes answer 503.
func NewHandler(
	manager *session.Manager,
	cat *catalog.Catalog,
	broadcaster *gateway.Broadcaster,
	restGW *gateway.RESTAdapter,
	store *pgstore.Store,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		manager:     manager,
		cat:         cat,
		broadcaster: broadcaster,
		restGW:      restGW,
		store:       store,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Catalog routes
		r.Get("/catalog", h.listCatalog)
		r.Get("/catalog/excluded", h.listExcluded)
		r.Get("/catalog/{id}", h.getRecord)

		// Session routes
		r.Post("/sessions", h.createSession)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.teardownSession)
		r.Post("/sessions/{id}/signals", h.postSignals)
		r.Post("/sessions/{id}/load", h.loadRecord)
		r.Post("/sessions/{id}/unload", h.unloadRecord)
		r.Get("/sessions/{id}/activations", h.getActivations)
		r.Get("/sessions/{id}/diff", h.getLastDiff)
		r.Get("/sessions/{id}/pool", h.getPool)
		r.Get("/sessions/{id}/log", h.getActivationLog)

		// Gateway routes
		r.Post("/broadcast", h.sendBroadcast)
		if h.restGW != nil {
			r.Mount("/gateway/rest", h.restGW.Routes())
		}
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "loadout"})
}

func (h *Handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cat.Records())
}

func (h *Handler) listExcluded(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cat.Excluded())
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec := h.cat.Get(id)
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type sessionCreateRequest struct {
	Ceiling int `json:"ceiling"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	sess, err := h.manager.Create(req.Ceiling)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.List())
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (h *Handler) teardownSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Remove(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "torn down"})
}

type signalRequest struct {
	Kind  signal.Kind `json:"kind"`
	Value string      `json:"value"`
}

type signalResponse struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	LastTick uint64 `json:"last_tick"`
}

func (h *Handler) postSignals(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var batch []signalRequest
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(batch) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty signal batch"})
		return
	}

	var resp signalResponse
	for _, sig := range batch {
		tick := sess.Signal(sig.Kind, sig.Value)
		if tick == 0 {
			resp.Rejected++
			continue
		}
		resp.Accepted++
		resp.LastTick = tick
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type recordRequest struct {
	RecordID string `json:"record_id"`
}

func (h *Handler) loadRecord(w http.ResponseWriter, r *http.Request) {
	h.explicit(w, r, func(sess *session.Session, id string) error { return sess.Load(id) })
}

func (h *Handler) unloadRecord(w http.ResponseWriter, r *http.Request) {
	h.explicit(w, r, func(sess *session.Session, id string) error { return sess.Unload(id) })
}

func (h *Handler) explicit(w http.ResponseWriter, r *http.Request, op func(*session.Session, string) error) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.RecordID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "record_id is required"})
		return
	}

	if err := op(sess, req.RecordID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"record_id": req.RecordID, "status": "queued"})
}

func (h *Handler) getActivations(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot().Active)
}

func (h *Handler) getLastDiff(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	diff := sess.LastDiff()
	if diff == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no evaluation yet"})
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *Handler) getPool(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot().Pool)
}

func (h *Handler) getActivationLog(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "activation log not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	events, err := h.store.RecentDiffs(r.Context(), id, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "broadcaster not initialized"})
		return
	}
	var msg gateway.BroadcastMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if msg.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	if err := h.broadcaster.Send(r.Context(), &msg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "broadcast sent"})
}

// session resolves the {id} URL parameter, answering 404 on a miss.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := h.manager.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
