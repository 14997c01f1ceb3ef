package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"mss/internal/metrics"
	"mss/internal/model"
	"mss/internal/registry"
)

// GetSubscriptionHandler handles GET /subscriptions/{id}: the delivery
// counters by message type. An unknown id yields an empty object.
func (s *Server) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.Registry.Counters(id))
}

// PutSubscriptionHandler handles PUT /subscriptions/{id}
func (s *Server) PutSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req model.SubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Registry.Put(r.Context(), id, req.MessageTypes)
	metrics.Subscriptions.Set(float64(s.Registry.Len()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Subscription-Result", string(res))
	if res == registry.Created {
		w.Header().Set("Location", r.URL.Path)
	}
	writeJSON(w, http.StatusCreated, struct{}{})
}

// DeleteSubscriptionHandler handles DELETE /subscriptions/{id}
func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Registry.Delete(r.Context(), id)
	metrics.Subscriptions.Set(float64(s.Registry.Len()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptionsHandler handles GET /subscriptions
func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Registry.List()})
}

// PostMessageHandler handles POST /messages
func (s *Server) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var msg model.Message
	if err := decodeJSON(r, &msg); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Router.Route(r.Context(), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Message-Id", res.MessageID)
	writeJSON(w, http.StatusAccepted, struct{}{})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler reports ready once the exchange has been declared.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "exchange "+s.cfg.Broker.Exchange+" not declared", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
