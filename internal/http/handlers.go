// Package httpapi is the transport shim over the dispatch engine. Identity
// and credential checks live in an upstream gateway; handlers trust the
// actor headers it sets and translate engine errors to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	"github.com/example/service-dispatch/internal/ingest"
	"github.com/example/service-dispatch/internal/matcher"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/registry"
	"github.com/example/service-dispatch/internal/stats"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

type Server struct {
	cfg         config.ServerConfig
	logger      *slog.Logger
	coordinator *dispatch.Coordinator
	matcher     *matcher.Service
	registry    registry.WorkerRegistry
	stats       *stats.Aggregator
	locations   *ingest.KafkaProducer // optional
	mux         *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, coord *dispatch.Coordinator,
	m *matcher.Service, reg registry.WorkerRegistry, agg *stats.Aggregator,
	locations *ingest.KafkaProducer) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		coordinator: coord,
		matcher:     m,
		registry:    reg,
		stats:       agg,
		locations:   locations,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/accept", s.transition(s.coordinator.Accept)).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.transition(s.coordinator.Start)).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.transition(s.coordinator.Complete)).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.transition(s.coordinator.Cancel)).Methods("POST")
	api.HandleFunc("/requests/{id}/decline", s.handleDecline).Methods("POST")
	api.HandleFunc("/workers/availability", s.handleAvailability).Methods("POST")
	api.HandleFunc("/admin/metrics", s.handleAdminMetrics).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func actorFrom(r *http.Request) (models.Actor, bool) {
	id := r.Header.Get(headerActorID)
	role := models.Role(r.Header.Get(headerActorRole))
	switch role {
	case models.RoleCustomer, models.RoleWorker, models.RoleAdmin:
	default:
		return models.Actor{}, false
	}
	if id == "" {
		return models.Actor{}, false
	}
	return models.Actor{ID: id, Role: role}, true
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusUnauthorized)
		return
	}
	var in dispatch.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := s.coordinator.CreateRequest(r.Context(), actor, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(r); !ok {
		http.Error(w, "missing actor identity", http.StatusUnauthorized)
		return
	}
	id := mux.Vars(r)["id"]
	req, err := s.coordinator.Store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok || actor.Role != models.RoleWorker {
		http.Error(w, "worker identity required", http.StatusForbidden)
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		http.Error(w, "lat and lon query parameters are required", http.StatusBadRequest)
		return
	}
	radius := 0.0
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			http.Error(w, "invalid radius_km", http.StatusBadRequest)
			return
		}
		radius = f
	}
	candidates, err := s.matcher.Rank(r.Context(), actor.ID, models.Coordinate{Lat: lat, Lon: lon}, radius)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, candidates)
}

// transition adapts the coordinator's uniform accept/start/complete/cancel
// signature to a handler.
func (s *Server) transition(op func(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(r)
		if !ok {
			http.Error(w, "missing actor identity", http.StatusUnauthorized)
			return
		}
		updated, err := op(r.Context(), mux.Vars(r)["id"], actor)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	}
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusUnauthorized)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.coordinator.Decline(r.Context(), mux.Vars(r)["id"], actor, body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"detail": "request hidden from your listings"})
}

type availabilityInput struct {
	Available bool               `json:"available"`
	Location  *models.Coordinate `json:"location,omitempty"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok || actor.Role != models.RoleWorker {
		http.Error(w, "worker identity required", http.StatusForbidden)
		return
	}
	var in availabilityInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	worker, err := s.registry.SetAvailability(r.Context(), actor.ID, in.Available, in.Location, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishWorker(r.Context(), *worker); err != nil {
			s.logger.Warn("worker location publish failed", "worker_id", worker.ID, "error", err)
		}
	}
	if n, err := s.registry.AvailableCount(r.Context()); err == nil {
		observability.WorkersAvailable.Set(float64(n))
	}
	s.writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok || actor.Role != models.RoleAdmin {
		http.Error(w, "admin identity required", http.StatusForbidden)
		return
	}
	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrAlreadyAssigned):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, map[string]string{"detail": err.Error()})
}
