package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"chatbot-event-delivery/internal/config"
	"chatbot-event-delivery/internal/events"
	"chatbot-event-delivery/internal/models"
	"chatbot-event-delivery/internal/queue"
	"chatbot-event-delivery/internal/ratelimit"
	"chatbot-event-delivery/internal/registry"
	"chatbot-event-delivery/internal/store"
	"chatbot-event-delivery/internal/telemetry"
	"chatbot-event-delivery/internal/tracking"
)

// Server wires HTTP handlers for the event ingestion and admin API.
type Server struct {
	cfg      config.Config
	events   *events.Service
	registry *registry.Service
	tracker  *tracking.Tracker
	queue    *queue.TaskQueue
	limiter  *ratelimit.TokenBucket
	log      *logrus.Logger
}

// New constructs the API server.
func New(cfg config.Config, ev *events.Service, reg *registry.Service, tr *tracking.Tracker, q *queue.TaskQueue, limiter *ratelimit.TokenBucket, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		events:   ev,
		registry: reg,
		tracker:  tr,
		queue:    q,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events", s.handlePublishEvent)
	r.Get("/events", s.handleQueryEvents)
	r.Get("/events/recent", s.handleRecentEvents)
	r.Get("/events/{id}", s.handleGetEvent)
	r.Get("/events/{id}/deliveries", s.handleEventDeliveries)

	r.Post("/processors", s.handleCreateProcessor)
	r.Get("/processors", s.handleListProcessors)
	r.Get("/processors/{id}", s.handleGetProcessor)
	r.Patch("/processors/{id}", s.handleUpdateProcessor)
	r.Post("/processors/{id}/deactivate", s.handleDeactivateProcessor)

	r.Get("/deliveries/pending", s.handlePendingDeliveries)
	r.Get("/deliveries/{id}", s.handleGetDelivery)
	r.Get("/deliveries/{id}/attempts", s.handleDeliveryAttempts)

	r.Get("/dlq", s.handleDLQ)
	return r
}

type publishEventRequest struct {
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ParentID   *string        `json:"parent_id"`
	Data       map[string]any `json:"data"`
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		limKey := fmt.Sprintf("rl:%s", clientFromRequest(r))
		allowed, err := s.limiter.Allow(r.Context(), limKey)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	ev, err := s.events.Publish(r.Context(), events.PublishParams{
		EventType:  req.EventType,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ParentID:   req.ParentID,
		Data:       req.Data,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleQueryEvents looks events up by entity or by parent, ordered oldest
// first.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if parentID := q.Get("parent_id"); parentID != "" {
		evs, err := s.events.Children(r.Context(), parentID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": evs})
		return
	}
	entityType, entityID := q.Get("entity_type"), q.Get("entity_id")
	if entityType == "" || entityID == "" {
		http.Error(w, "entity_type and entity_id (or parent_id) are required", http.StatusBadRequest)
		return
	}
	evs, err := s.events.ForEntity(r.Context(), entityType, entityID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.events.Recent(r.Context(), r.URL.Query().Get("event_type"), intQuery(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleEventDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.events.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	ds, err := s.tracker.ForEvent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds})
}

type processorRequest struct {
	Name          *string        `json:"name"`
	Description   *string        `json:"description"`
	ClientID      *string        `json:"client_id"`
	ProcessorType *string        `json:"processor_type"`
	Config        map[string]any `json:"config"`
	EventTypes    []string       `json:"event_types"`
	EntityTypes   []string       `json:"entity_types"`
	IsActive      *bool          `json:"is_active"`
}

func (s *Server) handleCreateProcessor(w http.ResponseWriter, r *http.Request) {
	var req processorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	p := registry.CreateParams{
		Description: req.Description,
		Config:      req.Config,
		EventTypes:  req.EventTypes,
		EntityTypes: req.EntityTypes,
		IsActive:    req.IsActive,
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.ClientID != nil {
		p.ClientID = *req.ClientID
	}
	if req.ProcessorType != nil {
		p.ProcessorType = *req.ProcessorType
	}
	cfg, err := s.registry.Create(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleListProcessors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ProcessorFilter{
		ClientID:      q.Get("client_id"),
		ProcessorType: q.Get("processor_type"),
		Limit:         intQuery(r, "limit", 0),
		Offset:        intQuery(r, "offset", 0),
	}
	if v := q.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "is_active must be a boolean", http.StatusBadRequest)
			return
		}
		filter.IsActive = &active
	}
	cfgs, err := s.registry.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processors": cfgs})
}

func (s *Server) handleGetProcessor(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateProcessor(w http.ResponseWriter, r *http.Request) {
	var req processorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cfg, err := s.registry.Update(r.Context(), chi.URLParam(r, "id"), registry.UpdateParams{
		Name:          req.Name,
		Description:   req.Description,
		ProcessorType: req.ProcessorType,
		Config:        req.Config,
		EventTypes:    req.EventTypes,
		EntityTypes:   req.EntityTypes,
		IsActive:      req.IsActive,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeactivateProcessor(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handlePendingDeliveries(w http.ResponseWriter, r *http.Request) {
	ds, err := s.tracker.Pending(r.Context(), intQuery(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeliveryAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.tracker.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	attempts, err := s.tracker.Attempts(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// handleDLQ returns dead-lettered task IDs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *registry.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, events.ErrInvalidType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func intQuery(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
