package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chatbot-event-delivery/internal/models"
	"chatbot-event-delivery/internal/queue"
	"chatbot-event-delivery/internal/store"
	"chatbot-event-delivery/internal/telemetry"
)

// ErrInvalidType rejects publishes with an unknown event or entity type.
var ErrInvalidType = errors.New("invalid type")

// EventStore is the persistence surface the event service needs.
type EventStore interface {
	CreateEvent(ctx context.Context, p store.CreateEventParams) (models.Event, error)
	GetEvent(ctx context.Context, id string) (models.Event, error)
	EntityEvents(ctx context.Context, entityType, entityID string) ([]models.Event, error)
	ChildEvents(ctx context.Context, parentID string) ([]models.Event, error)
	RecentEvents(ctx context.Context, eventType string, limit int) ([]models.Event, error)
}

// TaskScheduler enqueues the asynchronous fan-out for a persisted event.
type TaskScheduler interface {
	Enqueue(ctx context.Context, taskID string, runAt time.Time) error
}

// Service persists events and triggers their asynchronous processing.
type Service struct {
	store EventStore
	tasks TaskScheduler
	log   *logrus.Logger
}

func NewService(store EventStore, tasks TaskScheduler, log *logrus.Logger) *Service {
	return &Service{store: store, tasks: tasks, log: log}
}

// PublishParams describes a domain fact to record and fan out.
type PublishParams struct {
	EventType  string
	EntityType string
	EntityID   string
	ParentID   *string
	Data       map[string]any
}

// Publish persists the event and schedules asynchronous delivery processing.
// It blocks only on persistence: the caller gets the persisted event back
// immediately and never waits on downstream processors.
func (s *Service) Publish(ctx context.Context, p PublishParams) (models.Event, error) {
	if !models.ValidEventType(p.EventType) {
		return models.Event{}, fmt.Errorf("event_type %q: %w", p.EventType, ErrInvalidType)
	}
	if !models.ValidEntityType(p.EntityType) {
		return models.Event{}, fmt.Errorf("entity_type %q: %w", p.EntityType, ErrInvalidType)
	}
	if p.EntityID == "" {
		return models.Event{}, fmt.Errorf("entity_id is required: %w", ErrInvalidType)
	}

	ev, err := s.store.CreateEvent(ctx, store.CreateEventParams{
		EventType:  p.EventType,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		ParentID:   p.ParentID,
		Data:       p.Data,
	})
	if err != nil {
		return models.Event{}, fmt.Errorf("publish event: %w", err)
	}
	telemetry.EventsPublished.Inc()

	if err := s.tasks.Enqueue(ctx, queue.TaskID(queue.KindEvent, ev.ID), time.Now()); err != nil {
		// The event is durable; only its fan-out is lost. Surface the error
		// so the caller knows processing did not start.
		return ev, fmt.Errorf("enqueue event processing: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"event_id":    ev.ID,
		"event_type":  ev.EventType,
		"entity_type": ev.EntityType,
		"entity_id":   ev.EntityID,
	}).Info("published event")
	return ev, nil
}

// Get returns an event by id.
func (s *Service) Get(ctx context.Context, id string) (models.Event, error) {
	return s.store.GetEvent(ctx, id)
}

// ForEntity returns all events for an entity, oldest first.
func (s *Service) ForEntity(ctx context.Context, entityType, entityID string) ([]models.Event, error) {
	return s.store.EntityEvents(ctx, entityType, entityID)
}

// Children returns all events linked to a parent entity, oldest first.
func (s *Service) Children(ctx context.Context, parentID string) ([]models.Event, error) {
	return s.store.ChildEvents(ctx, parentID)
}

// Recent returns the newest events, optionally filtered by event type.
func (s *Service) Recent(ctx context.Context, eventType string, limit int) ([]models.Event, error) {
	if eventType != "" && !models.ValidEventType(eventType) {
		return nil, fmt.Errorf("event_type %q: %w", eventType, ErrInvalidType)
	}
	return s.store.RecentEvents(ctx, eventType, limit)
}
