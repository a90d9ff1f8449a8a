package registry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"chatbot-event-delivery/internal/models"
)

// ConfigStore is the persistence surface the registry needs.
type ConfigStore interface {
	InsertProcessorConfig(ctx context.Context, cfg models.ProcessorConfig) (models.ProcessorConfig, error)
	GetProcessorConfig(ctx context.Context, id string) (models.ProcessorConfig, error)
	SaveProcessorConfig(ctx context.Context, cfg models.ProcessorConfig) (models.ProcessorConfig, error)
	SetProcessorActive(ctx context.Context, id string, active bool) error
	ListProcessorConfigs(ctx context.Context, f models.ProcessorFilter) ([]models.ProcessorConfig, error)
	MatchingProcessorConfigs(ctx context.Context, clientID, eventType, entityType string) ([]models.ProcessorConfig, error)
}

// Service manages processor configurations for clients.
type Service struct {
	store ConfigStore
	log   *logrus.Logger
}

func NewService(store ConfigStore, log *logrus.Logger) *Service {
	return &Service{store: store, log: log}
}

// CreateParams collects inputs for a new processor config.
type CreateParams struct {
	Name          string
	Description   *string
	ClientID      string
	ProcessorType string
	Config        map[string]any
	EventTypes    []string
	EntityTypes   []string
	IsActive      *bool
}

// UpdateParams carries a partial update; nil fields are left untouched.
// Config entries are merged into the existing config rather than replacing it.
type UpdateParams struct {
	Name          *string
	Description   *string
	ProcessorType *string
	Config        map[string]any
	EventTypes    []string
	EntityTypes   []string
	IsActive      *bool
}

func validateSubscriptions(eventTypes, entityTypes []string) error {
	if len(eventTypes) == 0 {
		return invalid("event_types", "at least one event type is required")
	}
	if len(entityTypes) == 0 {
		return invalid("entity_types", "at least one entity type is required")
	}
	for _, et := range eventTypes {
		if !models.ValidEventType(et) {
			return invalid("event_types", "unknown event type %q", et)
		}
	}
	for _, et := range entityTypes {
		if !models.ValidEntityType(et) {
			return invalid("entity_types", "unknown entity type %q", et)
		}
	}
	return nil
}

// Create validates and persists a new processor config.
func (s *Service) Create(ctx context.Context, p CreateParams) (models.ProcessorConfig, error) {
	if p.Name == "" {
		return models.ProcessorConfig{}, invalid("name", "required")
	}
	if p.ClientID == "" {
		return models.ProcessorConfig{}, invalid("client_id", "required")
	}
	if !models.ValidProcessorType(p.ProcessorType) {
		return models.ProcessorConfig{}, invalid("processor_type", "unsupported type %q", p.ProcessorType)
	}
	if err := ValidateConfig(p.ProcessorType, p.Config); err != nil {
		return models.ProcessorConfig{}, err
	}
	if err := validateSubscriptions(p.EventTypes, p.EntityTypes); err != nil {
		return models.ProcessorConfig{}, err
	}

	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	cfg, err := s.store.InsertProcessorConfig(ctx, models.ProcessorConfig{
		Name:          p.Name,
		Description:   p.Description,
		ClientID:      p.ClientID,
		ProcessorType: p.ProcessorType,
		Config:        p.Config,
		EventTypes:    p.EventTypes,
		EntityTypes:   p.EntityTypes,
		IsActive:      active,
	})
	if err != nil {
		return models.ProcessorConfig{}, fmt.Errorf("insert processor config: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"processor_id":   cfg.ID,
		"processor_type": cfg.ProcessorType,
		"client_id":      cfg.ClientID,
	}).Info("created processor config")
	return cfg, nil
}

// Update applies a partial update. The config schema is re-checked whenever
// config entries or the processor type change.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (models.ProcessorConfig, error) {
	cfg, err := s.store.GetProcessorConfig(ctx, id)
	if err != nil {
		return models.ProcessorConfig{}, err
	}

	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.Description != nil {
		cfg.Description = p.Description
	}
	if p.ProcessorType != nil {
		if !models.ValidProcessorType(*p.ProcessorType) {
			return models.ProcessorConfig{}, invalid("processor_type", "unsupported type %q", *p.ProcessorType)
		}
		cfg.ProcessorType = *p.ProcessorType
	}
	if p.Config != nil {
		merged := make(map[string]any, len(cfg.Config)+len(p.Config))
		for k, v := range cfg.Config {
			merged[k] = v
		}
		for k, v := range p.Config {
			merged[k] = v
		}
		cfg.Config = merged
	}
	if p.Config != nil || p.ProcessorType != nil {
		if err := ValidateConfig(cfg.ProcessorType, cfg.Config); err != nil {
			return models.ProcessorConfig{}, err
		}
	}
	if p.EventTypes != nil {
		cfg.EventTypes = p.EventTypes
	}
	if p.EntityTypes != nil {
		cfg.EntityTypes = p.EntityTypes
	}
	if p.EventTypes != nil || p.EntityTypes != nil {
		if err := validateSubscriptions(cfg.EventTypes, cfg.EntityTypes); err != nil {
			return models.ProcessorConfig{}, err
		}
	}
	if p.IsActive != nil {
		cfg.IsActive = *p.IsActive
	}

	updated, err := s.store.SaveProcessorConfig(ctx, cfg)
	if err != nil {
		return models.ProcessorConfig{}, fmt.Errorf("save processor config: %w", err)
	}
	s.log.WithField("processor_id", id).Info("updated processor config")
	return updated, nil
}

// Deactivate marks the config inactive without deleting it.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.SetProcessorActive(ctx, id, false); err != nil {
		return err
	}
	s.log.WithField("processor_id", id).Info("deactivated processor config")
	return nil
}

// Get returns a single processor config.
func (s *Service) Get(ctx context.Context, id string) (models.ProcessorConfig, error) {
	return s.store.GetProcessorConfig(ctx, id)
}

// List returns processor configs matching the filter.
func (s *Service) List(ctx context.Context, f models.ProcessorFilter) ([]models.ProcessorConfig, error) {
	return s.store.ListProcessorConfigs(ctx, f)
}

// Matching returns all active configs for the client subscribed to both the
// event type and the entity type. Configs with empty subscription lists
// match nothing.
func (s *Service) Matching(ctx context.Context, clientID, eventType, entityType string) ([]models.ProcessorConfig, error) {
	return s.store.MatchingProcessorConfigs(ctx, clientID, eventType, entityType)
}
