package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatbot-event-delivery/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDeliveryTerminal is returned when an attempt is claimed against a
// delivery that is already completed or failed.
var ErrDeliveryTerminal = errors.New("delivery is terminal")

// ErrClientUnresolvable is returned when no owning client can be determined
// for an entity.
var ErrClientUnresolvable = errors.New("client unresolvable for entity")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ---- events ----

// CreateEventParams collects inputs required to insert an event.
type CreateEventParams struct {
	EventType  string
	EntityType string
	EntityID   string
	ParentID   *string
	Data       map[string]any
}

// CreateEvent inserts an immutable event row.
func (s *Store) CreateEvent(ctx context.Context, p CreateEventParams) (models.Event, error) {
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	dataJSON, err := json.Marshal(p.Data)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event data: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, event_type, entity_type, entity_id, parent_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, p.EventType, p.EntityType, p.EntityID, p.ParentID, dataJSON, now)
	if err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}

	return models.Event{
		ID:         id,
		EventType:  p.EventType,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		ParentID:   p.ParentID,
		Data:       p.Data,
		CreatedAt:  now,
	}, nil
}

const eventColumns = `id, event_type, entity_type, entity_id, parent_id, data, created_at`

func scanEvent(row pgx.Row) (models.Event, error) {
	var ev models.Event
	var parent pgtype.Text
	var dataJSON []byte
	if err := row.Scan(&ev.ID, &ev.EventType, &ev.EntityType, &ev.EntityID, &parent, &dataJSON, &ev.CreatedAt); err != nil {
		return models.Event{}, err
	}
	ev.ParentID = textPtr(parent)
	if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
		return models.Event{}, fmt.Errorf("unmarshal event data: %w", err)
	}
	return ev, nil
}

// GetEvent fetches an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (models.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("scan event: %w", err)
	}
	return ev, nil
}

func (s *Store) queryEvents(ctx context.Context, sql string, args ...any) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []models.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EntityEvents returns all events for an entity, oldest first.
func (s *Store) EntityEvents(ctx context.Context, entityType, entityID string) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`, entityType, entityID)
}

// ChildEvents returns all events whose parent_id matches, oldest first.
func (s *Store) ChildEvents(ctx context.Context, parentID string) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE parent_id = $1
		ORDER BY created_at ASC
	`, parentID)
}

// RecentEvents returns the newest events, optionally filtered by event type.
func (s *Store) RecentEvents(ctx context.Context, eventType string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if eventType != "" {
		return s.queryEvents(ctx, `
			SELECT `+eventColumns+` FROM events
			WHERE event_type = $1
			ORDER BY created_at DESC LIMIT $2
		`, eventType, limit)
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events ORDER BY created_at DESC LIMIT $1
	`, limit)
}

// ---- processor configs ----

const processorColumns = `id, name, description, client_id, processor_type, config, event_types, entity_types, is_active, created_at, updated_at`

func scanProcessorConfig(row pgx.Row) (models.ProcessorConfig, error) {
	var cfg models.ProcessorConfig
	var desc pgtype.Text
	var configJSON []byte
	if err := row.Scan(&cfg.ID, &cfg.Name, &desc, &cfg.ClientID, &cfg.ProcessorType, &configJSON,
		&cfg.EventTypes, &cfg.EntityTypes, &cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return models.ProcessorConfig{}, err
	}
	cfg.Description = textPtr(desc)
	if err := json.Unmarshal(configJSON, &cfg.Config); err != nil {
		return models.ProcessorConfig{}, fmt.Errorf("unmarshal processor config: %w", err)
	}
	return cfg, nil
}

// InsertProcessorConfig persists a new processor config.
func (s *Store) InsertProcessorConfig(ctx context.Context, cfg models.ProcessorConfig) (models.ProcessorConfig, error) {
	configJSON, err := json.Marshal(cfg.Config)
	if err != nil {
		return models.ProcessorConfig{}, fmt.Errorf("marshal config: %w", err)
	}

	cfg.ID = uuid.New().String()
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	_, err = s.pool.Exec(ctx, `
		INSERT INTO processor_configs (id, name, description, client_id, processor_type, config, event_types, entity_types, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, cfg.ID, cfg.Name, cfg.Description, cfg.ClientID, cfg.ProcessorType, configJSON, cfg.EventTypes, cfg.EntityTypes, cfg.IsActive, now)
	if err != nil {
		return models.ProcessorConfig{}, fmt.Errorf("insert processor config: %w", err)
	}
	return cfg, nil
}

// GetProcessorConfig fetches a processor config by id.
func (s *Store) GetProcessorConfig(ctx context.Context, id string) (models.ProcessorConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+processorColumns+` FROM processor_configs WHERE id = $1`, id)
	cfg, err := scanProcessorConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessorConfig{}, fmt.Errorf("processor config %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ProcessorConfig{}, fmt.Errorf("scan processor config: %w", err)
	}
	return cfg, nil
}

// SaveProcessorConfig overwrites the mutable fields of an existing config.
func (s *Store) SaveProcessorConfig(ctx context.Context, cfg models.ProcessorConfig) (models.ProcessorConfig, error) {
	configJSON, err := json.Marshal(cfg.Config)
	if err != nil {
		return models.ProcessorConfig{}, fmt.Errorf("marshal config: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE processor_configs
		SET name = $2, description = $3, processor_type = $4, config = $5,
		    event_types = $6, entity_types = $7, is_active = $8, updated_at = $9
		WHERE id = $1
	`, cfg.ID, cfg.Name, cfg.Description, cfg.ProcessorType, configJSON, cfg.EventTypes, cfg.EntityTypes, cfg.IsActive, now)
	if err != nil {
		return models.ProcessorConfig{}, fmt.Errorf("update processor config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ProcessorConfig{}, fmt.Errorf("processor config %s: %w", cfg.ID, ErrNotFound)
	}
	cfg.UpdatedAt = now
	return cfg, nil
}

// SetProcessorActive flips is_active without touching anything else.
func (s *Store) SetProcessorActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processor_configs SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set processor active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("processor config %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListProcessorConfigs returns configs matching the filter, newest first.
func (s *Store) ListProcessorConfigs(ctx context.Context, f models.ProcessorFilter) ([]models.ProcessorConfig, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+processorColumns+` FROM processor_configs
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR processor_type = $2)
		  AND ($3::boolean IS NULL OR is_active = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, f.ClientID, f.ProcessorType, f.IsActive, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list processor configs: %w", err)
	}
	defer rows.Close()
	return collectProcessorConfigs(rows)
}

// MatchingProcessorConfigs returns every active config for the client whose
// subscription lists contain both the event type and the entity type.
func (s *Store) MatchingProcessorConfigs(ctx context.Context, clientID, eventType, entityType string) ([]models.ProcessorConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+processorColumns+` FROM processor_configs
		WHERE client_id = $1 AND is_active
		  AND $2 = ANY(event_types)
		  AND $3 = ANY(entity_types)
	`, clientID, eventType, entityType)
	if err != nil {
		return nil, fmt.Errorf("match processor configs: %w", err)
	}
	defer rows.Close()
	return collectProcessorConfigs(rows)
}

func collectProcessorConfigs(rows pgx.Rows) ([]models.ProcessorConfig, error) {
	out := []models.ProcessorConfig{}
	for rows.Next() {
		cfg, err := scanProcessorConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan processor config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ---- deliveries ----

const deliveryColumns = `id, event_id, processor_config_id, status, max_attempts, current_attempts, request_payload, created_at, updated_at`

func scanDelivery(row pgx.Row) (models.Delivery, error) {
	var d models.Delivery
	var payloadJSON []byte
	if err := row.Scan(&d.ID, &d.EventID, &d.ProcessorConfigID, &d.Status, &d.MaxAttempts,
		&d.CurrentAttempts, &payloadJSON, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.Delivery{}, err
	}
	if err := json.Unmarshal(payloadJSON, &d.RequestPayload); err != nil {
		return models.Delivery{}, fmt.Errorf("unmarshal request payload: %w", err)
	}
	return d, nil
}

// InsertDelivery creates a pending delivery record for an (event, processor)
// pair. The unique index on that pair makes a replayed fan-out a no-op; the
// existing record is returned in that case.
func (s *Store) InsertDelivery(ctx context.Context, eventID, processorConfigID string, payload map[string]any, maxAttempts int) (models.Delivery, error) {
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Delivery{}, fmt.Errorf("marshal request payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (id, event_id, processor_config_id, status, max_attempts, current_attempts, request_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		ON CONFLICT (event_id, processor_config_id) DO NOTHING
	`, id, eventID, processorConfigID, models.DeliveryPending, maxAttempts, payloadJSON, now)
	if err != nil {
		return models.Delivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := s.pool.QueryRow(ctx, `
			SELECT `+deliveryColumns+` FROM deliveries
			WHERE event_id = $1 AND processor_config_id = $2
		`, eventID, processorConfigID)
		d, err := scanDelivery(row)
		if err != nil {
			return models.Delivery{}, fmt.Errorf("load existing delivery: %w", err)
		}
		return d, nil
	}

	return models.Delivery{
		ID:                id,
		EventID:           eventID,
		ProcessorConfigID: processorConfigID,
		Status:            models.DeliveryPending,
		MaxAttempts:       maxAttempts,
		CurrentAttempts:   0,
		RequestPayload:    payload,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// GetDelivery fetches a delivery by id.
func (s *Store) GetDelivery(ctx context.Context, id string) (models.Delivery, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Delivery{}, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	return d, nil
}

// ClaimAttempt increments current_attempts and transitions the delivery
// status in one conditional update, so two workers racing on the same
// delivery can never double-count, interleave a failed write over a
// completed one, or resurrect a terminal record. It returns the claimed
// attempt number and the resulting status.
func (s *Store) ClaimAttempt(ctx context.Context, deliveryID string, success bool) (int, string, error) {
	var attempt int
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE deliveries
		SET current_attempts = current_attempts + 1,
		    status = CASE
		        WHEN $4::boolean THEN $5::text
		        WHEN current_attempts + 1 >= max_attempts THEN $6::text
		        ELSE $3::text
		    END,
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ($2, $3)
		  AND current_attempts < max_attempts
		RETURNING current_attempts, status
	`, deliveryID, models.DeliveryPending, models.DeliveryInProgress,
		success, models.DeliveryCompleted, models.DeliveryFailed).Scan(&attempt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetDelivery(ctx, deliveryID); err != nil {
			return 0, "", err
		}
		return 0, "", fmt.Errorf("delivery %s: %w", deliveryID, ErrDeliveryTerminal)
	}
	if err != nil {
		return 0, "", fmt.Errorf("claim attempt: %w", err)
	}
	return attempt, status, nil
}

// InsertAttempt appends an attempt row. The (delivery_id, attempt_number)
// unique index makes a replayed attempt a no-op; the existing row is
// returned in that case.
func (s *Store) InsertAttempt(ctx context.Context, a models.DeliveryAttempt) (models.DeliveryAttempt, error) {
	var bodyJSON []byte
	if a.ResponseBody != nil {
		var err error
		bodyJSON, err = json.Marshal(a.ResponseBody)
		if err != nil {
			return models.DeliveryAttempt{}, fmt.Errorf("marshal response body: %w", err)
		}
	}

	a.ID = uuid.New().String()
	a.CreatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (id, delivery_id, attempt_number, status, response_status, response_body, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (delivery_id, attempt_number) DO NOTHING
	`, a.ID, a.DeliveryID, a.AttemptNumber, a.Status, a.ResponseStatus, bodyJSON, a.ErrorDetail, a.CreatedAt)
	if err != nil {
		return models.DeliveryAttempt{}, fmt.Errorf("insert delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.getAttempt(ctx, a.DeliveryID, a.AttemptNumber)
	}
	return a, nil
}

const attemptColumns = `id, delivery_id, attempt_number, status, response_status, response_body, error_detail, created_at`

func scanAttempt(row pgx.Row) (models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	var respStatus pgtype.Int4
	var bodyJSON []byte
	var detail pgtype.Text
	if err := row.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.Status, &respStatus, &bodyJSON, &detail, &a.CreatedAt); err != nil {
		return models.DeliveryAttempt{}, err
	}
	if respStatus.Valid {
		v := int(respStatus.Int32)
		a.ResponseStatus = &v
	}
	if len(bodyJSON) > 0 {
		if err := json.Unmarshal(bodyJSON, &a.ResponseBody); err != nil {
			return models.DeliveryAttempt{}, fmt.Errorf("unmarshal response body: %w", err)
		}
	}
	a.ErrorDetail = textPtr(detail)
	return a, nil
}

func (s *Store) getAttempt(ctx context.Context, deliveryID string, attemptNumber int) (models.DeliveryAttempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE delivery_id = $1 AND attempt_number = $2
	`, deliveryID, attemptNumber)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeliveryAttempt{}, fmt.Errorf("attempt %d for delivery %s: %w", attemptNumber, deliveryID, ErrNotFound)
	}
	if err != nil {
		return models.DeliveryAttempt{}, fmt.Errorf("scan delivery attempt: %w", err)
	}
	return a, nil
}

// DeliveryAttempts returns every attempt for a delivery in attempt order.
func (s *Store) DeliveryAttempts(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE delivery_id = $1
		ORDER BY attempt_number ASC
	`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	out := []models.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EventDeliveries returns all deliveries created for an event, oldest first.
func (s *Store) EventDeliveries(ctx context.Context, eventID string) ([]models.Delivery, error) {
	return s.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE event_id = $1
		ORDER BY created_at ASC
	`, eventID)
}

// PendingDeliveries returns non-terminal deliveries with attempts remaining,
// for reconciliation sweeps.
func (s *Store) PendingDeliveries(ctx context.Context, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE status IN ($1, $2) AND current_attempts < max_attempts
		ORDER BY created_at ASC
		LIMIT $3
	`, models.DeliveryPending, models.DeliveryInProgress, limit)
}

func (s *Store) queryDeliveries(ctx context.Context, sql string, args ...any) ([]models.Delivery, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := []models.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- chat entities (collaborator contract) ----

// ResolveClientID determines the owning client for an entity. Chat messages
// resolve through their session, sessions directly, and ai_service entities
// through the parent chat message of their first recorded event.
func (s *Store) ResolveClientID(ctx context.Context, entityType, entityID string) (string, error) {
	switch entityType {
	case models.EntityChatMessage:
		var clientID string
		err := s.pool.QueryRow(ctx, `
			SELECT cs.client_id
			FROM chat_messages cm
			JOIN chat_sessions cs ON cs.id = cm.session_id
			WHERE cm.id = $1
		`, entityID).Scan(&clientID)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("chat message %s: %w", entityID, ErrClientUnresolvable)
		}
		if err != nil {
			return "", fmt.Errorf("resolve chat message client: %w", err)
		}
		return clientID, nil

	case models.EntityChatSession:
		var clientID string
		err := s.pool.QueryRow(ctx, `SELECT client_id FROM chat_sessions WHERE id = $1`, entityID).Scan(&clientID)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("chat session %s: %w", entityID, ErrClientUnresolvable)
		}
		if err != nil {
			return "", fmt.Errorf("resolve chat session client: %w", err)
		}
		return clientID, nil

	case models.EntityAIService:
		// AI service entities carry no client of their own; the parent of
		// their earliest event points at the originating chat message.
		events, err := s.EntityEvents(ctx, models.EntityAIService, entityID)
		if err != nil {
			return "", err
		}
		if len(events) == 0 || events[0].ParentID == nil {
			return "", fmt.Errorf("ai service %s: %w", entityID, ErrClientUnresolvable)
		}
		return s.ResolveClientID(ctx, models.EntityChatMessage, *events[0].ParentID)
	}
	return "", fmt.Errorf("entity type %s: %w", entityType, ErrClientUnresolvable)
}

// SetMessageExternalID writes the downstream system's id back onto a chat
// message after a successful delivery.
func (s *Store) SetMessageExternalID(ctx context.Context, messageID, externalID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_messages SET external_id = $2 WHERE id = $1
	`, messageID, externalID)
	if err != nil {
		return fmt.Errorf("set message external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
