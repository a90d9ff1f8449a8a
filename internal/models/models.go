package models

import (
	"time"
)

// Event types emitted by the chatbot backend.
const (
	EventChatSessionCreated     = "chat_session_created"
	EventChatSessionInactive    = "chat_session_inactive"
	EventChatMessageCreated     = "chat_message_created"
	EventChatWorkflowProcessing = "chat_workflow_processing"
	EventChatWorkflowCompleted  = "chat_workflow_completed"
	EventChatWorkflowError      = "chat_workflow_error"
	EventChatWorkflowHandover   = "chat_workflow_handover"
	EventChatSuggestionCreated  = "chat_suggestion_created"
	EventAIRequestSent          = "ai_request_sent"
	EventAIResponseReceived     = "ai_response_received"
)

// Entity types an event can reference.
const (
	EntityChatSession    = "chat_session"
	EntityChatMessage    = "chat_message"
	EntityChatSuggestion = "chat_suggestion"
	EntityAIService      = "ai_service"
)

// Processor types supported by the dispatch engine.
const (
	ProcessorHTTPWebhook = "http_webhook"
	ProcessorAMQP        = "amqp"
)

// Delivery lifecycle states persisted in Postgres.
const (
	DeliveryPending    = "pending"
	DeliveryInProgress = "in_progress"
	DeliveryCompleted  = "completed"
	DeliveryFailed     = "failed"
)

// Outcome of a single delivery attempt.
const (
	AttemptSuccess = "success"
	AttemptFailure = "failure"
)

// DefaultMaxAttempts bounds retries for a single delivery.
const DefaultMaxAttempts = 3

var eventTypes = map[string]bool{
	EventChatSessionCreated:     true,
	EventChatSessionInactive:    true,
	EventChatMessageCreated:     true,
	EventChatWorkflowProcessing: true,
	EventChatWorkflowCompleted:  true,
	EventChatWorkflowError:      true,
	EventChatWorkflowHandover:   true,
	EventChatSuggestionCreated:  true,
	EventAIRequestSent:          true,
	EventAIResponseReceived:     true,
}

var entityTypes = map[string]bool{
	EntityChatSession:    true,
	EntityChatMessage:    true,
	EntityChatSuggestion: true,
	EntityAIService:      true,
}

// ValidEventType reports whether s is a known event type.
func ValidEventType(s string) bool { return eventTypes[s] }

// ValidEntityType reports whether s is a known entity type.
func ValidEntityType(s string) bool { return entityTypes[s] }

// ValidProcessorType reports whether s is a supported processor type.
func ValidProcessorType(s string) bool {
	return s == ProcessorHTTPWebhook || s == ProcessorAMQP
}

// TerminalDeliveryStatus reports whether no further attempts may be recorded.
func TerminalDeliveryStatus(s string) bool {
	return s == DeliveryCompleted || s == DeliveryFailed
}

// Event is an immutable fact about something that happened in the system.
type Event struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ParentID   *string        `json:"parent_id,omitempty"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ProcessorConfig is a client's subscription describing where to send events.
// Config holds the raw type-specific connection details; it is validated
// against the schema for ProcessorType before the record is usable.
type ProcessorConfig struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   *string        `json:"description,omitempty"`
	ClientID      string         `json:"client_id"`
	ProcessorType string         `json:"processor_type"`
	Config        map[string]any `json:"config"`
	EventTypes    []string       `json:"event_types"`
	EntityTypes   []string       `json:"entity_types"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ProcessorFilter narrows processor config listings.
type ProcessorFilter struct {
	ClientID      string
	ProcessorType string
	IsActive      *bool
	Limit         int
	Offset        int
}

// Delivery tracks one event's delivery to one processor.
type Delivery struct {
	ID                string         `json:"id"`
	EventID           string         `json:"event_id"`
	ProcessorConfigID string         `json:"processor_config_id"`
	Status            string         `json:"status"`
	MaxAttempts       int            `json:"max_attempts"`
	CurrentAttempts   int            `json:"current_attempts"`
	RequestPayload    map[string]any `json:"request_payload"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// DeliveryAttempt is the append-only record of one try.
type DeliveryAttempt struct {
	ID             string         `json:"id"`
	DeliveryID     string         `json:"delivery_id"`
	AttemptNumber  int            `json:"attempt_number"`
	Status         string         `json:"status"`
	ResponseStatus *int           `json:"response_status,omitempty"`
	ResponseBody   map[string]any `json:"response_body,omitempty"`
	ErrorDetail    *string        `json:"error_detail,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DispatchPayload is the wire contract sent to processors.
type DispatchPayload struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ParentID   *string        `json:"parent_id"`
	Data       map[string]any `json:"data"`
	Timestamp  string         `json:"timestamp"`
	ClientID   string         `json:"client_id"`
}

// Map renders the payload as the generic object persisted on the Delivery.
func (p DispatchPayload) Map() map[string]any {
	var parent any
	if p.ParentID != nil {
		parent = *p.ParentID
	}
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"event_id":    p.EventID,
		"event_type":  p.EventType,
		"entity_type": p.EntityType,
		"entity_id":   p.EntityID,
		"parent_id":   parent,
		"data":        data,
		"timestamp":   p.Timestamp,
		"client_id":   p.ClientID,
	}
}

// ChatSession is the minimal projection of a chat session needed to
// resolve the owning client for an event.
type ChatSession struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
}

// ChatMessage is the minimal projection of a chat message needed for
// client resolution and the external_id write-back.
type ChatMessage struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	ExternalID *string `json:"external_id,omitempty"`
}
