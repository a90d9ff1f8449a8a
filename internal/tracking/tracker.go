package tracking

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"chatbot-event-delivery/internal/models"
)

// DeliveryStore is the persistence surface the tracker needs. *store.Store
// satisfies it; tests substitute an in-memory fake.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, eventID, processorConfigID string, payload map[string]any, maxAttempts int) (models.Delivery, error)
	GetDelivery(ctx context.Context, id string) (models.Delivery, error)
	ClaimAttempt(ctx context.Context, deliveryID string, success bool) (attempt int, status string, err error)
	InsertAttempt(ctx context.Context, a models.DeliveryAttempt) (models.DeliveryAttempt, error)
	DeliveryAttempts(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error)
	EventDeliveries(ctx context.Context, eventID string) ([]models.Delivery, error)
	PendingDeliveries(ctx context.Context, limit int) ([]models.Delivery, error)
	GetEvent(ctx context.Context, id string) (models.Event, error)
	SetMessageExternalID(ctx context.Context, messageID, externalID string) error
}

// Tracker owns delivery records and their attempt accounting.
type Tracker struct {
	store DeliveryStore
	log   *logrus.Logger
}

func NewTracker(store DeliveryStore, log *logrus.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// CreateDelivery initializes a pending delivery for an (event, processor) pair.
func (t *Tracker) CreateDelivery(ctx context.Context, eventID, processorConfigID string, payload map[string]any, maxAttempts int) (models.Delivery, error) {
	d, err := t.store.InsertDelivery(ctx, eventID, processorConfigID, payload, maxAttempts)
	if err != nil {
		return models.Delivery{}, fmt.Errorf("create delivery: %w", err)
	}
	t.log.WithFields(logrus.Fields{
		"delivery_id":  d.ID,
		"event_id":     eventID,
		"processor_id": processorConfigID,
	}).Info("created delivery record")
	return d, nil
}

// AttemptParams carries the outcome of one dispatch call.
type AttemptParams struct {
	Status         string
	ResponseStatus *int
	ResponseBody   map[string]any
	ErrorDetail    *string
}

// RecordAttempt claims the next attempt number and transitions the delivery
// status in a single conditional update, then appends the attempt row:
// success is terminal completed, a failure at the attempt ceiling is terminal
// failed, anything else stays retryable. It returns the recorded attempt and
// the delivery's resulting status.
//
// A terminal delivery rejects further attempts with store.ErrDeliveryTerminal
// wrapped, so a replayed or lease-reclaimed duplicate of the same task cannot
// move completed or failed backward.
func (t *Tracker) RecordAttempt(ctx context.Context, deliveryID string, p AttemptParams) (models.DeliveryAttempt, string, error) {
	attemptNumber, status, err := t.store.ClaimAttempt(ctx, deliveryID, p.Status == models.AttemptSuccess)
	if err != nil {
		return models.DeliveryAttempt{}, "", err
	}

	attempt, err := t.store.InsertAttempt(ctx, models.DeliveryAttempt{
		DeliveryID:     deliveryID,
		AttemptNumber:  attemptNumber,
		Status:         p.Status,
		ResponseStatus: p.ResponseStatus,
		ResponseBody:   p.ResponseBody,
		ErrorDetail:    p.ErrorDetail,
	})
	if err != nil {
		return models.DeliveryAttempt{}, "", fmt.Errorf("record attempt %d: %w", attemptNumber, err)
	}

	t.log.WithFields(logrus.Fields{
		"delivery_id": deliveryID,
		"attempt":     attemptNumber,
		"status":      status,
	}).Info("recorded delivery attempt")

	if p.Status == models.AttemptSuccess {
		t.writeBackExternalID(ctx, deliveryID, p.ResponseBody)
	}
	return attempt, status, nil
}

// writeBackExternalID copies the downstream id from a successful response
// onto the originating chat message. Best effort: failures are logged and
// never escalate into the attempt record.
func (t *Tracker) writeBackExternalID(ctx context.Context, deliveryID string, body map[string]any) {
	externalID, ok := body["id"].(string)
	if !ok || externalID == "" {
		return
	}
	delivery, err := t.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		t.log.WithError(err).WithField("delivery_id", deliveryID).Warn("external_id write-back: load delivery")
		return
	}
	event, err := t.store.GetEvent(ctx, delivery.EventID)
	if err != nil {
		t.log.WithError(err).WithField("delivery_id", deliveryID).Warn("external_id write-back: load event")
		return
	}
	if event.EntityType != models.EntityChatMessage {
		return
	}
	if err := t.store.SetMessageExternalID(ctx, event.EntityID, externalID); err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"delivery_id": deliveryID,
			"message_id":  event.EntityID,
		}).Warn("external_id write-back failed")
	}
}

// Attempts returns every attempt for a delivery in attempt order.
func (t *Tracker) Attempts(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	return t.store.DeliveryAttempts(ctx, deliveryID)
}

// Get returns a single delivery.
func (t *Tracker) Get(ctx context.Context, deliveryID string) (models.Delivery, error) {
	return t.store.GetDelivery(ctx, deliveryID)
}

// ForEvent returns all deliveries created for an event.
func (t *Tracker) ForEvent(ctx context.Context, eventID string) ([]models.Delivery, error) {
	return t.store.EventDeliveries(ctx, eventID)
}

// Pending returns non-terminal deliveries for reconciliation sweeps.
func (t *Tracker) Pending(ctx context.Context, limit int) ([]models.Delivery, error) {
	return t.store.PendingDeliveries(ctx, limit)
}
