package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"chatbot-event-delivery/internal/config"
	"chatbot-event-delivery/internal/dispatch"
	"chatbot-event-delivery/internal/models"
	"chatbot-event-delivery/internal/queue"
	"chatbot-event-delivery/internal/registry"
	"chatbot-event-delivery/internal/store"
	"chatbot-event-delivery/internal/telemetry"
	"chatbot-event-delivery/internal/tracking"
)

// EventSource loads persisted events.
type EventSource interface {
	Get(ctx context.Context, id string) (models.Event, error)
}

// ClientResolver maps an entity to its owning client.
type ClientResolver interface {
	ResolveClientID(ctx context.Context, entityType, entityID string) (string, error)
}

// ProcessorDirectory resolves processor configs for dispatch.
type ProcessorDirectory interface {
	Get(ctx context.Context, id string) (models.ProcessorConfig, error)
	Matching(ctx context.Context, clientID, eventType, entityType string) ([]models.ProcessorConfig, error)
}

// DeliveryTracker owns delivery records and attempt accounting.
type DeliveryTracker interface {
	CreateDelivery(ctx context.Context, eventID, processorConfigID string, payload map[string]any, maxAttempts int) (models.Delivery, error)
	Get(ctx context.Context, deliveryID string) (models.Delivery, error)
	RecordAttempt(ctx context.Context, deliveryID string, p tracking.AttemptParams) (models.DeliveryAttempt, string, error)
}

// Dispatcher performs one synchronous dispatch call.
type Dispatcher interface {
	Dispatch(ctx context.Context, processor models.ProcessorConfig, payload map[string]any) dispatch.Result
}

// TaskQueue is the durable work queue driving the pipeline.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string, runAt time.Time) error
	Schedule(ctx context.Context, taskID string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, taskID string, extension time.Duration) error
	Ack(ctx context.Context, taskID string) error
	DLQPush(ctx context.Context, taskID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loop: event fan-out and individual
// delivery attempts, each an independently leased unit of work.
type Processor struct {
	cfg        config.Config
	queue      TaskQueue
	events     EventSource
	resolver   ClientResolver
	registry   ProcessorDirectory
	tracker    DeliveryTracker
	dispatcher Dispatcher
	log        *logrus.Logger
}

func NewProcessor(cfg config.Config, q TaskQueue, ev EventSource, res ClientResolver, reg ProcessorDirectory, tr DeliveryTracker, disp Dispatcher, log *logrus.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		queue:      q,
		events:     ev,
		resolver:   res,
		registry:   reg,
		tracker:    tr,
		dispatcher: disp,
		log:        log,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			p.log.WithField("count", len(reclaimed)).Warn("reclaimed expired task leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		taskID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || taskID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.handleTask(ctx, taskID)
		telemetry.InFlightGauge.Dec()
	}
}

func (p *Processor) handleTask(ctx context.Context, taskID string) {
	kind, recordID, ok := queue.SplitTaskID(taskID)
	if !ok {
		p.log.WithField("task_id", taskID).Error("malformed task id")
		_ = p.queue.Ack(ctx, taskID)
		_ = p.queue.DLQPush(ctx, taskID)
		return
	}
	switch kind {
	case queue.KindEvent:
		p.handleEventTask(ctx, taskID, recordID)
	case queue.KindDelivery:
		p.handleDeliveryTask(ctx, taskID, recordID)
	default:
		p.log.WithField("task_id", taskID).Error("unknown task kind")
		_ = p.queue.Ack(ctx, taskID)
		_ = p.queue.DLQPush(ctx, taskID)
	}
}

// handleEventTask fans one persisted event out to its matching processors:
// one Delivery and one independent delivery task per processor. Transient
// errors leave the lease in place so the task is reclaimed and retried;
// non-retryable ones are acked and dead-lettered.
func (p *Processor) handleEventTask(ctx context.Context, taskID, eventID string) {
	log := p.log.WithField("event_id", eventID)

	ev, err := p.events.Get(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("event vanished before processing")
		p.dropTask(ctx, taskID)
		return
	}
	if err != nil {
		log.WithError(err).Warn("load event, leaving task leased")
		return
	}

	clientID, err := p.resolver.ResolveClientID(ctx, ev.EntityType, ev.EntityID)
	if errors.Is(err, store.ErrClientUnresolvable) {
		log.WithError(err).Error("no owning client for event entity")
		p.dropTask(ctx, taskID)
		return
	}
	if err != nil {
		log.WithError(err).Warn("resolve client, leaving task leased")
		return
	}

	processors, err := p.registry.Matching(ctx, clientID, ev.EventType, ev.EntityType)
	if err != nil {
		log.WithError(err).Warn("match processors, leaving task leased")
		return
	}
	if len(processors) == 0 {
		telemetry.EventsSkipped.Inc()
		log.WithField("client_id", clientID).Info("no matching processors, skipping event")
		_ = p.queue.Ack(ctx, taskID)
		return
	}

	payload := models.DispatchPayload{
		EventID:    ev.ID,
		EventType:  ev.EventType,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		ParentID:   ev.ParentID,
		Data:       ev.Data,
		Timestamp:  ev.CreatedAt.UTC().Format(time.RFC3339),
		ClientID:   clientID,
	}.Map()

	// One processor's failure must never block another's delivery record.
	// Delivery creation is idempotent per (event, processor), so a partial
	// fan-out leaves the task leased and the reclaim finishes the rest
	// without duplicating what already landed.
	incomplete := false
	for _, proc := range processors {
		d, err := p.tracker.CreateDelivery(ctx, ev.ID, proc.ID, payload, p.cfg.MaxAttempts)
		if err != nil {
			log.WithError(err).WithField("processor_id", proc.ID).Error("create delivery record")
			incomplete = true
			continue
		}
		telemetry.DeliveriesCreated.Inc()
		if err := p.queue.Enqueue(ctx, queue.TaskID(queue.KindDelivery, d.ID), time.Now()); err != nil {
			log.WithError(err).WithField("delivery_id", d.ID).Error("enqueue delivery task")
			incomplete = true
		}
	}
	if incomplete {
		log.Warn("fan-out incomplete, leaving task leased")
		return
	}
	_ = p.queue.Ack(ctx, taskID)
}

// handleDeliveryTask performs one dispatch attempt for a delivery and
// schedules the next attempt with exponential backoff while the delivery
// stays retryable.
func (p *Processor) handleDeliveryTask(ctx context.Context, taskID, deliveryID string) {
	log := p.log.WithField("delivery_id", deliveryID)

	d, err := p.tracker.Get(ctx, deliveryID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("delivery record vanished")
		p.dropTask(ctx, taskID)
		return
	}
	if err != nil {
		log.WithError(err).Warn("load delivery, leaving task leased")
		return
	}
	if models.TerminalDeliveryStatus(d.Status) {
		// Replay of an already-settled task; nothing to record.
		_ = p.queue.Ack(ctx, taskID)
		return
	}

	proc, err := p.registry.Get(ctx, d.ProcessorConfigID)
	if errors.Is(err, store.ErrNotFound) {
		// Config absence is not transient; record the failure and stop.
		msg := "processor config " + d.ProcessorConfigID + " no longer exists"
		if _, _, err := p.tracker.RecordAttempt(ctx, deliveryID, tracking.AttemptParams{
			Status:      models.AttemptFailure,
			ErrorDetail: &msg,
		}); err != nil && !errors.Is(err, store.ErrDeliveryTerminal) {
			log.WithError(err).Error("record missing-config attempt")
		}
		telemetry.AttemptsRecorded.WithLabelValues(models.AttemptFailure).Inc()
		p.dropTask(ctx, taskID)
		return
	}
	if err != nil {
		log.WithError(err).Warn("load processor config, leaving task leased")
		return
	}

	p.extendLeaseForDispatch(ctx, taskID, proc)

	res := p.dispatcher.Dispatch(ctx, proc, d.RequestPayload)
	params := tracking.AttemptParams{
		Status:         models.AttemptFailure,
		ResponseStatus: res.ResponseStatus,
		ResponseBody:   res.ResponseBody,
	}
	if res.Success {
		params.Status = models.AttemptSuccess
	}
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		params.ErrorDetail = &msg
	}

	attempt, status, err := p.tracker.RecordAttempt(ctx, deliveryID, params)
	if errors.Is(err, store.ErrDeliveryTerminal) {
		// A concurrent replay already settled this delivery.
		_ = p.queue.Ack(ctx, taskID)
		return
	}
	if err != nil {
		log.WithError(err).Warn("record attempt, leaving task leased")
		return
	}
	telemetry.AttemptsRecorded.WithLabelValues(params.Status).Inc()

	switch status {
	case models.DeliveryCompleted:
		telemetry.DeliveriesCompleted.Inc()
		_ = p.queue.Ack(ctx, taskID)
	case models.DeliveryFailed:
		telemetry.DeliveriesFailed.Inc()
		log.WithField("attempts", attempt.AttemptNumber).Error("delivery exhausted attempts")
		p.dropTask(ctx, taskID)
	default:
		delay := backoffDelay(p.cfg.RetryBackoffBase, attempt.AttemptNumber-1)
		nextRun := time.Now().Add(delay)
		// Ack only after the retry is durably scheduled.
		if err := p.queue.Schedule(ctx, taskID, nextRun); err != nil {
			log.WithError(err).Error("schedule delivery retry, leaving task leased")
			return
		}
		_ = p.queue.Ack(ctx, taskID)
		log.WithFields(logrus.Fields{
			"attempt":  attempt.AttemptNumber,
			"next_run": nextRun.UTC().Format(time.RFC3339),
		}).Info("delivery retry scheduled")
	}
}

// extendLeaseForDispatch pushes the visibility deadline past the webhook
// timeout so a slow-but-legitimate call is not reclaimed mid-flight.
func (p *Processor) extendLeaseForDispatch(ctx context.Context, taskID string, proc models.ProcessorConfig) {
	if proc.ProcessorType != models.ProcessorHTTPWebhook {
		return
	}
	cfg, err := registry.DecodeWebhookConfig(proc.Config)
	if err != nil {
		return
	}
	callTimeout := time.Duration(cfg.Timeout) * time.Second
	if callTimeout >= p.cfg.VisibilityTimeout {
		_ = p.queue.ExtendLease(ctx, taskID, callTimeout+5*time.Second)
	}
}

// dropTask removes a task from in-flight and parks it on the DLQ.
func (p *Processor) dropTask(ctx context.Context, taskID string) {
	_ = p.queue.Ack(ctx, taskID)
	_ = p.queue.DLQPush(ctx, taskID)
}

// backoffDelay grows the wait exponentially per completed retry:
// base, 2*base, 4*base for retryIndex 0, 1, 2.
func backoffDelay(base time.Duration, retryIndex int) time.Duration {
	if retryIndex < 0 {
		retryIndex = 0
	}
	return base * time.Duration(1<<uint(retryIndex))
}
