package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"chatbot-event-delivery/internal/config"
	"chatbot-event-delivery/internal/dispatch"
	"chatbot-event-delivery/internal/models"
	"chatbot-event-delivery/internal/queue"
	"chatbot-event-delivery/internal/store"
	"chatbot-event-delivery/internal/tracking"
)

type fakeEvents struct {
	events map[string]models.Event
}

func (f *fakeEvents) Get(_ context.Context, id string) (models.Event, error) {
	ev, ok := f.events[id]
	if !ok {
		return models.Event{}, store.ErrNotFound
	}
	return ev, nil
}

type fakeResolver struct {
	clients map[string]string // entity_id -> client_id
}

func (f *fakeResolver) ResolveClientID(_ context.Context, _, entityID string) (string, error) {
	c, ok := f.clients[entityID]
	if !ok {
		return "", store.ErrClientUnresolvable
	}
	return c, nil
}

type fakeRegistry struct {
	configs map[string]models.ProcessorConfig
}

func (f *fakeRegistry) Get(_ context.Context, id string) (models.ProcessorConfig, error) {
	c, ok := f.configs[id]
	if !ok {
		return models.ProcessorConfig{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeRegistry) Matching(_ context.Context, clientID, eventType, entityType string) ([]models.ProcessorConfig, error) {
	var out []models.ProcessorConfig
	for _, c := range f.configs {
		if c.ClientID != clientID || !c.IsActive {
			continue
		}
		if contains(c.EventTypes, eventType) && contains(c.EntityTypes, entityType) {
			out = append(out, c)
		}
	}
	return out, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// fakeTracker reproduces the delivery state machine in memory, including
// the idempotent create per (event, processor).
type fakeTracker struct {
	deliveries  map[string]*models.Delivery
	attempts    map[string][]models.DeliveryAttempt
	createFails map[string]int // processor id -> remaining failures
	nextID      int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		deliveries:  map[string]*models.Delivery{},
		attempts:    map[string][]models.DeliveryAttempt{},
		createFails: map[string]int{},
	}
}

func (f *fakeTracker) CreateDelivery(_ context.Context, eventID, processorConfigID string, payload map[string]any, maxAttempts int) (models.Delivery, error) {
	if n := f.createFails[processorConfigID]; n > 0 {
		f.createFails[processorConfigID] = n - 1
		return models.Delivery{}, fmt.Errorf("insert delivery: connection reset")
	}
	for _, d := range f.deliveries {
		if d.EventID == eventID && d.ProcessorConfigID == processorConfigID {
			return *d, nil
		}
	}
	f.nextID++
	d := models.Delivery{
		ID:                fmt.Sprintf("d-%d", f.nextID),
		EventID:           eventID,
		ProcessorConfigID: processorConfigID,
		Status:            models.DeliveryPending,
		MaxAttempts:       maxAttempts,
		RequestPayload:    payload,
	}
	f.deliveries[d.ID] = &d
	return d, nil
}

func (f *fakeTracker) Get(_ context.Context, deliveryID string) (models.Delivery, error) {
	d, ok := f.deliveries[deliveryID]
	if !ok {
		return models.Delivery{}, store.ErrNotFound
	}
	return *d, nil
}

func (f *fakeTracker) RecordAttempt(_ context.Context, deliveryID string, p tracking.AttemptParams) (models.DeliveryAttempt, string, error) {
	d, ok := f.deliveries[deliveryID]
	if !ok {
		return models.DeliveryAttempt{}, "", store.ErrNotFound
	}
	if models.TerminalDeliveryStatus(d.Status) || d.CurrentAttempts >= d.MaxAttempts {
		return models.DeliveryAttempt{}, "", store.ErrDeliveryTerminal
	}
	d.CurrentAttempts++
	a := models.DeliveryAttempt{
		ID:             fmt.Sprintf("%s-a%d", deliveryID, d.CurrentAttempts),
		DeliveryID:     deliveryID,
		AttemptNumber:  d.CurrentAttempts,
		Status:         p.Status,
		ResponseStatus: p.ResponseStatus,
		ResponseBody:   p.ResponseBody,
		ErrorDetail:    p.ErrorDetail,
	}
	f.attempts[deliveryID] = append(f.attempts[deliveryID], a)
	switch {
	case p.Status == models.AttemptSuccess:
		d.Status = models.DeliveryCompleted
	case d.CurrentAttempts >= d.MaxAttempts:
		d.Status = models.DeliveryFailed
	default:
		d.Status = models.DeliveryInProgress
	}
	return a, d.Status, nil
}

type fakeDispatcher struct {
	results []dispatch.Result
	calls   []map[string]any
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ models.ProcessorConfig, payload map[string]any) dispatch.Result {
	f.calls = append(f.calls, payload)
	if len(f.results) == 0 {
		return dispatch.Result{Success: true}
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

type scheduledTask struct {
	taskID string
	runAt  time.Time
}

// fakeQueue records queue traffic without Redis.
type fakeQueue struct {
	ready     []string
	scheduled []scheduledTask
	acked     []string
	dlq       []string
}

func (f *fakeQueue) Enqueue(_ context.Context, taskID string, _ time.Time) error {
	f.ready = append(f.ready, taskID)
	return nil
}

func (f *fakeQueue) Schedule(_ context.Context, taskID string, runAt time.Time) error {
	f.scheduled = append(f.scheduled, scheduledTask{taskID: taskID, runAt: runAt})
	return nil
}

func (f *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) { return 0, nil }

func (f *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}

func (f *fakeQueue) DequeueWithLease(context.Context) (string, error) {
	if len(f.ready) == 0 {
		return "", nil
	}
	id := f.ready[0]
	f.ready = f.ready[1:]
	return id, nil
}

func (f *fakeQueue) ExtendLease(context.Context, string, time.Duration) error { return nil }

func (f *fakeQueue) Ack(_ context.Context, taskID string) error {
	f.acked = append(f.acked, taskID)
	return nil
}

func (f *fakeQueue) DLQPush(_ context.Context, taskID string) error {
	f.dlq = append(f.dlq, taskID)
	return nil
}

func (f *fakeQueue) ReadyDepth(context.Context) (int64, error) { return int64(len(f.ready)), nil }

func testConfig() config.Config {
	return config.Config{
		MaxAttempts:        3,
		RetryBackoffBase:   60 * time.Second,
		VisibilityTimeout:  30 * time.Second,
		WorkerPollInterval: time.Millisecond,
		ScheduledBatchSize: 100,
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(discard{})
	return log
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func webhookProcessor(id, clientID string) models.ProcessorConfig {
	return models.ProcessorConfig{
		ID:            id,
		Name:          "crm sync",
		ClientID:      clientID,
		ProcessorType: models.ProcessorHTTPWebhook,
		Config:        map[string]any{"webhook_url": "https://crm.example.com/hook"},
		EventTypes:    []string{models.EventChatMessageCreated},
		EntityTypes:   []string{models.EntityChatMessage},
		IsActive:      true,
	}
}

func newTestProcessor(ev *fakeEvents, res *fakeResolver, reg *fakeRegistry, tr *fakeTracker, disp *fakeDispatcher, q *fakeQueue) *Processor {
	return NewProcessor(testConfig(), q, ev, res, reg, tr, disp, quietLogger())
}

func TestEventTaskFansOutAndDeliverySucceeds(t *testing.T) {
	ctx := context.Background()
	ev := &fakeEvents{events: map[string]models.Event{
		"ev-1": {
			ID:         "ev-1",
			EventType:  models.EventChatMessageCreated,
			EntityType: models.EntityChatMessage,
			EntityID:   "msg-1",
			Data:       map[string]any{"text": "hi"},
			CreatedAt:  time.Now(),
		},
	}}
	res := &fakeResolver{clients: map[string]string{"msg-1": "client-7"}}
	reg := &fakeRegistry{configs: map[string]models.ProcessorConfig{
		"proc-1": webhookProcessor("proc-1", "client-7"),
	}}
	tr := newFakeTracker()
	disp := &fakeDispatcher{results: []dispatch.Result{{Success: true, ResponseStatus: intp(200)}}}
	q := &fakeQueue{}
	p := newTestProcessor(ev, res, reg, tr, disp, q)

	p.handleTask(ctx, queue.TaskID(queue.KindEvent, "ev-1"))

	if len(tr.deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(tr.deliveries))
	}
	if len(q.ready) != 1 {
		t.Fatalf("expected 1 enqueued delivery task, got %d", len(q.ready))
	}

	p.handleTask(ctx, q.ready[0])

	d := tr.deliveries["d-1"]
	if d.Status != models.DeliveryCompleted {
		t.Fatalf("delivery status = %s, want %s", d.Status, models.DeliveryCompleted)
	}
	if d.CurrentAttempts != 1 {
		t.Fatalf("current_attempts = %d, want 1", d.CurrentAttempts)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("dispatcher called %d times, want 1", len(disp.calls))
	}
	if got := disp.calls[0]["client_id"]; got != "client-7" {
		t.Fatalf("payload client_id = %v, want client-7", got)
	}
	if len(q.dlq) != 0 {
		t.Fatalf("unexpected DLQ entries: %v", q.dlq)
	}
}

func TestEventTaskFansOutToAllMatchingProcessors(t *testing.T) {
	ctx := context.Background()
	ev := &fakeEvents{events: map[string]models.Event{
		"ev-1": {
			ID:         "ev-1",
			EventType:  models.EventChatMessageCreated,
			EntityType: models.EntityChatMessage,
			EntityID:   "msg-1",
			CreatedAt:  time.Now(),
		},
	}}
	res := &fakeResolver{clients: map[string]string{"msg-1": "client-7"}}
	reg := &fakeRegistry{configs: map[string]models.ProcessorConfig{
		"proc-1": webhookProcessor("proc-1", "client-7"),
		"proc-2": webhookProcessor("proc-2", "client-7"),
	}}
	tr := newFakeTracker()
	q := &fakeQueue{}
	p := newTestProcessor(ev, res, reg, tr, &fakeDispatcher{}, q)

	p.handleTask(ctx, queue.TaskID(queue.KindEvent, "ev-1"))

	if len(tr.deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(tr.deliveries))
	}
	if len(q.ready) != 2 {
		t.Fatalf("expected 2 delivery tasks, got %d", len(q.ready))
	}
}

func TestDeliveryRetriesThenFailsTerminally(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistry{configs: map[string]models.ProcessorConfig{
		"proc-1": webhookProcessor("proc-1", "client-7"),
	}}
	tr := newFakeTracker()
	d, _ := tr.CreateDelivery(ctx, "ev-1", "proc-1", map[string]any{"event_id": "ev-1"}, 3)
	disp := &fakeDispatcher{results: []dispatch.Result{
		{Success: false, ResponseStatus: intp(500), ErrorMessage: "HTTP 500"},
	}}
	q := &fakeQueue{}
	p := newTestProcessor(&fakeEvents{}, &fakeResolver{}, reg, tr, disp, q)
	taskID := queue.TaskID(queue.KindDelivery, d.ID)

	// First two attempts fail and reschedule with growing backoff.
	before := time.Now()
	p.handleTask(ctx, taskID)
	if got := tr.deliveries[d.ID].Status; got != models.DeliveryInProgress {
		t.Fatalf("after attempt 1 status = %s, want %s", got, models.DeliveryInProgress)
	}
	if len(q.scheduled) != 1 {
		t.Fatalf("expected 1 scheduled retry, got %d", len(q.scheduled))
	}
	wait := q.scheduled[0].runAt.Sub(before)
	if wait < 59*time.Second || wait > 61*time.Second {
		t.Fatalf("first retry delay %s, want ~60s", wait)
	}

	before = time.Now()
	p.handleTask(ctx, taskID)
	if len(q.scheduled) != 2 {
		t.Fatalf("expected 2 scheduled retries, got %d", len(q.scheduled))
	}
	wait = q.scheduled[1].runAt.Sub(before)
	if wait < 119*time.Second || wait > 121*time.Second {
		t.Fatalf("second retry delay %s, want ~120s", wait)
	}

	// Third failure exhausts the budget.
	p.handleTask(ctx, taskID)
	if got := tr.deliveries[d.ID].Status; got != models.DeliveryFailed {
		t.Fatalf("final status = %s, want %s", got, models.DeliveryFailed)
	}
	if len(tr.attempts[d.ID]) != 3 {
		t.Fatalf("attempt rows = %d, want 3", len(tr.attempts[d.ID]))
	}
	if len(q.scheduled) != 2 {
		t.Fatalf("terminal failure must not reschedule, got %d", len(q.scheduled))
	}
	if len(q.dlq) != 1 || q.dlq[0] != taskID {
		t.Fatalf("expected task on DLQ, got %v", q.dlq)
	}

	// A stale replay of the same task records nothing further.
	p.handleTask(ctx, taskID)
	if len(tr.attempts[d.ID]) != 3 {
		t.Fatalf("replay added attempts: %d", len(tr.attempts[d.ID]))
	}
}

// A partial fan-out must not be acked away: the task stays leased and the
// replay creates only the missing delivery.
func TestPartialFanOutIsRetriedWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	ev := &fakeEvents{events: map[string]models.Event{
		"ev-1": {
			ID:         "ev-1",
			EventType:  models.EventChatMessageCreated,
			EntityType: models.EntityChatMessage,
			EntityID:   "msg-1",
			CreatedAt:  time.Now(),
		},
	}}
	res := &fakeResolver{clients: map[string]string{"msg-1": "client-7"}}
	reg := &fakeRegistry{configs: map[string]models.ProcessorConfig{
		"proc-1": webhookProcessor("proc-1", "client-7"),
		"proc-2": webhookProcessor("proc-2", "client-7"),
	}}
	tr := newFakeTracker()
	tr.createFails["proc-2"] = 1
	q := &fakeQueue{}
	p := newTestProcessor(ev, res, reg, tr, &fakeDispatcher{}, q)
	taskID := queue.TaskID(queue.KindEvent, "ev-1")

	p.handleTask(ctx, taskID)

	if len(tr.deliveries) != 1 {
		t.Fatalf("deliveries after partial fan-out = %d, want 1", len(tr.deliveries))
	}
	if len(q.acked) != 0 {
		t.Fatalf("partial fan-out must not ack, got %v", q.acked)
	}
	if len(q.dlq) != 0 {
		t.Fatalf("partial fan-out must not dead-letter, got %v", q.dlq)
	}

	// The reclaimed replay completes the fan-out idempotently.
	p.handleTask(ctx, taskID)

	if len(tr.deliveries) != 2 {
		t.Fatalf("deliveries after replay = %d, want 2", len(tr.deliveries))
	}
	if len(q.acked) != 1 || q.acked[0] != taskID {
		t.Fatalf("expected event task acked after full fan-out, got %v", q.acked)
	}
	if len(q.ready) != 3 {
		// proc-1's task is enqueued on both passes; its handler is
		// idempotent, the duplicate is tolerated.
		t.Fatalf("delivery tasks = %d, want 3", len(q.ready))
	}
}

func TestEventWithoutMatchingProcessorsIsSkipped(t *testing.T) {
	ctx := context.Background()
	ev := &fakeEvents{events: map[string]models.Event{
		"ev-1": {
			ID:         "ev-1",
			EventType:  models.EventChatSessionCreated,
			EntityType: models.EntityChatSession,
			EntityID:   "sess-1",
			CreatedAt:  time.Now(),
		},
	}}
	res := &fakeResolver{clients: map[string]string{"sess-1": "client-7"}}
	tr := newFakeTracker()
	q := &fakeQueue{}
	p := newTestProcessor(ev, res, &fakeRegistry{}, tr, &fakeDispatcher{}, q)
	taskID := queue.TaskID(queue.KindEvent, "ev-1")

	p.handleTask(ctx, taskID)

	if len(tr.deliveries) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(tr.deliveries))
	}
	if len(q.acked) != 1 || q.acked[0] != taskID {
		t.Fatalf("expected event task acked, got %v", q.acked)
	}
	if len(q.dlq) != 0 {
		t.Fatalf("skip must not dead-letter, got %v", q.dlq)
	}
}

func TestUnresolvableClientDeadLettersEventTask(t *testing.T) {
	ctx := context.Background()
	ev := &fakeEvents{events: map[string]models.Event{
		"ev-1": {
			ID:         "ev-1",
			EventType:  models.EventChatMessageCreated,
			EntityType: models.EntityChatMessage,
			EntityID:   "orphan-msg",
			CreatedAt:  time.Now(),
		},
	}}
	q := &fakeQueue{}
	p := newTestProcessor(ev, &fakeResolver{}, &fakeRegistry{}, newFakeTracker(), &fakeDispatcher{}, q)
	taskID := queue.TaskID(queue.KindEvent, "ev-1")

	p.handleTask(ctx, taskID)

	if len(q.dlq) != 1 || q.dlq[0] != taskID {
		t.Fatalf("expected task on DLQ, got %v", q.dlq)
	}
}

func TestMissingProcessorConfigFailsDeliveryWithoutRetry(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTracker()
	d, _ := tr.CreateDelivery(ctx, "ev-1", "proc-gone", map[string]any{}, 3)
	q := &fakeQueue{}
	p := newTestProcessor(&fakeEvents{}, &fakeResolver{}, &fakeRegistry{}, tr, &fakeDispatcher{}, q)
	taskID := queue.TaskID(queue.KindDelivery, d.ID)

	p.handleTask(ctx, taskID)

	attempts := tr.attempts[d.ID]
	if len(attempts) != 1 {
		t.Fatalf("attempt rows = %d, want 1", len(attempts))
	}
	if attempts[0].Status != models.AttemptFailure || attempts[0].ErrorDetail == nil {
		t.Fatalf("expected failure attempt with error detail, got %+v", attempts[0])
	}
	if len(q.scheduled) != 0 {
		t.Fatalf("missing config must not reschedule, got %v", q.scheduled)
	}
	if len(q.dlq) != 1 {
		t.Fatalf("expected task on DLQ, got %v", q.dlq)
	}
}

func TestMalformedTaskIDIsDeadLettered(t *testing.T) {
	q := &fakeQueue{}
	p := newTestProcessor(&fakeEvents{}, &fakeResolver{}, &fakeRegistry{}, newFakeTracker(), &fakeDispatcher{}, q)

	p.handleTask(context.Background(), "garbage")

	if len(q.dlq) != 1 || q.dlq[0] != "garbage" {
		t.Fatalf("expected malformed id on DLQ, got %v", q.dlq)
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	base := 60 * time.Second
	want := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}
	for i, w := range want {
		if got := backoffDelay(base, i); got != w {
			t.Fatalf("backoffDelay(%d) = %s, want %s", i, got, w)
		}
	}
	if got := backoffDelay(base, -1); got != base {
		t.Fatalf("negative retry index = %s, want %s", got, base)
	}
}

func intp(v int) *int { return &v }
