package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"chatbot-event-delivery/internal/models"
	"chatbot-event-delivery/internal/registry"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(discard{})
	return log
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func webhookProcessor(url string, extra map[string]any) models.ProcessorConfig {
	cfg := map[string]any{"webhook_url": url}
	for k, v := range extra {
		cfg[k] = v
	}
	return models.ProcessorConfig{
		ID:            "proc-1",
		ProcessorType: models.ProcessorHTTPWebhook,
		Config:        cfg,
	}
}

func TestDispatchWebhookSuccess(t *testing.T) {
	var gotBody map[string]any
	var gotContentType, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotHeader = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"crm-41","status":"stored"}`))
	}))
	defer srv.Close()

	d := NewDispatcher(quietLogger())
	res := d.Dispatch(context.Background(), webhookProcessor(srv.URL, map[string]any{
		"headers": map[string]any{"X-Api-Key": "secret"},
	}), map[string]any{"event_id": "ev-1"})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ResponseStatus == nil || *res.ResponseStatus != 200 {
		t.Fatalf("response status = %v, want 200", res.ResponseStatus)
	}
	if res.ResponseBody["id"] != "crm-41" {
		t.Fatalf("response body = %v", res.ResponseBody)
	}
	if gotBody["event_id"] != "ev-1" {
		t.Fatalf("request body = %v", gotBody)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if gotHeader != "secret" {
		t.Fatalf("custom header = %q, want secret", gotHeader)
	}
}

func TestDispatchWebhookServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(quietLogger())
	res := d.Dispatch(context.Background(), webhookProcessor(srv.URL, nil), map[string]any{})

	if res.Success {
		t.Fatal("5xx must not be success")
	}
	if res.ResponseStatus == nil || *res.ResponseStatus != 500 {
		t.Fatalf("response status = %v, want 500", res.ResponseStatus)
	}
	if !strings.Contains(res.ErrorMessage, "500") {
		t.Fatalf("error message = %q", res.ErrorMessage)
	}
}

func TestDispatchWebhookWrapsNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	d := NewDispatcher(quietLogger())
	res := d.Dispatch(context.Background(), webhookProcessor(srv.URL, nil), map[string]any{})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.ResponseBody["text"] != "OK" {
		t.Fatalf("response body = %v, want wrapped text", res.ResponseBody)
	}
}

func TestDispatchWebhookKeepsNonObjectJSONParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["ack-1","ack-2"]`))
	}))
	defer srv.Close()

	d := NewDispatcher(quietLogger())
	res := d.Dispatch(context.Background(), webhookProcessor(srv.URL, nil), map[string]any{})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	arr, ok := res.ResponseBody["body"].([]any)
	if !ok || len(arr) != 2 || arr[0] != "ack-1" {
		t.Fatalf("response body = %v, want parsed array under body", res.ResponseBody)
	}
}

func TestDispatchWebhookConnectionRefused(t *testing.T) {
	d := NewDispatcher(quietLogger())
	res := d.Dispatch(context.Background(), webhookProcessor("http://127.0.0.1:1", nil), map[string]any{})

	if res.Success {
		t.Fatal("connection failure must not be success")
	}
	if res.ResponseStatus != nil {
		t.Fatalf("no HTTP status expected, got %v", *res.ResponseStatus)
	}
	if res.ErrorMessage == "" {
		t.Fatal("expected error message")
	}
}

func TestDispatchFailsFastOnMalformedConfig(t *testing.T) {
	d := NewDispatcher(quietLogger())
	res := d.Dispatch(context.Background(), models.ProcessorConfig{
		ProcessorType: models.ProcessorHTTPWebhook,
		Config:        map[string]any{},
	}, map[string]any{})

	if res.Success || !strings.Contains(res.ErrorMessage, "invalid webhook config") {
		t.Fatalf("expected config failure, got %+v", res)
	}
}

func TestDispatchAMQP(t *testing.T) {
	d := NewDispatcher(quietLogger())
	var gotCfg registry.AMQPConfig
	var gotBody []byte
	d.publishAMQP = func(_ context.Context, cfg registry.AMQPConfig, body []byte) error {
		gotCfg = cfg
		gotBody = body
		return nil
	}

	res := d.Dispatch(context.Background(), models.ProcessorConfig{
		ProcessorType: models.ProcessorAMQP,
		Config: map[string]any{
			"host":        "mq.internal",
			"exchange":    "chat",
			"routing_key": "chat.events",
		},
	}, map[string]any{"event_id": "ev-1"})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if gotCfg.RoutingKey != "chat.events" || gotCfg.Port != 5672 {
		t.Fatalf("decoded config = %+v", gotCfg)
	}
	var body map[string]any
	if err := json.Unmarshal(gotBody, &body); err != nil || body["event_id"] != "ev-1" {
		t.Fatalf("published body = %s (%v)", gotBody, err)
	}
}

func TestDispatchAMQPPublishError(t *testing.T) {
	d := NewDispatcher(quietLogger())
	d.publishAMQP = func(context.Context, registry.AMQPConfig, []byte) error {
		return errors.New("broker unavailable")
	}

	res := d.Dispatch(context.Background(), models.ProcessorConfig{
		ProcessorType: models.ProcessorAMQP,
		Config:        map[string]any{"host": "mq.internal", "routing_key": "chat.events"},
	}, map[string]any{})

	if res.Success || !strings.Contains(res.ErrorMessage, "broker unavailable") {
		t.Fatalf("expected publish failure, got %+v", res)
	}
}

func TestAMQPURI(t *testing.T) {
	user, pass := "svc", "pw"
	uri := amqpURI(registry.AMQPConfig{Host: "mq.internal", Port: 5672, Vhost: "chat", Username: &user, Password: &pass})
	if uri != "amqp://svc:pw@mq.internal:5672/chat" {
		t.Fatalf("uri = %q", uri)
	}

	uri = amqpURI(registry.AMQPConfig{Host: "mq.internal", Port: 5672, Vhost: "/"})
	if uri != "amqp://mq.internal:5672/" {
		t.Fatalf("default vhost uri = %q", uri)
	}
}
