package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"chatbot-event-delivery/internal/models"
	"chatbot-event-delivery/internal/registry"
)

// maxResponseBytes bounds how much of a webhook response is retained.
const maxResponseBytes = 1 << 20

// Result is the outcome of a single dispatch call.
type Result struct {
	Success        bool
	ResponseStatus *int
	ResponseBody   map[string]any
	ErrorMessage   string
}

func failure(format string, args ...any) Result {
	return Result{ErrorMessage: fmt.Sprintf(format, args...)}
}

// Dispatcher performs the network call for one (processor, payload) pair.
// It carries no retry logic; retries belong to the task layer.
type Dispatcher struct {
	httpClient *http.Client
	log        *logrus.Logger

	// Swapped out in tests to avoid a live broker.
	publishAMQP func(ctx context.Context, cfg registry.AMQPConfig, body []byte) error
}

func NewDispatcher(log *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		// Per-request deadlines come from each processor's configured
		// timeout, not a client-wide one.
		httpClient: &http.Client{},
		log:        log,
	}
	d.publishAMQP = d.amqpPublish
	return d
}

// Dispatch re-validates the processor config and performs one synchronous
// HTTP POST or AMQP publish. A malformed config fails fast with no network
// call.
func (d *Dispatcher) Dispatch(ctx context.Context, processor models.ProcessorConfig, payload map[string]any) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return failure("marshal payload: %v", err)
	}

	switch processor.ProcessorType {
	case models.ProcessorHTTPWebhook:
		cfg, err := registry.DecodeWebhookConfig(processor.Config)
		if err != nil {
			return failure("invalid webhook config: %v", err)
		}
		return d.dispatchWebhook(ctx, cfg, body)

	case models.ProcessorAMQP:
		cfg, err := registry.DecodeAMQPConfig(processor.Config)
		if err != nil {
			return failure("invalid amqp config: %v", err)
		}
		if err := d.publishAMQP(ctx, cfg, body); err != nil {
			return failure("amqp publish: %v", err)
		}
		d.log.WithFields(logrus.Fields{
			"exchange":    cfg.Exchange,
			"routing_key": cfg.RoutingKey,
		}).Info("published event to amqp")
		return Result{Success: true}
	}
	return failure("unsupported processor type %q", processor.ProcessorType)
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, cfg registry.WebhookConfig, body []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return failure("build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return failure("webhook request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure("read webhook response: %v", err)
	}

	status := resp.StatusCode
	res := Result{
		Success:        status >= 200 && status < 300,
		ResponseStatus: &status,
		ResponseBody:   parseResponseBody(raw),
	}
	if !res.Success {
		res.ErrorMessage = fmt.Sprintf("webhook returned status %d", status)
		d.log.WithFields(logrus.Fields{
			"url":    cfg.WebhookURL,
			"status": status,
		}).Warn("webhook dispatch failed")
	}
	return res
}

// parseResponseBody keeps JSON objects as-is, keeps other valid JSON in its
// parsed form under "body", and wraps non-JSON verbatim under "text" so
// audit records retain what the processor actually said.
func parseResponseBody(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"text": string(raw)}
	}
	if body, ok := v.(map[string]any); ok {
		return body
	}
	return map[string]any{"body": v}
}

func (d *Dispatcher) amqpPublish(ctx context.Context, cfg registry.AMQPConfig, body []byte) error {
	conn, err := amqp.Dial(amqpURI(cfg))
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, cfg.Exchange, cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func amqpURI(cfg registry.AMQPConfig) string {
	u := url.URL{
		Scheme: "amqp",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if cfg.Username != nil && cfg.Password != nil {
		u.User = url.UserPassword(*cfg.Username, *cfg.Password)
	}
	if cfg.Vhost == "/" {
		u.Path = "/"
	} else {
		u.Path = "/" + url.PathEscape(cfg.Vhost)
	}
	return u.String()
}
