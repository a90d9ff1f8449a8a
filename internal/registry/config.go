package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"chatbot-event-delivery/internal/models"
)

// ValidationError reports a malformed processor config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// WebhookConfig is the typed form of an http_webhook processor config.
type WebhookConfig struct {
	WebhookURL string            `json:"webhook_url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timeout    int               `json:"timeout,omitempty"`
}

// AMQPConfig is the typed form of an amqp processor config.
type AMQPConfig struct {
	Host       string  `json:"host"`
	Port       int     `json:"port,omitempty"`
	Vhost      string  `json:"vhost,omitempty"`
	Exchange   string  `json:"exchange,omitempty"`
	RoutingKey string  `json:"routing_key"`
	Username   *string `json:"username,omitempty"`
	Password   *string `json:"password,omitempty"`
}

// decodeStrict round-trips raw through JSON into dst, rejecting unknown keys
// and wrong value types.
func decodeStrict(raw map[string]any, dst any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return invalid("config", "not serializable: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("config", "%v", err)
	}
	return nil
}

// DecodeWebhookConfig validates raw against the http_webhook schema and
// returns the typed config with defaults applied.
func DecodeWebhookConfig(raw map[string]any) (WebhookConfig, error) {
	var cfg WebhookConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return WebhookConfig{}, err
	}
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return WebhookConfig{}, invalid("webhook_url", "required")
	}
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return WebhookConfig{}, invalid("webhook_url", "must be an http(s) URL")
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10
	}
	if cfg.Timeout < 1 || cfg.Timeout > 60 {
		return WebhookConfig{}, invalid("timeout", "must be between 1 and 60 seconds")
	}
	return cfg, nil
}

// DecodeAMQPConfig validates raw against the amqp schema and returns the
// typed config with defaults applied.
func DecodeAMQPConfig(raw map[string]any) (AMQPConfig, error) {
	var cfg AMQPConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return AMQPConfig{}, err
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return AMQPConfig{}, invalid("host", "cannot be empty")
	}
	if strings.TrimSpace(cfg.RoutingKey) == "" {
		return AMQPConfig{}, invalid("routing_key", "cannot be empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 5672
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return AMQPConfig{}, invalid("port", "must be between 1 and 65535")
	}
	if cfg.Vhost == "" {
		cfg.Vhost = "/"
	}
	return cfg, nil
}

// ValidateConfig checks raw against the schema for processorType. The typed
// result is discarded; callers that need it use the Decode functions.
func ValidateConfig(processorType string, raw map[string]any) error {
	switch processorType {
	case models.ProcessorHTTPWebhook:
		_, err := DecodeWebhookConfig(raw)
		return err
	case models.ProcessorAMQP:
		_, err := DecodeAMQPConfig(raw)
		return err
	default:
		return invalid("processor_type", "unsupported type %q", processorType)
	}
}
