package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// Channel delivers fired alerts somewhere. Send failures are contained by
// the evaluator and never affect other channels.
type Channel interface {
	Name() string
	Send(a Alert) error
}

// SlogChannel writes alerts to a structured logger.
type SlogChannel struct {
	name   string
	logger *slog.Logger
}

// NewSlogChannel builds a logging channel.
func NewSlogChannel(name string, logger *slog.Logger) *SlogChannel {
	return &SlogChannel{name: name, logger: logger}
}

func (c *SlogChannel) Name() string { return c.name }

func (c *SlogChannel) Send(a Alert) error {
	c.logger.Warn("alert fired",
		"alert_id", a.AlertID,
		"rule_id", a.RuleID,
		"rule_name", a.RuleName,
		"count", a.Count,
		"threshold", a.Threshold,
		"window", a.Window,
	)
	return nil
}

// FileChannel appends alerts as JSON lines to an alert log file. Writes are
// serialized per channel.
type FileChannel struct {
	name string
	path string
	mu   sync.Mutex
}

// NewFileChannel builds a JSONL file channel.
func NewFileChannel(name, path string) *FileChannel {
	return &FileChannel{name: name, path: path}
}

func (c *FileChannel) Name() string { return c.name }

func (c *FileChannel) Send(a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.AlertID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open alert log %s: %w", c.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write alert log %s: %w", c.path, err)
	}
	return nil
}

// WebhookChannel POSTs alerts as JSON to an HTTP endpoint with a bounded
// timeout, so a slow receiver cannot stall dispatch indefinitely.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel builds a webhook channel. A zero timeout defaults to
// ten seconds.
func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.AlertID, err)
	}
	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("post alert to %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook %s returned status %d", c.url, resp.StatusCode)
	}
	return nil
}
