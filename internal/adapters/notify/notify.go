// Package notify holds the delivery sinks drained by the notification workers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/logger"
)

// ErrDeliveryRejected is returned when the receiver answers with a non-2xx status.
var ErrDeliveryRejected = errors.New("delivery rejected")

// LogSink writes each status change to the structured log.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a sink that logs through l.
func NewLogSink(l logger.Logger) *LogSink {
	if l == nil {
		l = logger.Nop()
	}
	return &LogSink{log: l.Named("notify")}
}

// Name implements worker.Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements worker.Sink.
func (s *LogSink) Deliver(ctx context.Context, c model.StatusChange) error {
	s.log.Info(ctx, "attendance status change",
		logger.String("event_id", c.EventID),
		logger.String("identity_id", c.IdentityID),
		logger.String("date", c.Date),
		logger.String("status", string(c.Status)),
		logger.Time("timestamp", c.Timestamp),
	)
	return nil
}

type payload struct {
	EventID    string    `json:"event_id"`
	IdentityID string    `json:"identity_id"`
	Date       string    `json:"date"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// WebhookSink POSTs each status change as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink. A nil client gets a 10s timeout default.
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, client: client}
}

// Name implements worker.Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements worker.Sink.
func (s *WebhookSink) Deliver(ctx context.Context, c model.StatusChange) error {
	body, err := json.Marshal(payload{
		EventID:    c.EventID,
		IdentityID: c.IdentityID,
		Date:       c.Date,
		Status:     string(c.Status),
		Timestamp:  c.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode status change: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", c.EventID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrDeliveryRejected, resp.StatusCode)
	}
	return nil
}
