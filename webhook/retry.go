// Package webhook delivers run notifications to HTTP endpoints with retries
// and keeps undeliverable notifications in a dead letter store.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// SignatureHeader carries the HMAC-SHA256 of the payload when a secret is set.
const SignatureHeader = "X-Shipyard-Signature-256"

// DeliveryStatus represents the status of a notification delivery.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
	StatusDeadLetter DeliveryStatus = "dead_letter"
)

// RetryConfig holds configuration for the sender.
type RetryConfig struct {
	MaxRetries        int           `json:"maxRetries" yaml:"max_retries"`
	InitialBackoff    time.Duration `json:"initialBackoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"maxBackoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	JitterFraction    float64       `json:"jitterFraction" yaml:"jitter_fraction"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		Timeout:           30 * time.Second,
	}
}

// Delivery tracks one notification sent to one endpoint.
type Delivery struct {
	ID          string            `json:"id"`
	Event       string            `json:"event"`
	RunID       string            `json:"runId,omitempty"`
	URL         string            `json:"url"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers"`
	Status      DeliveryStatus    `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"maxRetries"`
	LastError   string            `json:"lastError,omitempty"`
	StatusCode  int               `json:"statusCode,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	LastAttempt *time.Time        `json:"lastAttempt,omitempty"`
	DeliveredAt *time.Time        `json:"deliveredAt,omitempty"`
}

// Sender posts payloads with exponential backoff. Deliveries that exhaust
// their retries go to the dead letter store.
type Sender struct {
	config RetryConfig
	secret string
	client *http.Client
	store  *DeadLetterStore
}

// NewSender creates a Sender. secret signs payloads; empty disables signing.
// A nil store gets a default bounded one.
func NewSender(config RetryConfig, secret string, store *DeadLetterStore) *Sender {
	config = config.withDefaults()
	if store == nil {
		store = NewDeadLetterStore()
	}
	return &Sender{
		config: config,
		secret: secret,
		client: &http.Client{Timeout: config.Timeout},
		store:  store,
	}
}

// withDefaults fills unset fields from DefaultRetryConfig. A zero
// MaxRetries means a single attempt.
func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	c.MaxRetries = max(c.MaxRetries, 0)
	c.JitterFraction = max(c.JitterFraction, 0)
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// SetClient sets a custom HTTP client.
func (s *Sender) SetClient(client *http.Client) {
	s.client = client
}

// DeadLetters returns the sender's dead letter store.
func (s *Sender) DeadLetters() *DeadLetterStore { return s.store }

// Send delivers payload to url. On exhausting retries the delivery is placed
// in the dead letter store and the last error is returned.
func (s *Sender) Send(ctx context.Context, event, runID, url string, payload []byte) (*Delivery, error) {
	d := &Delivery{
		ID:         uuid.NewString(),
		Event:      event,
		RunID:      runID,
		URL:        url,
		Payload:    payload,
		Headers:    map[string]string{"X-Shipyard-Event": event},
		Status:     StatusPending,
		MaxRetries: s.config.MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if s.secret != "" {
		mac := hmac.New(sha256.New, []byte(s.secret))
		mac.Write(payload)
		d.Headers[SignatureHeader] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}
	return d, s.attempt(ctx, d)
}

// Replay retries a dead-lettered delivery.
func (s *Sender) Replay(ctx context.Context, id string) (*Delivery, error) {
	d, ok := s.store.Remove(id)
	if !ok {
		return nil, fmt.Errorf("dead letter %q not found", id)
	}
	d.Status = StatusPending
	d.Attempts = 0
	d.LastError = ""
	d.StatusCode = 0
	return d, s.attempt(ctx, d)
}

func (s *Sender) attempt(ctx context.Context, d *Delivery) error {
	if err := s.deliver(ctx, d); err != nil {
		d.Status = StatusDeadLetter
		d.LastError = err.Error()
		s.store.Add(d)
		return err
	}
	return nil
}

func (s *Sender) deliver(ctx context.Context, d *Delivery) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.config.InitialBackoff
	exp.MaxInterval = s.config.MaxBackoff
	exp.Multiplier = s.config.BackoffMultiplier
	exp.RandomizationFactor = s.config.JitterFraction
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.config.MaxRetries)), ctx)

	err := backoff.Retry(func() error {
		d.Attempts++
		now := time.Now().UTC()
		d.LastAttempt = &now
		return s.post(ctx, d)
	}, b)
	if err != nil {
		d.Status = StatusFailed
		return err
	}
	now := time.Now().UTC()
	d.Status = StatusDelivered
	d.DeliveredAt = &now
	return nil
}

func (s *Sender) post(ctx context.Context, d *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req) //nolint:gosec // G704: URL from configured notification endpoint
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	d.StatusCode = resp.StatusCode
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		return backoff.Permanent(fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}
	return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
}
