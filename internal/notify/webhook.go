package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"routedispatch/internal/metrics"
	"routedispatch/internal/model"
)

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body using the shared secret.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(mac.Sum(nil), b)
}

// SignHMAC returns lowercase hex of HMAC-SHA256 for use in headers
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

type WebhookOptions struct {
	URL            string        `yaml:"url"`
	Secret         string        `yaml:"secret"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// BreakerTimeout is how long the circuit stays open before probing again.
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
	// BreakerFailures trips the circuit after this many consecutive failures.
	BreakerFailures uint32 `yaml:"breaker_failures"`

	HTTP *http.Client `yaml:"-"`
}

// Webhook posts each notification as JSON to a single endpoint. Transient
// failures are retried with exponential backoff; repeated failures open a
// circuit so a dead endpoint does not hold the delivery worker.
type Webhook struct {
	opts WebhookOptions
	cb   *gobreaker.CircuitBreaker[int]
}

func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 60 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 5 * time.Second}
	}
	failures := opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
	})
	return &Webhook{opts: opts, cb: cb}
}

// State reports the circuit state.
func (w *Webhook) State() gobreaker.State { return w.cb.State() }

func (w *Webhook) Emit(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	eventType := fmt.Sprintf("%s.%s", n.Kind, n.ToStatus)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.InitialBackoff
	bo.MaxInterval = w.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.opts.MaxAttempts-1)), ctx)

	start := time.Now()
	op := func() error {
		_, err := w.cb.Execute(func() (int, error) { return w.post(ctx, eventType, body) })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}
	err = backoff.Retry(op, b)
	metrics.NotificationLatency.WithLabelValues("webhook").Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.NotificationDeliveries.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("webhook %s: %w", n.ID, err)
	}
	metrics.NotificationDeliveries.WithLabelValues("webhook", "ok").Inc()
	return nil
}

// StatusError is a non-2xx response from the endpoint.
type StatusError struct{ Code int }

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

func (w *Webhook) post(ctx context.Context, eventType string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.URL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", eventType)
	if w.opts.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(w.opts.Secret, body))
	}
	resp, err := w.opts.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}
