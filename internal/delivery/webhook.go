package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.docrelay.tech/internal/common/metrics"
)

// maxResponseBody bounds how much of an error response is read for the
// failure reason
const maxResponseBody = 64 * 1024

// WebhookConfig holds HTTP delivery configuration
type WebhookConfig struct {
	// Timeout is the hard cap per request. The relay usually passes a
	// tighter per-attempt deadline through the context.
	Timeout time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerMinRequests uint32
}

// DefaultWebhookConfig returns sensible defaults for production
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:                   300 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerTimeout:     30 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerMinRequests: 10,
	}
}

// Webhook delivers notifications as HTTP POST requests. Each target
// host gets its own circuit breaker so one dead receiver cannot starve
// deliveries to the others.
type Webhook struct {
	client *http.Client
	config WebhookConfig
	logger *slog.Logger

	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex
}

// NewWebhook creates an HTTP delivery channel.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookConfig().Timeout
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Webhook{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config:   cfg,
		logger:   slog.Default().With("channel", "webhook"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Name implements Channel.
func (w *Webhook) Name() string {
	return "webhook"
}

// Deliver posts the payload to the callback URL.
func (w *Webhook) Deliver(ctx context.Context, req Request) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", req.URL, err)
	}

	if !w.config.CircuitBreakerEnabled {
		return w.send(ctx, req)
	}

	cb := w.breaker(u.Host)
	_, err = cb.Execute(func() (interface{}, error) {
		return nil, w.send(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		w.logger.Warn("circuit breaker open, delivery skipped",
			"target", u.Host,
			"messageId", req.MessageID)
		return fmt.Errorf("circuit breaker open for %s: %w", u.Host, err)
	}
	return err
}

// breaker returns the circuit breaker for one target host, creating it
// on first use.
func (w *Webhook) breaker(host string) *gobreaker.CircuitBreaker {
	w.breakersMu.Lock()
	defer w.breakersMu.Unlock()

	if cb, ok := w.breakers[host]; ok {
		return cb
	}

	cfg := w.config
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: cfg.CircuitBreakerRequests,
		Interval:    cfg.CircuitBreakerInterval,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.CircuitBreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.CircuitBreakerRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			w.logger.Info("circuit breaker state changed",
				"target", name,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.WebhookCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.WebhookCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
	w.breakers[host] = cb
	return cb
}

// send performs one POST attempt.
func (w *Webhook) send(ctx context.Context, req Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	metrics.WebhookResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, excerpt(body, 200))
}

// excerpt trims a response body for inclusion in an error message.
func excerpt(body []byte, limit int) string {
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
