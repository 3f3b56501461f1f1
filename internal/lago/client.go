// Package lago submits usage events to the Lago billing engine.
package lago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrUnavailable is returned while the circuit breaker rejects calls.
var ErrUnavailable = errors.New("billing engine unavailable")

// APIError is a non-2xx response from the billing engine.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lago api error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether resending the same event may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Event is one usage event. Properties carries the metered value under the
// event code plus any flags the engine understands.
type Event struct {
	TransactionID          string         `json:"transaction_id"`
	ExternalSubscriptionID string         `json:"external_subscription_id"`
	Code                   string         `json:"code"`
	Timestamp              int64          `json:"timestamp"`
	Properties             map[string]any `json:"properties"`
}

type eventRequest struct {
	Event *Event `json:"event"`
	Sync  bool   `json:"sync"`
}

// EventResult is the engine's answer to a synchronous event.
type EventResult struct {
	Event struct {
		LagoID                     string          `json:"lago_id"`
		TransactionID              string          `json:"transaction_id"`
		ExternalSubscriptionID     string          `json:"external_subscription_id"`
		SubscriptionRemainingUsage json.RawMessage `json:"subscription_remaining_usage"`
	} `json:"event"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	tracer     trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(cl *Client) { cl.tracer = t }
}

func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		tracer:     noop.NewTracerProvider().Tracer("lago"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lago",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected event says nothing about the engine's health.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Retryable()
			}
			return err == nil
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendEvent posts the event for synchronous processing.
func (c *Client) SendEvent(ctx context.Context, ev *Event) (*EventResult, error) {
	ctx, span := c.tracer.Start(ctx, "lago.send_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction_id", ev.TransactionID),
		attribute.String("subscription_id", ev.ExternalSubscriptionID),
		attribute.String("code", ev.Code),
	)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, ev)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result.(*EventResult), nil
}

func (c *Client) post(ctx context.Context, ev *Event) (*EventResult, error) {
	body, err := json.Marshal(eventRequest{Event: ev, Sync: true})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/events", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result EventResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode event response: %w", err)
	}
	return &result, nil
}

// StatusLabel is a low-cardinality label for err, for metrics.
func StatusLabel(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &apiErr):
		return strconv.Itoa(apiErr.StatusCode)
	case errors.Is(err, ErrUnavailable):
		return "circuit_open"
	default:
		return "transport"
	}
}
