package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/gate"
	"github.com/vnmchuo/moneta/internal/hook"
	"github.com/vnmchuo/moneta/internal/provider"
	"github.com/vnmchuo/moneta/internal/subscription"
	"github.com/vnmchuo/moneta/pkg/ratelimit"
)

// UsageHook receives the cost of every completed request.
type UsageHook interface {
	PostCall(ctx context.Context, payload *hook.LoggingPayload) error
	SubscriptionID(h http.Header) string
}

type Handler struct {
	router        *Router
	store         subscription.Store
	limiter       *ratelimit.Limiter
	hook          UsageHook
	reportTimeout time.Duration
	logger        *zap.Logger
	tracer        trace.Tracer

	reports sync.WaitGroup
}

func NewHandler(router *Router, store subscription.Store, limiter *ratelimit.Limiter, usageHook UsageHook, reportTimeout time.Duration, logger *zap.Logger, tracer trace.Tracer) *Handler {
	if reportTimeout <= 0 {
		reportTimeout = 30 * time.Second
	}
	return &Handler{
		router:        router,
		store:         store,
		limiter:       limiter,
		hook:          usageHook,
		reportTimeout: reportTimeout,
		logger:        logger,
		tracer:        tracer,
	}
}

type call struct {
	subscriptionID string
	requestID      string
	req            *provider.Request
	provider       provider.Provider
	price          provider.Price
	start          time.Time
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	c, err := h.prepare(w, r)
	if err != nil {
		return
	}

	response, err := h.router.Execute(r.Context(), c.req, c.provider)
	if err != nil {
		h.logger.Warn("upstream call failed",
			zap.String("request_id", c.requestID),
			zap.String("upstream", c.provider.Name()),
			zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
		return
	}

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     response.InputTokens,
			"completion_tokens": response.OutputTokens,
			"total_tokens":      response.InputTokens + response.OutputTokens,
		},
	})

	h.report(r, c, response.Model, c.price.Cost(response.InputTokens, response.OutputTokens))
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	c, err := h.prepare(w, r)
	if err != nil {
		return
	}

	ch, err := h.router.ExecuteStream(r.Context(), c.req, c.provider)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var inputTokens, outputTokens int
	for chunk := range ch {
		if chunk.Err != nil {
			h.logger.Warn("upstream stream failed", zap.String("request_id", c.requestID), zap.Error(chunk.Err))
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"upstream stream failed\"}\n\n")
			flusher.Flush()
			break
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		inputTokens += chunk.InputTokens
		outputTokens += chunk.OutputTokens
		if chunk.Delta == "" {
			continue
		}

		data, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]string{"content": chunk.Delta}, "index": 0}},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if inputTokens == 0 && outputTokens == 0 {
		h.logger.Warn("upstream stream reported no usage, request not billed",
			zap.String("request_id", c.requestID),
			zap.String("subscription_id", c.subscriptionID))
	}
	h.report(r, c, c.req.Model, c.price.Cost(inputTokens, outputTokens))
}

// report runs the post-call hook after the response is written. It is
// detached from the request context so a client hang-up does not cancel it.
func (h *Handler) report(r *http.Request, c *call, model string, cost float64) {
	payload := &hook.LoggingPayload{
		Headers:      r.Header.Clone(),
		CallType:     hook.GetCallType(r.Context()),
		RequestID:    c.requestID,
		Model:        model,
		ResponseCost: cost,
		StartTime:    c.start,
		EndTime:      time.Now(),
	}
	if payload.CallType == "" {
		payload.CallType = hook.CallCompletion
	}

	h.reports.Add(1)
	go func() {
		defer h.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.reportTimeout)
		defer cancel()

		if err := h.hook.PostCall(ctx, payload); err != nil {
			h.logger.Error("post-call usage report failed",
				zap.String("request_id", payload.RequestID),
				zap.String("subscription_id", c.subscriptionID),
				zap.Float64("cost", cost),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every in-flight usage report has finished.
func (h *Handler) Wait() {
	h.reports.Wait()
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*call, error) {
	ctx := r.Context()
	subscriptionID := hook.GetSubscriptionID(ctx)
	if subscriptionID == "" {
		hook.WriteError(w, gate.ErrMissingSubscription)
		return nil, gate.ErrMissingSubscription
	}

	requestID := hook.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, err
	}
	req.SubscriptionID = subscriptionID
	req.RequestID = requestID

	_, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("subscription_id", subscriptionID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}

	allowed, err := h.limiter.Allow(ctx, subscriptionID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return nil, fmt.Errorf("rate limit exceeded")
	}

	selected, price, err := h.router.Route(ctx, &req)
	if err != nil {
		if errors.Is(err, ErrUnpricedModel) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return nil, err
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return nil, err
	}

	return &call{
		subscriptionID: subscriptionID,
		requestID:      requestID,
		req:            &req,
		provider:       selected,
		price:          price,
		start:          time.Now(),
	}, nil
}

// HandleBalance returns the locally cached balance of the caller's
// subscription. It is not gated, so a denied subscription can still see why.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	subscriptionID := h.hook.SubscriptionID(r.Header)
	if subscriptionID == "" {
		hook.WriteError(w, gate.ErrMissingSubscription)
		return
	}

	sub, err := h.store.Find(r.Context(), subscriptionID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
			return
		}
		h.logger.Error("balance lookup failed", zap.String("subscription_id", subscriptionID), zap.Error(err))
		hook.WriteError(w, fmt.Errorf("%w: %w", gate.ErrStoreUnavailable, err))
		return
	}

	body := map[string]interface{}{
		"subscription_id":    sub.ID,
		"status":             sub.Status,
		"remaining_balance":  rawOrNull(sub.RemainingBalance),
		"balance_threshold":  rawOrNull(sub.BalanceThreshold),
		"balance_updated_at": sub.BalanceUpdatedAt,
		"version":            sub.Version,
	}
	if primary, ok, err := sub.PrimaryBalance(); err == nil && ok {
		body["remaining_usage_units"] = float64(primary.RemainingUsageUnits)
		body["insufficient_funds"] = primary.RemainingUsageUnits < 0
	}
	if open, err := h.limiter.Status(r.Context(), subscriptionID); err != nil {
		h.logger.Warn("rate limit status unavailable", zap.String("subscription_id", subscriptionID), zap.Error(err))
	} else {
		body["rate_limited"] = !open
	}
	writeJSON(w, http.StatusOK, body)
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
