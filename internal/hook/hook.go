// Package hook connects the balance gate and the usage reporter to the
// request lifecycle of the gateway: a check before the upstream call and a
// report after the response is written.
package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/usage"
)

const DefaultSubscriptionHeader = "x-openwebui-subscription-id"

var ErrUnsupportedCallType = errors.New("unsupported call type")

type CallType string

const (
	CallCompletion         CallType = "completion"
	CallTextCompletion     CallType = "text_completion"
	CallEmbeddings         CallType = "embeddings"
	CallImageGeneration    CallType = "image_generation"
	CallModeration         CallType = "moderation"
	CallAudioTranscription CallType = "audio_transcription"
	CallPassThrough        CallType = "pass_through_endpoint"
	CallRerank             CallType = "rerank"
)

func (c CallType) Valid() bool {
	switch c {
	case CallCompletion, CallTextCompletion, CallEmbeddings, CallImageGeneration,
		CallModeration, CallAudioTranscription, CallPassThrough, CallRerank:
		return true
	}
	return false
}

// CallRequest is what the gateway knows about a request before dispatch.
type CallRequest struct {
	Headers  http.Header
	CallType CallType
}

// LoggingPayload is what the gateway knows after a request completed.
// ResponseCost is in major currency units.
type LoggingPayload struct {
	Headers      http.Header
	CallType     CallType
	RequestID    string
	Model        string
	ResponseCost float64
	StartTime    time.Time
	EndTime      time.Time
}

type Checker interface {
	Check(ctx context.Context, subscriptionID string) error
}

type UsageReporter interface {
	Report(ctx context.Context, subscriptionID string, cost float64, meta usage.Metadata) error
}

type Adapter struct {
	gate     Checker
	reporter UsageReporter
	header   string
	logger   *zap.Logger
	closers  []io.Closer

	closeOnce sync.Once
	closeErr  error
}

// New builds an adapter. closers are released, in order, by Close.
func New(gate Checker, reporter UsageReporter, header string, logger *zap.Logger, closers ...io.Closer) *Adapter {
	if header == "" {
		header = DefaultSubscriptionHeader
	}
	return &Adapter{
		gate:     gate,
		reporter: reporter,
		header:   header,
		logger:   logger,
		closers:  closers,
	}
}

// SubscriptionID reads the subscription id from the configured header.
func (a *Adapter) SubscriptionID(h http.Header) string {
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h.Get(a.header))
}

// PreCall runs the balance gate for the subscription named in the request
// headers. A nil error means the request may proceed.
func (a *Adapter) PreCall(ctx context.Context, req *CallRequest) error {
	if !req.CallType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedCallType, req.CallType)
	}
	return a.gate.Check(ctx, a.SubscriptionID(req.Headers))
}

// PostCall reports the cost of a completed request.
func (a *Adapter) PostCall(ctx context.Context, payload *LoggingPayload) error {
	return a.reporter.Report(ctx, a.SubscriptionID(payload.Headers), payload.ResponseCost, usage.Metadata{
		RequestID: payload.RequestID,
		CallType:  string(payload.CallType),
		Model:     payload.Model,
		StartTime: payload.StartTime,
		EndTime:   payload.EndTime,
	})
}

// Middleware gates every request of the given call type and stores the
// subscription and request ids in the request context.
func (a *Adapter) Middleware(callType CallType) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = WithRequestID(ctx, requestID)
			w.Header().Set("X-Request-ID", requestID)

			if err := a.PreCall(ctx, &CallRequest{Headers: r.Header, CallType: callType}); err != nil {
				a.logger.Info("request rejected",
					zap.String("request_id", requestID),
					zap.String("call_type", string(callType)),
					zap.Error(err))
				WriteError(w, err)
				return
			}

			ctx = WithSubscriptionID(ctx, a.SubscriptionID(r.Header))
			ctx = WithCallType(ctx, callType)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Close releases the store connection and anything else handed to New. Only
// the first call has an effect.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for _, c := range a.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
