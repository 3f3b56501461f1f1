package usage

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/moneta/internal/lago"
)

// Event is one billable usage record for a completed request.
type Event struct {
	TransactionID  string    `json:"transaction_id"`
	SubscriptionID string    `json:"subscription_id"`
	CostMinor      float64   `json:"cost_minor"`
	Timestamp      time.Time `json:"timestamp"`
	Sync           bool      `json:"sync"`

	// Outbox bookkeeping.
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// NewEvent builds an event with a fresh transaction id. cost is in major
// currency units and is stored in minor units.
func NewEvent(subscriptionID string, cost float64, now time.Time) *Event {
	return &Event{
		TransactionID:  uuid.New().String(),
		SubscriptionID: subscriptionID,
		CostMinor:      toMinor(cost),
		Timestamp:      now.UTC(),
		Sync:           true,
		EnqueuedAt:     now.UTC(),
	}
}

// toMinor multiplies by 100, trimming float noise below a millionth of a cent.
func toMinor(cost float64) float64 {
	return math.Round(cost*100*1e6) / 1e6
}

// Wire converts the event to the billing engine's shape. The metered value
// is sent under the event code.
func (e *Event) Wire(code string) *lago.Event {
	return &lago.Event{
		TransactionID:          e.TransactionID,
		ExternalSubscriptionID: e.SubscriptionID,
		Code:                   code,
		Timestamp:              e.Timestamp.Unix(),
		Properties: map[string]any{
			code:                   e.CostMinor,
			"with_remaining_usage": true,
		},
	}
}
