package provider

import (
	"context"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	// Caller identity, for logs and upstream attribution
	SubscriptionID string
	RequestID      string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

// Chunk is one streamed delta. The final chunk of a stream may carry token
// counts instead of content.
type Chunk struct {
	Delta        string
	InputTokens  int
	OutputTokens int
	Done         bool
	Err          error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	// Price returns the per-token price of model, and false when the
	// provider does not bill for it.
	Price(model string) (Price, bool)
	SupportedModels() []string
}
