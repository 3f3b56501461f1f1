package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/moneta/internal/provider"
)

var (
	// ErrUnpricedModel rejects models no upstream can bill for.
	ErrUnpricedModel  = errors.New("model is not priced by any upstream")
	ErrNoProviderOpen = errors.New("all upstreams unavailable")
)

// Router picks an upstream for a model and guards each one with its own
// breaker. A streamed completion counts as a single call.
type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.TwoStepCircuitBreaker
}

func NewRouter(providers []provider.Provider, logger *zap.Logger) *Router {
	breakers := make(map[string]*gobreaker.TwoStepCircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = gobreaker.NewTwoStepCircuitBreaker(breakerSettings(p.Name(), logger))
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

func breakerSettings(name string, logger *zap.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream breaker changed state",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
}

// Route picks the first upstream with a price for the requested model whose
// breaker is not open.
func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, provider.Price, error) {
	priced := false
	for _, p := range r.providers {
		price, ok := p.Price(req.Model)
		if !ok {
			continue
		}
		priced = true
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		return p, price, nil
	}

	if !priced {
		return nil, provider.Price{}, fmt.Errorf("%w: %q", ErrUnpricedModel, req.Model)
	}
	return nil, provider.Price{}, ErrNoProviderOpen
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	done, err := r.breakers[p.Name()].Allow()
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", p.Name(), err)
	}

	resp, err := p.Complete(ctx, req)
	done(upstreamHealthy(err))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ExecuteStream forwards chunks from the upstream. The breaker learns the
// outcome once the stream ends.
func (r *Router) ExecuteStream(ctx context.Context, req *provider.Request, p provider.Provider) (<-chan *provider.Chunk, error) {
	done, err := r.breakers[p.Name()].Allow()
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", p.Name(), err)
	}

	upstream, err := p.CompleteStream(ctx, req)
	if err != nil {
		done(upstreamHealthy(err))
		return nil, err
	}

	out := make(chan *provider.Chunk)
	go func() {
		defer close(out)
		var streamErr error
		defer func() { done(upstreamHealthy(streamErr)) }()

		for chunk := range upstream {
			if chunk.Err != nil && streamErr == nil {
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// A caller hanging up says nothing about the upstream.
func upstreamHealthy(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
