// Package router resolves a model id to its bound adapter and applies the binding's retry
// policy around the call. It is intentionally thin: no load balancing, no fallback chains, no
// multi-strategy selection. One resolve, one call, retried per the binding's policy.
package router

import (
	"context"
	"log/slog"
	"time"

	"relaylabs/conduit/pkg/adapters"
	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/registry"
	"relaylabs/conduit/pkg/retry"
	"relaylabs/conduit/pkg/wire"
)

// Router dispatches chat requests to the adapter bound to a model id.
type Router struct {
	registry *registry.Registry
	logger   *slog.Logger
	onRetry  func(model string)
}

// SetRetryObserver installs a callback invoked once per retry, for instrumentation.
func (rt *Router) SetRetryObserver(fn func(model string)) { rt.onRetry = fn }

// New builds a Router over reg.
func New(reg *registry.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: reg, logger: logger}
}

func retryConfig(b config.Binding) retry.Config {
	rc := b.RetryOrDefault()
	return retry.Config{
		Enabled:         rc.Enabled,
		MaxRetries:      rc.MaxRetries,
		InitialDelay:    rc.InitialDelayDuration(),
		MaxDelay:        rc.MaxDelayDuration(),
		ExponentialBase: rc.ExponentialBase,
		Jitter:          rc.Jitter,
	}
}

// Route resolves modelID, calls the adapter's unary Chat, and retries per the binding's
// policy. Returns a *gatewayerrors.ModelNotFoundError if modelID is unbound.
func (rt *Router) Route(ctx context.Context, modelID string, req *wire.ChatRequest) (*wire.ChatResponse, error) {
	adapter, binding, err := rt.registry.Get(modelID)
	if err != nil {
		return nil, err
	}

	cfg := retryConfig(binding)
	var resp *wire.ChatResponse
	callErr := retry.Do(ctx, cfg, func() error {
		r, err := adapter.Chat(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		if rt.onRetry != nil {
			rt.onRetry(modelID)
		}
		rt.logger.Warn("retrying upstream call", "model", modelID, "attempt", attempt+1, "delay", delay, "error", err)
	})
	if callErr != nil {
		return nil, callErr
	}
	return resp, nil
}

// ResolveStream resolves modelID for a streaming call. The router does not itself stream or
// retry streaming calls; the HTTP frontend invokes adapter.ChatStream directly so frames never
// buffer through an extra layer. This method only performs the lookup.
func (rt *Router) ResolveStream(modelID string) (adapters.Adapter, config.Binding, error) {
	return rt.registry.Get(modelID)
}
