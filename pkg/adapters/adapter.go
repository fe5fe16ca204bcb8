// Package adapters implements the four backend transport families: openai_compat, custom_http,
// process, and websocket. Each adapter owns exactly one upstream transport and delegates wire
// translation to a converters.Converter (openai_compat has none — it is its own identity
// converter). The vendor surface is expressed through converters, not through one adapter type
// per vendor.
package adapters

import (
	"context"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/wire"
)

// Adapter is the transport abstraction every backend family implements. A registry entry owns
// exactly one Adapter for the lifetime of its binding, torn down on the next reload.
type Adapter interface {
	// Chat performs one unary completion call.
	Chat(ctx context.Context, req *wire.ChatRequest) (*wire.ChatResponse, error)

	// ChatStream performs one streaming completion call. The returned channel is closed when
	// the stream ends (terminal chunk delivered, error, or ctx cancellation). Streaming errors
	// are reported in-band as a final StreamEvent carrying Err; frames are delivered in
	// upstream order, never reordered.
	ChatStream(ctx context.Context, req *wire.ChatRequest) (<-chan StreamEvent, error)

	// IsAvailable reports whether this adapter's credentials and transport prerequisites are
	// satisfied. Called once at registry load time, never re-checked per call.
	IsAvailable() bool

	// Close releases any resources held by the adapter (idle connections, cached tokens).
	Close() error
}

// StreamEvent is one item delivered on ChatStream's channel: either a chunk or a terminal error.
// Exactly one of Chunk/Err is set per event; an event with Err set is always the last one sent.
type StreamEvent struct {
	Chunk *wire.StreamChunk
	Err   error
}

// Factory builds an Adapter from a binding's configuration.
type Factory func(b config.Binding) (Adapter, error)

var registry = map[string]Factory{}

// Register adds an adapter constructor under the adapter family name. Called from each family's
// init().
func Register(family string, factory Factory) {
	registry[family] = factory
}

// New builds the adapter registered for b.Adapter.
func New(b config.Binding) (Adapter, error) {
	factory, ok := registry[b.Adapter]
	if !ok {
		return nil, &unknownFamilyError{Family: b.Adapter}
	}
	return factory(b)
}

type unknownFamilyError struct{ Family string }

func (e *unknownFamilyError) Error() string {
	return "unknown adapter family: " + e.Family
}
