// Package registry is the single source of truth for model-id to adapter resolution. It loads
// a models.json document, instantiates one adapters.Adapter per enabled binding, and exposes a
// read-mostly lookup table swapped atomically on reload. Per-entry failures are isolated: one
// bad binding never blocks the rest.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"relaylabs/conduit/pkg/adapters"
	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/gatewayerrors"
)

// entry pairs a loaded adapter with the binding it was built from, so ListModels can report
// owned_by without re-reading config.
type entry struct {
	adapter adapters.Adapter
	binding config.Binding
}

// Registry holds the current model-id → adapter table and the config path it was loaded from.
type Registry struct {
	mu     sync.RWMutex
	table  map[string]entry
	path   string
	logger *slog.Logger
}

// New loads path and returns a ready Registry. A binding-level failure never fails the whole
// load — only an unreadable/unparseable document itself returns an error here.
func New(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the config document, rebuilds every binding's adapter, and atomically swaps
// the table in. Adapters held by the previous table are closed once the swap completes so
// in-flight requests already holding a *reference* to the old adapter still finish cleanly.
func (r *Registry) Reload() error {
	doc, err := config.Load(r.path)
	if err != nil {
		return err
	}

	table := make(map[string]entry, len(doc.Models))
	for _, b := range doc.Models {
		if b.IsComment() {
			continue
		}
		if !b.IsEnabled() {
			r.logger.Info("skipping disabled model binding", "id", b.ID)
			continue
		}
		if _, exists := table[b.ID]; exists {
			r.logger.Warn("duplicate model id in config, keeping first", "id", b.ID)
			continue
		}

		adapter, err := adapters.New(b)
		if err != nil {
			r.logger.Warn("skipping model binding: construction failed", "id", b.ID, "adapter", b.Adapter, "error", err)
			continue
		}
		if !adapter.IsAvailable() {
			r.logger.Warn("skipping model binding: not available", "id", b.ID, "adapter", b.Adapter)
			continue
		}

		table[b.ID] = entry{adapter: adapter, binding: b}
		r.logger.Info("loaded model binding", "id", b.ID, "adapter", b.Adapter, "request_format", b.RequestFormat)
	}

	r.mu.Lock()
	old := r.table
	r.table = table
	r.mu.Unlock()

	for id, e := range old {
		if cur, ok := table[id]; !ok || cur.adapter != e.adapter {
			_ = e.adapter.Close()
		}
	}
	return nil
}

// Get resolves id to its bound adapter, or a *gatewayerrors.ModelNotFoundError.
func (r *Registry) Get(id string) (adapters.Adapter, config.Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.table[id]
	if !ok {
		return nil, config.Binding{}, &gatewayerrors.ModelNotFoundError{Model: id}
	}
	return e.adapter, e.binding, nil
}

// ModelEntry is one item in ListModels' data array.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response shape.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ownedBy names the adapter family a binding belongs to. WebSocket bindings carry their
// request_format in the name (e.g. "websocket_xunfei") since the transport alone doesn't
// identify the backend.
func ownedBy(b config.Binding) string {
	if b.Adapter == "websocket" && b.RequestFormat != "" {
		return b.Adapter + "_" + b.RequestFormat
	}
	return b.Adapter
}

// ListModels returns every currently loaded binding in OpenAI's /v1/models shape.
func (r *Registry) ListModels() ModelList {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := ModelList{Object: "list", Data: make([]ModelEntry, 0, len(r.table))}
	for id, e := range r.table {
		out.Data = append(out.Data, ModelEntry{ID: id, Object: "model", Created: 0, OwnedBy: ownedBy(e.binding)})
	}
	return out
}

// Len reports how many bindings are currently live, mainly for health/diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

func (r *Registry) String() string {
	return fmt.Sprintf("registry(path=%s, models=%d)", r.path, r.Len())
}
