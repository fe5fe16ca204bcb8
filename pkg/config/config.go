// Package config loads the gateway's models.json document and applies per-binding defaults.
// Entries whose keys begin with "_" are comments; disabled entries are kept in the document but
// skipped at load time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// RetryConfig is the per-binding retry policy.
type RetryConfig struct {
	Enabled         bool    `json:"enabled"`
	MaxRetries      int     `json:"max_retries"`
	InitialDelay    float64 `json:"initial_delay"`
	MaxDelay        float64 `json:"max_delay"`
	ExponentialBase float64 `json:"exponential_base"`
	Jitter          bool    `json:"jitter"`
}

// InitialDelayDuration converts InitialDelay (seconds, as written in JSON) to a time.Duration.
func (r RetryConfig) InitialDelayDuration() time.Duration {
	return time.Duration(r.InitialDelay * float64(time.Second))
}

// MaxDelayDuration converts MaxDelay (seconds) to a time.Duration.
func (r RetryConfig) MaxDelayDuration() time.Duration {
	return time.Duration(r.MaxDelay * float64(time.Second))
}

// DefaultRetryConfig returns the retry defaults applied when a binding omits its retry block.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		MaxRetries:      3,
		InitialDelay:    1.0,
		MaxDelay:        60.0,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Binding is one entry in models[]. Config carries vendor-specific nested fields untyped —
// each converter reads only the keys it understands.
type Binding struct {
	ID            string         `json:"id"`
	Adapter       string         `json:"adapter"`
	Enabled       *bool          `json:"enabled"`
	BaseURL       string         `json:"base_url"`
	Endpoint      string         `json:"endpoint"`
	Model         string         `json:"model"`
	APIKey        string         `json:"api_key"`
	Timeout       float64        `json:"timeout"`
	RequestFormat string         `json:"request_format"`
	Config        map[string]any `json:"config"`
	Retry         *RetryConfig   `json:"retry"`
}

// IsEnabled reports whether the binding should be loaded. Defaults to true when omitted.
func (b Binding) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// IsComment reports whether this entry is a comment ("_"-prefixed key) rather than a real
// binding.
func (b Binding) IsComment() bool {
	return strings.HasPrefix(b.ID, "_") || b.ID == ""
}

// TimeoutDuration converts Timeout (seconds) to a time.Duration, defaulting to 60s.
func (b Binding) TimeoutDuration() time.Duration {
	if b.Timeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.Timeout * float64(time.Second))
}

// RetryOrDefault returns the binding's retry config, or the defaults if unset.
func (b Binding) RetryOrDefault() RetryConfig {
	if b.Retry != nil {
		return *b.Retry
	}
	return DefaultRetryConfig()
}

// ConfigString reads a string field from the binding's vendor-specific Config map.
func (b Binding) ConfigString(key string) string {
	if b.Config == nil {
		return ""
	}
	if v, ok := b.Config[key].(string); ok {
		return v
	}
	return ""
}

// Document is the top-level shape of models.json.
type Document struct {
	Models []Binding `json:"models"`
	Debug  bool      `json:"debug"`
}

// Load reads and parses a models.json document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &doc, nil
}
