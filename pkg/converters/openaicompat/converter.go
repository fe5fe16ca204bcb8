// Package openaicompat implements the identity converter for OpenAI-compatible backends
// (DeepSeek, Ollama, LM-Studio, vLLM, ...). It only rewrites the model field from the routing id
// to the binding's configured upstream model name.
package openaicompat

import (
	"encoding/json"
	"net/http"
	"strings"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	converters.Register("openai_compat", New)
}

// Converter is the identity OpenAI-compat translation.
type Converter struct {
	upstreamModel string
	apiKey        string
	baseURL       string
}

// New builds an openai-compat Converter from a binding.
func New(b config.Binding) (converters.Converter, error) {
	return &Converter{upstreamModel: b.Model, apiKey: b.APIKey, baseURL: b.BaseURL}, nil
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	out := *req
	if c.upstreamModel != "" {
		out.Model = c.upstreamModel
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling openai-compat request", Cause: err}
	}
	return body, "", nil
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp wire.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "openai_compat", Message: "malformed response: " + err.Error()}
	}
	for i, ch := range resp.Choices {
		resp.Choices[i].FinishReason = wire.NormalizeFinishReason(ch.FinishReason)
	}
	return &resp, nil
}

func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	var chunk wire.StreamChunk
	if err := json.Unmarshal(frame, &chunk); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "openai_compat", Message: "malformed stream frame: " + err.Error()}
	}
	if len(chunk.Choices) == 0 {
		// Azure-style keepalive frame with empty choices: skip.
		return nil, nil
	}
	for i, ch := range chunk.Choices {
		chunk.Choices[i].FinishReason = wire.NormalizeFinishReason(ch.FinishReason)
	}
	return &chunk, nil
}

// localNoAuth recognises base URLs that conventionally run without an API key.
func localNoAuth(baseURL string) bool {
	lower := strings.ToLower(baseURL)
	return strings.Contains(lower, "ollama") || strings.Contains(lower, "lmstudio") ||
		strings.Contains(lower, "localhost") || strings.Contains(lower, "127.0.0.1")
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	} else if !localNoAuth(c.baseURL) {
		// No key configured and not a recognised no-auth local base URL: still proceed
		// without Authorization. Some compatible servers genuinely require none.
	}
	return h, nil
}
