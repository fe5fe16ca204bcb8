// Package thin covers the vendors whose wire shape is already OpenAI-compatible (Moonshot,
// Minimax, Doubao), so only the Authorization header and the model-name rewrite differ from
// pkg/converters/openaicompat. Kept as distinct request_format names so a binding reads the
// same whether its vendor needs a bespoke converter or not.
package thin

import (
	"encoding/json"
	"net/http"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	converters.Register("moonshot", New)
	converters.Register("minimax", New)
	converters.Register("doubao", New)
}

// Converter is the identity OpenAI-compat translation with a Bearer auth header, shared by
// Moonshot, Minimax, and Doubao.
type Converter struct {
	upstreamModel string
	apiKey        string
}

// New builds a thin Converter from a binding.
func New(b config.Binding) (converters.Converter, error) {
	if b.APIKey == "" {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "thin converter requires api_key"}
	}
	return &Converter{upstreamModel: b.Model, apiKey: b.APIKey}, nil
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	out := *req
	if c.upstreamModel != "" {
		out.Model = c.upstreamModel
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling request", Cause: err}
	}
	return body, "", nil
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp wire.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "thin", Message: "malformed response: " + err.Error()}
	}
	for i, ch := range resp.Choices {
		resp.Choices[i].FinishReason = wire.NormalizeFinishReason(ch.FinishReason)
	}
	return &resp, nil
}

func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	var chunk wire.StreamChunk
	if err := json.Unmarshal(frame, &chunk); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "thin", Message: "malformed stream frame: " + err.Error()}
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	for i, ch := range chunk.Choices {
		chunk.Choices[i].FinishReason = wire.NormalizeFinishReason(ch.FinishReason)
	}
	return &chunk, nil
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+c.apiKey)
	return h, nil
}
