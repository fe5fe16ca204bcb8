package adapters

import (
	"context"
	"encoding/json"
	"strings"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	Register("openai_compat", newOpenAICompat)
}

// openAICompatAdapter is the identity pass-through family for DeepSeek/Ollama/LM-Studio/vLLM
// and any other backend that already speaks the OpenAI chat-completions wire format.
type openAICompatAdapter struct {
	transport     *httpTransport
	baseURL       string
	endpoint      string
	apiKey        string
	upstreamModel string
}

func newOpenAICompat(b config.Binding) (Adapter, error) {
	if b.BaseURL == "" {
		return nil, &gatewayerrors.ValidationError{Field: "base_url", Message: "openai_compat requires base_url"}
	}
	endpoint := b.Endpoint
	if endpoint == "" {
		endpoint = "/v1/chat/completions"
	}
	return &openAICompatAdapter{
		transport:     newHTTPTransport("openai_compat", b.TimeoutDuration()),
		baseURL:       b.BaseURL,
		endpoint:      endpoint,
		apiKey:        b.APIKey,
		upstreamModel: b.Model,
	}, nil
}

func (a *openAICompatAdapter) localNoAuth() bool {
	lower := strings.ToLower(a.baseURL)
	return strings.Contains(lower, "ollama") || strings.Contains(lower, "lmstudio") ||
		strings.Contains(lower, "localhost") || strings.Contains(lower, "127.0.0.1")
}

func (a *openAICompatAdapter) headers() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if a.apiKey != "" {
		h["Authorization"] = "Bearer " + a.apiKey
	}
	return h
}

func (a *openAICompatAdapter) body(req *wire.ChatRequest, stream bool) ([]byte, error) {
	out := *req
	if a.upstreamModel != "" {
		out.Model = a.upstreamModel
	}
	out.Stream = stream
	return json.Marshal(&out)
}

func (a *openAICompatAdapter) IsAvailable() bool {
	return a.baseURL != "" && (a.apiKey != "" || a.localNoAuth())
}

func (a *openAICompatAdapter) Close() error { return nil }

func (a *openAICompatAdapter) Chat(ctx context.Context, req *wire.ChatRequest) (*wire.ChatResponse, error) {
	body, err := a.body(req, false)
	if err != nil {
		return nil, &gatewayerrors.InternalError{Message: "marshaling request", Cause: err}
	}

	httpHeaders := headerFromMap(a.headers())
	url := joinURL(a.baseURL, a.endpoint, "")
	_, data, err := a.transport.do(ctx, "POST", url, body, httpHeaders)
	if err != nil {
		return nil, err
	}

	var resp wire.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "openai_compat", Message: "malformed response: " + err.Error()}
	}
	for i, ch := range resp.Choices {
		resp.Choices[i].FinishReason = wire.NormalizeFinishReason(ch.FinishReason)
	}
	return &resp, nil
}

func (a *openAICompatAdapter) ChatStream(ctx context.Context, req *wire.ChatRequest) (<-chan StreamEvent, error) {
	body, err := a.body(req, true)
	if err != nil {
		return nil, &gatewayerrors.InternalError{Message: "marshaling request", Cause: err}
	}

	httpHeaders := headerFromMap(a.headers())
	httpHeaders.Set("Accept", "text/event-stream")
	url := joinURL(a.baseURL, a.endpoint, "")
	respBody, err := a.transport.doStream(ctx, "POST", url, body, httpHeaders)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		err := sseFrames(respBody, func(data string) (bool, error) {
			var chunk wire.StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return false, &gatewayerrors.UpstreamProtocolError{Adapter: "openai_compat", Message: "malformed stream frame: " + err.Error()}
			}
			if len(chunk.Choices) == 0 && chunk.Usage == nil {
				// Azure-style keepalive frame: skip.
				return true, nil
			}
			terminal := false
			for i, ch := range chunk.Choices {
				chunk.Choices[i].FinishReason = wire.NormalizeFinishReason(ch.FinishReason)
				if chunk.Choices[i].FinishReason != "" {
					terminal = true
				}
			}
			select {
			case out <- StreamEvent{Chunk: &chunk}:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			// The primary read loop's exit is the sole termination condition: stop as soon
			// as a terminal chunk is delivered, whether or not it carries usage.
			return !terminal, nil
		})
		if err != nil {
			select {
			case out <- StreamEvent{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
