package adapters

import (
	"context"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	Register("custom_http", newCustomHTTP)
}

// customHTTPAdapter is the transport for every vendor whose wire format a converters.Converter
// translates (Anthropic, Gemini, Zhipu, Baidu, Ali, Tencent, Cohere, Coze, DeepL, and the thin
// Moonshot/Minimax/Doubao converters). Body, headers, and URL suffix all come from the
// converter; this adapter only owns the HTTP round trip.
type customHTTPAdapter struct {
	transport *httpTransport
	converter converters.Converter
	baseURL   string
	endpoint  string
	family    string
}

func newCustomHTTP(b config.Binding) (Adapter, error) {
	if b.RequestFormat == "" {
		return nil, &gatewayerrors.ValidationError{Field: "request_format", Message: "custom_http requires request_format"}
	}
	conv, err := converters.New(b)
	if err != nil {
		return nil, err
	}
	if b.BaseURL == "" {
		return nil, &gatewayerrors.ValidationError{Field: "base_url", Message: "custom_http requires base_url"}
	}
	return &customHTTPAdapter{
		transport: newHTTPTransport(b.RequestFormat, b.TimeoutDuration()),
		converter: conv,
		baseURL:   b.BaseURL,
		endpoint:  b.Endpoint,
		family:    b.RequestFormat,
	}, nil
}

func (a *customHTTPAdapter) IsAvailable() bool {
	return a.baseURL != "" && a.converter != nil
}

func (a *customHTTPAdapter) Close() error { return nil }

func (a *customHTTPAdapter) Chat(ctx context.Context, req *wire.ChatRequest) (*wire.ChatResponse, error) {
	body, suffix, err := a.converter.ConvertRequest(req)
	if err != nil {
		return nil, err
	}
	headers, err := a.converter.Headers(body)
	if err != nil {
		return nil, err
	}

	url := joinURL(a.baseURL, a.endpoint, suffix)
	_, data, err := a.transport.do(ctx, "POST", url, body, headers)
	if err != nil {
		return nil, err
	}
	return a.converter.ConvertResponse(data)
}

func (a *customHTTPAdapter) ChatStream(ctx context.Context, req *wire.ChatRequest) (<-chan StreamEvent, error) {
	streamReq := *req
	streamReq.Stream = true
	body, suffix, err := a.converter.ConvertRequest(&streamReq)
	if err != nil {
		return nil, err
	}
	headers, err := a.converter.Headers(body)
	if err != nil {
		return nil, err
	}
	headers.Set("Accept", "text/event-stream")

	url := joinURL(a.baseURL, a.endpoint, suffix)
	respBody, err := a.transport.doStream(ctx, "POST", url, body, headers)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		err := sseFrames(respBody, func(data string) (bool, error) {
			chunk, err := a.converter.ConvertStreamChunk([]byte(data))
			if err != nil {
				return false, err
			}
			if chunk == nil {
				return true, nil
			}
			terminal := false
			for _, ch := range chunk.Choices {
				if ch.FinishReason != "" {
					terminal = true
				}
			}
			select {
			case out <- StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return false, ctx.Err()
			}
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
