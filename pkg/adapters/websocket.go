package adapters

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	Register("websocket", newWebSocket)
}

// websocketAdapter opens one connection per request (not pooled — the vendor, not this
// gateway, drives keepalives) and drains frames through the converter's chunk translator until
// a terminal status is reported.
type websocketAdapter struct {
	converter converters.Converter
	baseURL   string
	timeout   time.Duration
	dialer    *websocket.Dialer
}

func newWebSocket(b config.Binding) (Adapter, error) {
	if b.RequestFormat == "" {
		return nil, &gatewayerrors.ValidationError{Field: "request_format", Message: "websocket adapter requires request_format"}
	}
	conv, err := converters.New(b)
	if err != nil {
		return nil, err
	}
	if b.BaseURL == "" {
		return nil, &gatewayerrors.ValidationError{Field: "base_url", Message: "websocket adapter requires base_url"}
	}
	return &websocketAdapter{
		converter: conv,
		baseURL:   b.BaseURL,
		timeout:   b.TimeoutDuration(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

func (a *websocketAdapter) IsAvailable() bool {
	return a.baseURL != "" && a.converter != nil
}

func (a *websocketAdapter) Close() error { return nil }

// connectionURL builds the URL to dial: a converters.URLBuilder (Xunfei) gets a fully-signed
// per-call URL; everything else just dials base_url directly.
func (a *websocketAdapter) connectionURL() (string, error) {
	if builder, ok := a.converter.(converters.URLBuilder); ok {
		host := a.baseURL
		if u, err := url.Parse(a.baseURL); err == nil && u.Host != "" {
			host = u.Host
		}
		return builder.BuildURL(host, time.Now())
	}
	return a.baseURL, nil
}

func (a *websocketAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialURL, err := a.connectionURL()
	if err != nil {
		return nil, &gatewayerrors.AuthError{Adapter: "websocket", Message: err.Error()}
	}

	dctx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	conn, resp, err := a.dialer.DialContext(dctx, dialURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, &gatewayerrors.AuthError{Adapter: "websocket", Message: err.Error()}
		}
		return nil, &gatewayerrors.UpstreamTransientError{Adapter: "websocket", Message: err.Error(), Cause: err}
	}
	return conn, nil
}

// stream drains frames from conn, translating each through the converter, until a terminal
// chunk is delivered, an error occurs, or ctx is cancelled.
func (a *websocketAdapter) stream(ctx context.Context, req *wire.ChatRequest) (<-chan StreamEvent, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}

	body, _, err := a.converter.ConvertRequest(req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		conn.Close()
		return nil, &gatewayerrors.UpstreamTransientError{Adapter: "websocket", Message: "writing request frame: " + err.Error(), Cause: err}
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer conn.Close()

		if dl, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(dl)
		}

		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			default:
			}

			_, frame, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err) || isNetClose(err) {
					return
				}
				select {
				case out <- StreamEvent{Err: &gatewayerrors.UpstreamTransientError{Adapter: "websocket", Message: err.Error(), Cause: err}}:
				case <-ctx.Done():
				}
				return
			}

			chunk, err := a.converter.ConvertStreamChunk(frame)
			if err != nil {
				select {
				case out <- StreamEvent{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if chunk == nil {
				continue
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
				return
			}
			if terminal {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
		}
	}()
	return out, nil
}

func isNetClose(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

func (a *websocketAdapter) ChatStream(ctx context.Context, req *wire.ChatRequest) (<-chan StreamEvent, error) {
	return a.stream(ctx, req)
}

// Chat collects every streamed delta into a single response: non-streaming callers still get
// the full content even though the vendor only speaks frames.
func (a *websocketAdapter) Chat(ctx context.Context, req *wire.ChatRequest) (*wire.ChatResponse, error) {
	events, err := a.stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	var finishReason string
	var usage *wire.Usage
	var id, model string

	for ev := range events {
		if ev.Err != nil {
			err = ev.Err
			continue
		}
		chunk := ev.Chunk
		if chunk.ID != "" {
			id = chunk.ID
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, ch := range chunk.Choices {
			if ch.Delta != nil {
				b.WriteString(wire.FlattenContent(ch.Delta.Content))
			}
			if ch.FinishReason != "" {
				finishReason = ch.FinishReason
			}
		}
	}
	if err != nil {
		return nil, err
	}

	out := wire.NewChatResponse(id, model, 0)
	if finishReason == "" {
		finishReason = wire.FinishStop
	}
	out.Choices = []wire.Choice{{Message: &wire.Message{Role: wire.RoleAssistant, Content: b.String()}, FinishReason: finishReason}}
	out.Usage = usage
	return out, nil
}
