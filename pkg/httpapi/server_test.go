package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relaylabs/conduit/pkg/adapters"
	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/registry"
	"relaylabs/conduit/pkg/wire"
)

// fakeAdapter serves a canned stream for the SSE tests.
type fakeAdapter struct {
	chunks  []*wire.StreamChunk
	err     error
	lastReq *wire.ChatRequest
}

func (a *fakeAdapter) Chat(ctx context.Context, req *wire.ChatRequest) (*wire.ChatResponse, error) {
	return nil, &gatewayerrors.InternalError{Message: "unary not used in this fake"}
}

func (a *fakeAdapter) ChatStream(ctx context.Context, req *wire.ChatRequest) (<-chan adapters.StreamEvent, error) {
	a.lastReq = req
	out := make(chan adapters.StreamEvent, len(a.chunks)+1)
	for _, c := range a.chunks {
		out <- adapters.StreamEvent{Chunk: c}
	}
	if a.err != nil {
		out <- adapters.StreamEvent{Err: a.err}
	}
	close(out)
	return out, nil
}

func (a *fakeAdapter) IsAvailable() bool { return true }
func (a *fakeAdapter) Close() error      { return nil }

// fakeDispatcher scripts the chat endpoint's routing layer.
type fakeDispatcher struct {
	resp     *wire.ChatResponse
	err      error
	streamer adapters.Adapter
	lastReq  *wire.ChatRequest
}

func (d *fakeDispatcher) Route(ctx context.Context, modelID string, req *wire.ChatRequest) (*wire.ChatResponse, error) {
	d.lastReq = req
	if d.err != nil {
		return nil, d.err
	}
	return d.resp, nil
}

func (d *fakeDispatcher) ResolveStream(modelID string) (adapters.Adapter, config.Binding, error) {
	if d.err != nil {
		return nil, config.Binding{}, d.err
	}
	return d.streamer, config.Binding{ID: modelID, Model: "upstream-" + modelID}, nil
}

// fakeModels is a minimal ModelSource.
type fakeModels struct {
	list      registry.ModelList
	reloadErr error
}

func (m *fakeModels) ListModels() registry.ModelList { return m.list }
func (m *fakeModels) Reload() error                  { return m.reloadErr }
func (m *fakeModels) Len() int                       { return len(m.list.Data) }

func newTestServer(d Dispatcher, m ModelSource) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(config.DefaultServerConfig(), d, m, nil, logger)
}

func TestChatMissingModel(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeModels{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Message != "Missing 'model' field" {
		t.Fatalf("unexpected message %q", body.Error.Message)
	}
	if body.Error.Type != "invalid_request_error" || body.Error.Code != "400" {
		t.Fatalf("unexpected envelope %+v", body.Error)
	}
}

func TestChatMalformedJSON(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeModels{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model": truncated`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatUnknownModel(t *testing.T) {
	d := &fakeDispatcher{err: &gatewayerrors.ModelNotFoundError{Model: "unknown"}}
	srv := newTestServer(d, &fakeModels{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"unknown","messages":[]}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Message != "模型 unknown 未找到或未启用" {
		t.Fatalf("unexpected message %q", body.Error.Message)
	}
	if body.Error.Type != "invalid_request_error" || body.Error.Code != "404" {
		t.Fatalf("unexpected envelope %+v", body.Error)
	}
}

func TestChatUnarySuccess(t *testing.T) {
	resp := wire.NewChatResponse("chatcmpl-1", "m", 123)
	resp.Choices = []wire.Choice{{Message: &wire.Message{Role: "assistant", Content: "hello"}, FinishReason: "stop"}}
	d := &fakeDispatcher{resp: resp}
	srv := newTestServer(d, &fakeModels{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got wire.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "chatcmpl-1" || got.Object != "chat.completion" {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestChatStreamEndsWithExactlyOneDone(t *testing.T) {
	chunk1 := wire.NewStreamChunk("x", "m", 0)
	chunk1.Choices = []wire.StreamChoice{{Delta: &wire.Message{Content: "he"}}}
	chunk2 := wire.NewStreamChunk("x", "m", 0)
	chunk2.Choices = []wire.StreamChoice{{Delta: &wire.Message{Content: "llo"}, FinishReason: "stop"}}

	d := &fakeDispatcher{streamer: &fakeAdapter{chunks: []*wire.StreamChunk{chunk1, chunk2}}}
	srv := newTestServer(d, &fakeModels{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	srv.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()

	if got := strings.Count(body, "data: [DONE]\n\n"); got != 1 {
		t.Fatalf("expected exactly one [DONE], got %d in:\n%s", got, body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with [DONE], got:\n%s", body)
	}

	dataFrames := 0
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") && line != "data: [DONE]" {
			dataFrames++
		}
	}
	if dataFrames != 2 {
		t.Fatalf("expected 2 data frames before [DONE], got %d in:\n%s", dataFrames, body)
	}
	if !strings.Contains(body, `"he"`) || !strings.Contains(body, `"llo"`) {
		t.Fatalf("expected delta contents forwarded, got:\n%s", body)
	}
}

func TestChatStreamUpstreamErrorStillTerminates(t *testing.T) {
	chunk := wire.NewStreamChunk("x", "m", 0)
	chunk.Choices = []wire.StreamChoice{{Delta: &wire.Message{Content: "partial"}}}
	d := &fakeDispatcher{streamer: &fakeAdapter{
		chunks: []*wire.StreamChunk{chunk},
		err:    &gatewayerrors.UpstreamTransientError{Adapter: "x", StatusCode: 500, Message: "mid-stream failure"},
	}}
	srv := newTestServer(d, &fakeModels{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m","stream":true,"messages":[]}`))
	srv.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if got := strings.Count(body, "data: [DONE]\n\n"); got != 1 {
		t.Fatalf("expected exactly one [DONE] even after upstream error, got %d", got)
	}
}

func TestChatStreamRewritesUpstreamModel(t *testing.T) {
	chunk := wire.NewStreamChunk("x", "m", 0)
	chunk.Choices = []wire.StreamChoice{{Delta: &wire.Message{Content: "hi"}, FinishReason: "stop"}}
	fake := &fakeAdapter{chunks: []*wire.StreamChunk{chunk}}
	d := &fakeDispatcher{streamer: fake}
	srv := newTestServer(d, &fakeModels{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m","stream":true,"messages":[]}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fake.lastReq == nil || fake.lastReq.Model != "upstream-m" {
		t.Fatalf("expected the binding's upstream model on the outbound request, got %+v", fake.lastReq)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeModels{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestListModelsEndpoint(t *testing.T) {
	m := &fakeModels{list: registry.ModelList{
		Object: "list",
		Data: []registry.ModelEntry{
			{ID: "a", Object: "model", OwnedBy: "openai_compat"},
			{ID: "b", Object: "model", OwnedBy: "custom_http"},
		},
	}}
	srv := newTestServer(&fakeDispatcher{}, m)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/models", nil))

	var got registry.ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Object != "list" || len(got.Data) != 2 {
		t.Fatalf("unexpected list %+v", got)
	}
}

func TestReloadEndpoint(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeModels{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected reload body %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, &fakeModels{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://example.com")
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "POST") {
		t.Fatalf("expected POST allowed, got %q", methods)
	}
	if headers := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(headers, "Authorization") {
		t.Fatalf("expected Authorization allowed, got %q", headers)
	}
}

// panickingDispatcher drives the recovery middleware.
type panickingDispatcher struct{}

func (panickingDispatcher) Route(ctx context.Context, modelID string, req *wire.ChatRequest) (*wire.ChatResponse, error) {
	panic("adapter bug")
}

func (panickingDispatcher) ResolveStream(modelID string) (adapters.Adapter, config.Binding, error) {
	panic("adapter bug")
}

func TestPanicInHandlerReturns500AndProcessSurvives(t *testing.T) {
	srv := newTestServer(panickingDispatcher{}, &fakeModels{})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[]}`))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from recovered panic, got %d", rec.Code)
	}

	// The handler chain must keep serving after a panic.
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest("GET", "/health", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected health to keep working after panic, got %d", rec2.Code)
	}
}

func TestErrorBodiesNeverMentionKeys(t *testing.T) {
	d := &fakeDispatcher{err: &gatewayerrors.AuthError{Adapter: "x", Message: "invalid api_key sk-123"}}
	srv := newTestServer(d, &fakeModels{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[]}`))
	srv.Handler().ServeHTTP(rec, req)

	body := strings.ToLower(rec.Body.String())
	if strings.Contains(body, "api_key") || strings.Contains(body, "api key") || strings.Contains(body, "sk-123") {
		t.Fatalf("credential material leaked: %s", rec.Body.String())
	}
}
