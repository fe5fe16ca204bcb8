package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func TestOpenAICompatChatRewritesModel(t *testing.T) {
	var sawModel string
	var sawAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wire.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding upstream body: %v", err)
		}
		sawModel = req.Model
		sawAuth = r.Header.Get("Authorization")

		resp := wire.NewChatResponse("chatcmpl-1", req.Model, 1)
		resp.Choices = []wire.Choice{{Message: &wire.Message{Role: "assistant", Content: "hello"}, FinishReason: "stop"}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	adapter, err := New(config.Binding{
		ID: "my-routing-id", Adapter: "openai_compat",
		BaseURL: upstream.URL, Model: "real-upstream-model", APIKey: "sk-test",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := adapter.Chat(context.Background(), &wire.ChatRequest{
		Model:    "my-routing-id",
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sawModel != "real-upstream-model" {
		t.Fatalf("expected model rewritten before leaving the gateway, upstream saw %q", sawModel)
	}
	if sawAuth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", sawAuth)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Fatalf("unexpected content %q", resp.Choices[0].Message.Content)
	}
}

func TestOpenAICompatStreamDeliversFramesInOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"id":"x","object":"chat.completion.chunk","choices":[{"delta":{"content":"he"}}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"id":"x","object":"chat.completion.chunk","choices":[]}`+"\n\n") // keepalive
		flusher.Flush()
		fmt.Fprint(w, `data: {"id":"x","object":"chat.completion.chunk","choices":[{"delta":{"content":"llo"},"finish_reason":"stop"}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	adapter, err := New(config.Binding{
		ID: "s", Adapter: "openai_compat", BaseURL: upstream.URL, APIKey: "sk-test",
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := adapter.ChatStream(context.Background(), &wire.ChatRequest{
		Model:    "s",
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var contents []string
	var terminal bool
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		for _, ch := range ev.Chunk.Choices {
			if ch.Delta != nil {
				if s, ok := ch.Delta.Content.(string); ok {
					contents = append(contents, s)
				}
			}
			if ch.FinishReason != "" {
				terminal = true
			}
		}
	}

	if len(contents) != 2 || contents[0] != "he" || contents[1] != "llo" {
		t.Fatalf("expected deltas in upstream order (keepalive skipped), got %v", contents)
	}
	if !terminal {
		t.Fatal("expected a terminal chunk with finish_reason")
	}
}

func TestOpenAICompatClassifiesUpstreamStatus(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{429, func(err error) bool { _, ok := err.(*gatewayerrors.RateLimitError); return ok }},
		{401, func(err error) bool { _, ok := err.(*gatewayerrors.AuthError); return ok }},
		{503, func(err error) bool { _, ok := err.(*gatewayerrors.UpstreamTransientError); return ok }},
	}
	for _, c := range cases {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
			fmt.Fprint(w, `{"error":"nope"}`)
		}))

		adapter, err := New(config.Binding{
			ID: "e", Adapter: "openai_compat", BaseURL: upstream.URL, APIKey: "sk-test",
		})
		if err != nil {
			t.Fatal(err)
		}
		_, chatErr := adapter.Chat(context.Background(), &wire.ChatRequest{Model: "e"})
		if chatErr == nil || !c.check(chatErr) {
			t.Errorf("status %d: wrong error type %T (%v)", c.status, chatErr, chatErr)
		}
		upstream.Close()
	}
}

func TestOpenAICompatAvailability(t *testing.T) {
	withKey, err := New(config.Binding{Adapter: "openai_compat", BaseURL: "https://api.deepseek.com", APIKey: "sk"})
	if err != nil {
		t.Fatal(err)
	}
	if !withKey.IsAvailable() {
		t.Fatal("keyed remote binding should be available")
	}

	local, err := New(config.Binding{Adapter: "openai_compat", BaseURL: "http://localhost:11434/ollama"})
	if err != nil {
		t.Fatal(err)
	}
	if !local.IsAvailable() {
		t.Fatal("local no-auth binding should be available")
	}

	remoteNoKey, err := New(config.Binding{Adapter: "openai_compat", BaseURL: "https://api.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if remoteNoKey.IsAvailable() {
		t.Fatal("remote binding without a key should not be available")
	}
}
