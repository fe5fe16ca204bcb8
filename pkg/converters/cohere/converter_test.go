package cohere

import (
	"encoding/json"
	"testing"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/wire"
)

func TestConvertRequestSplitsMessageAndHistory(t *testing.T) {
	conv, err := New(config.Binding{APIKey: "ck", Model: "command-r"})
	if err != nil {
		t.Fatal(err)
	}
	body, _, err := conv.ConvertRequest(&wire.ChatRequest{
		Messages: []wire.Message{
			{Role: wire.RoleSystem, Content: "be terse"},
			{Role: wire.RoleUser, Content: "first question"},
			{Role: wire.RoleAssistant, Content: "first answer"},
			{Role: wire.RoleUser, Content: "second question"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	var got cohereRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Message != "second question" {
		t.Fatalf("expected last user message promoted, got %q", got.Message)
	}
	if len(got.ChatHistory) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(got.ChatHistory))
	}
	wantRoles := []string{"SYSTEM", "USER", "CHATBOT"}
	for i, want := range wantRoles {
		if got.ChatHistory[i].Role != want {
			t.Fatalf("history[%d] role = %q, want %q", i, got.ChatHistory[i].Role, want)
		}
	}
}

func TestInternetSuffixAddsWebSearchConnector(t *testing.T) {
	conv, err := New(config.Binding{APIKey: "ck", Model: "command-r-internet"})
	if err != nil {
		t.Fatal(err)
	}
	body, _, err := conv.ConvertRequest(&wire.ChatRequest{
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	var got cohereRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Model != "command-r" {
		t.Fatalf("expected suffix stripped, got %q", got.Model)
	}
	if len(got.Connectors) != 1 || got.Connectors[0].ID != "web-search" {
		t.Fatalf("expected web-search connector, got %+v", got.Connectors)
	}
}

func TestTopPMapsToP(t *testing.T) {
	conv, err := New(config.Binding{APIKey: "ck", Model: "command-r"})
	if err != nil {
		t.Fatal(err)
	}
	topP := 0.7
	body, _, err := conv.ConvertRequest(&wire.ChatRequest{
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
		TopP:     &topP,
	})
	if err != nil {
		t.Fatal(err)
	}
	var got cohereRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.P == nil || *got.P != 0.7 {
		t.Fatalf("expected top_p mapped to p, got %+v", got.P)
	}
}

func TestConvertResponseTextAndTokens(t *testing.T) {
	conv, err := New(config.Binding{APIKey: "ck", Model: "command-r"})
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte(`{
		"response_id": "r1",
		"text": "bonjour",
		"finish_reason": "COMPLETE",
		"meta": {"tokens": {"input_tokens": 2, "output_tokens": 1}}
	}`)
	resp, convErr := conv.ConvertResponse(raw)
	if convErr != nil {
		t.Fatal(convErr)
	}
	if resp.Choices[0].Message.Content != "bonjour" {
		t.Fatalf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != wire.FinishStop {
		t.Fatalf("COMPLETE should normalise to stop, got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 3 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}
