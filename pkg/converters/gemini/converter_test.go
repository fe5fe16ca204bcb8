package gemini

import (
	"encoding/json"
	"testing"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func mustConverter(t *testing.T, model string) *Converter {
	t.Helper()
	conv, err := New(config.Binding{APIKey: "g-key", Model: model})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return conv.(*Converter)
}

func TestConvertRequestFoldsSystemForOlderModels(t *testing.T) {
	conv := mustConverter(t, "gemini-pro")
	req := &wire.ChatRequest{
		Messages: []wire.Message{
			{Role: wire.RoleSystem, Content: "be terse"},
			{Role: wire.RoleUser, Content: "hi"},
		},
	}

	body, _, err := conv.ConvertRequest(req)
	if err != nil {
		t.Fatalf("ConvertRequest: %v", err)
	}
	var got geminiRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}

	if got.SystemInstruction != nil {
		t.Fatal("gemini-pro must not receive system_instruction")
	}
	if len(got.Contents) != 3 {
		t.Fatalf("expected system fold + ack + user turn, got %d contents", len(got.Contents))
	}
	if got.Contents[0].Role != "user" || got.Contents[0].Parts[0].Text != "be terse" {
		t.Fatalf("expected leading user turn carrying the system text, got %+v", got.Contents[0])
	}
	if got.Contents[1].Role != "model" || got.Contents[1].Parts[0].Text != "Okay" {
		t.Fatalf("expected synthetic model acknowledgement, got %+v", got.Contents[1])
	}
	if len(got.SafetySettings) != len(safetyCategories) {
		t.Fatalf("expected %d safety settings, got %d", len(safetyCategories), len(got.SafetySettings))
	}
	for _, s := range got.SafetySettings {
		if s.Threshold != "BLOCK_NONE" {
			t.Fatalf("expected BLOCK_NONE for %s, got %s", s.Category, s.Threshold)
		}
	}
}

func TestConvertRequestUsesSystemInstructionOnAllowListedModels(t *testing.T) {
	conv := mustConverter(t, "gemini-2.0-flash")
	req := &wire.ChatRequest{
		Messages: []wire.Message{
			{Role: wire.RoleSystem, Content: "be terse"},
			{Role: wire.RoleUser, Content: "hi"},
		},
	}

	body, _, err := conv.ConvertRequest(req)
	if err != nil {
		t.Fatalf("ConvertRequest: %v", err)
	}
	var got geminiRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("expected system_instruction, got %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 1 || got.Contents[0].Role != "user" {
		t.Fatalf("expected single user turn, got %+v", got.Contents)
	}
}

func TestAssistantRoleBecomesModel(t *testing.T) {
	conv := mustConverter(t, "gemini-1.5-pro")
	req := &wire.ChatRequest{
		Messages: []wire.Message{
			{Role: wire.RoleUser, Content: "hi"},
			{Role: wire.RoleAssistant, Content: "hello"},
			{Role: wire.RoleUser, Content: "again"},
		},
	}
	body, _, err := conv.ConvertRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	var got geminiRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Contents[1].Role != "model" {
		t.Fatalf("assistant should map to model, got %q", got.Contents[1].Role)
	}
}

func TestRequestPathVariesWithModelVersion(t *testing.T) {
	cases := []struct {
		model  string
		stream bool
		want   string
	}{
		{"gemini-2.0-flash", false, "/v1beta/models/gemini-2.0-flash:generateContent"},
		{"gemini-1.5-pro", true, "/v1beta/models/gemini-1.5-pro:streamGenerateContent?alt=sse"},
		{"gemini-pro", false, "/v1/models/gemini-pro:generateContent"},
	}
	for _, c := range cases {
		conv := mustConverter(t, c.model)
		_, suffix, err := conv.ConvertRequest(&wire.ChatRequest{
			Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
			Stream:   c.stream,
		})
		if err != nil {
			t.Fatal(err)
		}
		if suffix != c.want {
			t.Errorf("model %q stream=%v: suffix = %q, want %q", c.model, c.stream, suffix, c.want)
		}
	}
}

func TestConvertRequestInlinesDataURLImages(t *testing.T) {
	conv := mustConverter(t, "gemini-1.5-pro")
	body, _, err := conv.ConvertRequest(&wire.ChatRequest{
		Messages: []wire.Message{{
			Role: wire.RoleUser,
			Content: []any{
				map[string]any{"type": "text", "text": "describe"},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "data:image/jpeg;base64,aW1n"}},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "https://example.com/a.png"}},
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	var got geminiRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	parts := got.Contents[0].Parts
	// The data URL inlines; the remote URL has no inline representation and is dropped.
	if len(parts) != 2 {
		t.Fatalf("expected text + inline image, got %d parts", len(parts))
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MimeType != "image/jpeg" || parts[1].InlineData.Data != "aW1n" {
		t.Fatalf("unexpected inline data part %+v", parts[1])
	}
}

func TestUsesV1Beta(t *testing.T) {
	cases := map[string]bool{
		"gemini-2.0-flash":  true,
		"gemini-1.5-pro":    true,
		"gemini-pro":        false,
		"gemini-pro-vision": false,
	}
	for model, want := range cases {
		if got := UsesV1Beta(model); got != want {
			t.Errorf("UsesV1Beta(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestConvertResponseConcatenatesParts(t *testing.T) {
	conv := mustConverter(t, "gemini-1.5-pro")
	raw := []byte(`{
		"candidates": [{
			"content": {"parts": [{"text": "he"}, {"text": "llo"}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 5, "totalTokenCount": 8}
	}`)

	resp, err := conv.ConvertResponse(raw)
	if err != nil {
		t.Fatalf("ConvertResponse: %v", err)
	}
	if got := resp.Choices[0].Message.Content; got != "hello" {
		t.Fatalf("expected concatenated parts %q, got %q", "hello", got)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Fatalf("expected usage mapped, got %+v", resp.Usage)
	}
}

func TestConvertResponseErrorEnvelope(t *testing.T) {
	conv := mustConverter(t, "gemini-1.5-pro")
	raw := []byte(`{"error": {"code": 400, "message": "invalid argument", "status": "INVALID_ARGUMENT"}}`)

	_, err := conv.ConvertResponse(raw)
	var protoErr *gatewayerrors.UpstreamProtocolError
	if err == nil {
		t.Fatal("expected error for vendor error envelope")
	}
	if !asProtocolError(err, &protoErr) {
		t.Fatalf("expected UpstreamProtocolError, got %T", err)
	}
	if protoErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected vendor status carried as code, got %q", protoErr.Code)
	}
}

func asProtocolError(err error, target **gatewayerrors.UpstreamProtocolError) bool {
	pe, ok := err.(*gatewayerrors.UpstreamProtocolError)
	if ok {
		*target = pe
	}
	return ok
}

func TestHeadersCarryGoogAPIKey(t *testing.T) {
	conv := mustConverter(t, "gemini-1.5-pro")
	h, err := conv.Headers(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.Get("x-goog-api-key"); got != "g-key" {
		t.Fatalf("expected x-goog-api-key header, got %q", got)
	}
}
