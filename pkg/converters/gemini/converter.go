// Package gemini translates canonical chat requests to and from Google's Gemini generateContent
// wire format, including the system_instruction allow-list quirk and the v1beta/v1 URL
// version switch.
package gemini

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
	converters.Register("gemini", New)
}

// Converter implements the Gemini generateContent translation.
type Converter struct {
	apiKey        string
	upstreamModel string
}

// New builds a Gemini Converter from a binding.
func New(b config.Binding) (converters.Converter, error) {
	if b.APIKey == "" {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "gemini requires api_key"}
	}
	return &Converter{apiKey: b.APIKey, upstreamModel: b.Model}, nil
}

// supportsSystemInstruction lists the models that accept a native system_instruction field.
func supportsSystemInstruction(model string) bool {
	return strings.HasPrefix(model, "gemini-2.0-flash") || model == "gemini-2.0-flash-thinking-exp-01-21"
}

// UsesV1Beta reports whether the given upstream model name must be addressed under the v1beta
// API path.
func UsesV1Beta(model string) bool {
	return strings.HasPrefix(model, "gemini-2.0") || strings.HasPrefix(model, "gemini-1.5")
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

// geminiInlineData carries image bytes inline; generateContent accepts no remote image URLs,
// so only data URLs can be passed through and any other image_url part is dropped.
type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// convertParts translates canonical content parts, keeping text and inline-able images.
func convertParts(content any) []geminiPart {
	var out []geminiPart
	for _, p := range wire.ContentParts(content) {
		switch {
		case p.Type == "text":
			out = append(out, geminiPart{Text: p.Text})
		case p.Type == "image_url" && p.ImageURL != nil:
			if mimeType, data, ok := wire.ParseDataURL(p.ImageURL.URL); ok {
				out = append(out, geminiPart{InlineData: &geminiInlineData{MimeType: mimeType, Data: data}})
			}
		}
	}
	return out
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"system_instruction,omitempty"`
	SafetySettings    []geminiSafetySetting   `json:"safety_settings"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

func (c *Converter) model() string {
	return c.upstreamModel
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	model := c.model()

	var systemText string
	var hasSystem bool
	var contents []geminiContent
	for _, m := range req.Messages {
		if m.Role == wire.RoleSystem {
			if systemText != "" {
				systemText += "\n"
			}
			systemText += wire.FlattenContent(m.Content)
			hasSystem = true
			continue
		}
		role := m.Role
		if role == wire.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: convertParts(m.Content)})
	}

	out := geminiRequest{Contents: contents}
	for _, cat := range safetyCategories {
		out.SafetySettings = append(out.SafetySettings, geminiSafetySetting{Category: cat, Threshold: "BLOCK_NONE"})
	}

	if hasSystem {
		if supportsSystemInstruction(model) {
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemText}}}
		} else {
			// Fold the system text into a leading user turn and append a synthetic model
			// acknowledgement to preserve strict user/model turn alternation.
			out.Contents = append([]geminiContent{
				{Role: "user", Parts: []geminiPart{{Text: systemText}}},
				{Role: "model", Parts: []geminiPart{{Text: "Okay"}}},
			}, out.Contents...)
		}
	}

	if req.Temperature != nil || req.TopP != nil || req.TopK != nil || req.MaxTokens != nil {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling gemini request", Cause: err}
	}
	return body, requestPath(model, req.Stream), nil
}

// requestPath builds the versioned URL path appended to the binding's base_url. Bindings leave
// endpoint empty for gemini; the model name decides whether the call goes to v1 or v1beta.
func requestPath(model string, stream bool) string {
	apiVersion := "v1"
	if UsesV1Beta(model) {
		apiVersion = "v1beta"
	}
	verb := ":generateContent"
	if stream {
		verb = ":streamGenerateContent?alt=sse"
	}
	return "/" + apiVersion + "/models/" + model + verb
}

type geminiFunctionCall struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

type geminiResponsePart struct {
	Text         string              `json:"text"`
	FunctionCall *geminiFunctionCall `json:"functionCall"`
}

type geminiCandidate struct {
	Content struct {
		Parts []geminiResponsePart `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	Error         *geminiErrorEnvelope `json:"error"`
}

type geminiErrorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "gemini", Message: "malformed response: " + err.Error()}
	}
	if resp.Error != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "gemini", Code: resp.Error.Status, Message: resp.Error.Message}
	}
	if len(resp.Candidates) == 0 {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "gemini", Message: "no candidates in response"}
	}

	cand := resp.Candidates[0]
	var textParts []string
	var toolCalls []wire.ToolCall
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			textParts = append(textParts, p.Text)
		}
		if p.FunctionCall != nil {
			args, _ := json.Marshal(p.FunctionCall.Args)
			toolCalls = append(toolCalls, wire.ToolCall{
				Type: "function",
				Function: wire.FunctionCall{
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		}
	}

	out := wire.NewChatResponse("", c.model(), 0)
	out.Choices = []wire.Choice{{
		Index:        0,
		Message:      &wire.Message{Role: wire.RoleAssistant, Content: strings.Join(textParts, ""), ToolCalls: toolCalls},
		FinishReason: wire.NormalizeFinishReason(cand.FinishReason),
	}}
	if resp.UsageMetadata != nil {
		out.Usage = &wire.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	var resp geminiResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "gemini", Message: "malformed stream frame: " + err.Error()}
	}
	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	cand := resp.Candidates[0]
	var textParts []string
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			textParts = append(textParts, p.Text)
		}
	}
	chunk := wire.NewStreamChunk("", c.model(), 0)
	chunk.Choices = []wire.StreamChoice{{
		Index:        0,
		Delta:        &wire.Message{Role: wire.RoleAssistant, Content: strings.Join(textParts, "")},
		FinishReason: wire.NormalizeFinishReason(cand.FinishReason),
	}}
	return chunk, nil
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-goog-api-key", c.apiKey)
	return h, nil
}
