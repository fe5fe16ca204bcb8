// Package ali translates canonical chat requests to and from Alibaba's Tongyi/Qwen DashScope
// wire format, including the "-internet" model-suffix search toggle and the top_p clamp.
package ali

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
	converters.Register("ali", New)
}

// Converter implements the DashScope chat translation.
type Converter struct {
	apiKey        string
	upstreamModel string
	plugin        string
}

// New builds an Ali Converter from a binding.
func New(b config.Binding) (converters.Converter, error) {
	if b.APIKey == "" {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "ali requires api_key"}
	}
	return &Converter{apiKey: b.APIKey, upstreamModel: b.Model, plugin: b.ConfigString("plugin")}, nil
}

type aliMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type aliParameters struct {
	ResultFormat      string   `json:"result_format"`
	IncrementalOutput bool     `json:"incremental_output"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	Seed              *int     `json:"seed,omitempty"`
	Tools             any      `json:"tools,omitempty"`
	EnableSearch      bool     `json:"enable_search,omitempty"`
}

type aliInput struct {
	Messages []aliMessage `json:"messages"`
}

type aliRequest struct {
	Model      string        `json:"model"`
	Input      aliInput      `json:"input"`
	Parameters aliParameters `json:"parameters"`
}

func clampTopP(topP *float64) *float64 {
	if topP == nil {
		return nil
	}
	v := *topP
	if v > 0.9999 {
		v = 0.9999
	}
	return &v
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	model := c.upstreamModel
	enableSearch := false
	if strings.HasSuffix(model, "-internet") {
		model = strings.TrimSuffix(model, "-internet")
		enableSearch = true
	}

	var messages []aliMessage
	for _, m := range req.Messages {
		messages = append(messages, aliMessage{Role: m.Role, Content: wire.FlattenContent(m.Content)})
	}

	out := aliRequest{
		Model: model,
		Input: aliInput{Messages: messages},
		Parameters: aliParameters{
			ResultFormat:      "message",
			IncrementalOutput: req.Stream,
			Temperature:       req.Temperature,
			TopP:              clampTopP(req.TopP),
			TopK:              req.TopK,
			MaxTokens:         req.MaxTokens,
			Seed:              req.Seed,
			EnableSearch:      enableSearch,
		},
	}
	if len(req.Tools) > 0 {
		out.Parameters.Tools = req.Tools
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling ali request", Cause: err}
	}
	return body, "", nil
}

type aliOutputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type aliOutputChoice struct {
	Message      aliOutputMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type aliOutput struct {
	Choices []aliOutputChoice `json:"choices"`
}

type aliUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type aliResponse struct {
	RequestID string    `json:"request_id"`
	Output    aliOutput `json:"output"`
	Usage     aliUsage  `json:"usage"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp aliResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "ali", Message: "malformed response: " + err.Error()}
	}
	if resp.Code != "" {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "ali", Code: resp.Code, Message: resp.Message}
	}
	if len(resp.Output.Choices) == 0 {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "ali", Message: "no choices in response"}
	}

	out := wire.NewChatResponse(resp.RequestID, c.upstreamModel, 0)
	for _, ch := range resp.Output.Choices {
		out.Choices = append(out.Choices, wire.Choice{
			Message:      &wire.Message{Role: wire.RoleAssistant, Content: ch.Message.Content},
			FinishReason: wire.NormalizeFinishReason(ch.FinishReason),
		})
	}
	out.Usage = &wire.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return out, nil
}

func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	resp, err := c.ConvertResponse(frame)
	if err != nil {
		return nil, err
	}
	chunk := wire.NewStreamChunk(resp.ID, resp.Model, resp.Created)
	chunk.Usage = resp.Usage
	for _, ch := range resp.Choices {
		chunk.Choices = append(chunk.Choices, wire.StreamChoice{Delta: ch.Message, FinishReason: ch.FinishReason})
	}
	return chunk, nil
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+c.apiKey)

	var req aliRequest
	if err := json.Unmarshal(body, &req); err == nil && req.Parameters.IncrementalOutput {
		h.Set("Accept", "text/event-stream")
		h.Set("X-DashScope-SSE", "enable")
	}
	if c.plugin != "" {
		h.Set("X-DashScope-Plugin", c.plugin)
	}
	return h, nil
}
