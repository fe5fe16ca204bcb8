// Package anthropic translates canonical chat requests to and from Anthropic's Messages API
// wire format. The converter is pure translation; the HTTP transport lives in
// pkg/adapters/customhttp.
package anthropic

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
	converters.Register("anthropic", New)
}

const defaultAnthropicVersion = "2023-06-01"

// Converter implements the Anthropic Messages API translation.
type Converter struct {
	apiKey        string
	upstreamModel string
}

// New builds an Anthropic Converter from a binding.
func New(b config.Binding) (converters.Converter, error) {
	if b.APIKey == "" {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "anthropic requires api_key"}
	}
	return &Converter{apiKey: b.APIKey, upstreamModel: b.Model}, nil
}

type contentPart struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

// imageSource is the Messages API image payload: base64 for data URLs, url otherwise.
type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

// convertParts translates canonical content parts into Messages API blocks, carrying image_url
// parts through as image blocks.
func convertParts(content any) []contentPart {
	var out []contentPart
	for _, p := range wire.ContentParts(content) {
		switch {
		case p.Type == "text":
			out = append(out, contentPart{Type: "text", Text: p.Text})
		case p.Type == "image_url" && p.ImageURL != nil:
			if mediaType, data, ok := wire.ParseDataURL(p.ImageURL.URL); ok {
				out = append(out, contentPart{Type: "image", Source: &imageSource{
					Type: "base64", MediaType: mediaType, Data: data,
				}})
			} else {
				out = append(out, contentPart{Type: "image", Source: &imageSource{
					Type: "url", URL: p.ImageURL.URL,
				}})
			}
		}
	}
	return out
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	StopSequences any                `json:"stop_sequences,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	model := req.Model
	if c.upstreamModel != "" {
		model = c.upstreamModel
	}

	var systemParts []string
	var messages []anthropicMessage
	for _, m := range req.Messages {
		if m.Role == wire.RoleSystem {
			systemParts = append(systemParts, wire.FlattenContent(m.Content))
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    m.Role,
			Content: convertParts(m.Content),
		})
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	out := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Stream:      req.Stream,
		System:      strings.Join(systemParts, "\n"),
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.Stop != nil {
		out.StopSequences = req.Stop
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling anthropic request", Cause: err}
	}
	return body, "", nil
}

type anthropicContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input any    `json:"input"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Content    []anthropicContentBlock `json:"content"`
	Usage      anthropicUsage          `json:"usage"`
	Type       string                  `json:"type"`
	Error      *anthropicErrorEnvelope `json:"error"`
}

type anthropicErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "anthropic", Message: "malformed response: " + err.Error()}
	}
	if resp.Error != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "anthropic", Code: resp.Error.Type, Message: resp.Error.Message}
	}

	var textParts []string
	var toolCalls []wire.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, wire.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: wire.FunctionCall{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}

	out := wire.NewChatResponse(resp.ID, resp.Model, 0)
	out.Choices = []wire.Choice{{
		Index: 0,
		Message: &wire.Message{
			Role:      wire.RoleAssistant,
			Content:   strings.Join(textParts, ""),
			ToolCalls: toolCalls,
		},
		FinishReason: wire.NormalizeFinishReason(resp.StopReason),
	}}
	out.Usage = &wire.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return out, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	Usage *anthropicUsage `json:"usage"`
}

func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "anthropic", Message: "malformed stream event: " + err.Error()}
	}

	switch ev.Type {
	case "content_block_delta":
		chunk := wire.NewStreamChunk(ev.Message.ID, ev.Message.Model, 0)
		chunk.Choices = []wire.StreamChoice{{Index: 0, Delta: &wire.Message{Role: wire.RoleAssistant, Content: ev.Delta.Text}}}
		return chunk, nil
	case "message_delta":
		chunk := wire.NewStreamChunk(ev.Message.ID, ev.Message.Model, 0)
		reason := wire.NormalizeFinishReason(ev.Delta.StopReason)
		chunk.Choices = []wire.StreamChoice{{Index: 0, Delta: &wire.Message{Role: wire.RoleAssistant}, FinishReason: reason}}
		if ev.Usage != nil {
			chunk.Usage = &wire.Usage{CompletionTokens: ev.Usage.OutputTokens}
		}
		return chunk, nil
	default:
		// message_start, content_block_start/stop, ping: nothing worth forwarding.
		return nil, nil
	}
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-api-key", c.apiKey)
	h.Set("anthropic-version", defaultAnthropicVersion)

	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err == nil && strings.Contains(req.Model, "claude-3-5-sonnet") {
		h.Set("anthropic-beta", "max-tokens-3-5-sonnet-2024-07-15")
	}
	return h, nil
}
