// Package cohere translates canonical chat requests to and from Cohere's Chat API wire format,
// including chat_history role mapping and the "-internet" web-search suffix.
package cohere

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
	converters.Register("cohere", New)
}

// Converter implements the Cohere chat translation.
type Converter struct {
	apiKey        string
	upstreamModel string
}

// New builds a Cohere Converter from a binding.
func New(b config.Binding) (converters.Converter, error) {
	if b.APIKey == "" {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "cohere requires api_key"}
	}
	return &Converter{apiKey: b.APIKey, upstreamModel: b.Model}, nil
}

func cohereRole(role string) string {
	switch role {
	case wire.RoleUser:
		return "USER"
	case wire.RoleAssistant:
		return "CHATBOT"
	case wire.RoleSystem:
		return "SYSTEM"
	default:
		return "USER"
	}
}

type cohereHistoryEntry struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type cohereConnector struct {
	ID string `json:"id"`
}

type cohereRequest struct {
	Model       string               `json:"model"`
	Message     string               `json:"message"`
	ChatHistory []cohereHistoryEntry `json:"chat_history,omitempty"`
	P           *float64             `json:"p,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	Connectors  []cohereConnector    `json:"connectors,omitempty"`
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	model := c.upstreamModel
	var connectors []cohereConnector
	if strings.HasSuffix(model, "-internet") {
		model = strings.TrimSuffix(model, "-internet")
		connectors = append(connectors, cohereConnector{ID: "web-search"})
	}

	var lastUserMessage string
	var history []cohereHistoryEntry
	for i, m := range req.Messages {
		text := wire.FlattenContent(m.Content)
		if m.Role == wire.RoleUser && isLastUserMessage(req.Messages, i) {
			lastUserMessage = text
			continue
		}
		history = append(history, cohereHistoryEntry{Role: cohereRole(m.Role), Message: text})
	}

	out := cohereRequest{
		Model:       model,
		Message:     lastUserMessage,
		ChatHistory: history,
		P:           req.TopP,
		Temperature: req.Temperature,
		Connectors:  connectors,
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling cohere request", Cause: err}
	}
	return body, "", nil
}

func isLastUserMessage(messages []wire.Message, idx int) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == wire.RoleUser {
			return i == idx
		}
	}
	return false
}

type cohereMeta struct {
	Tokens struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"tokens"`
}

type cohereResponse struct {
	Text         string     `json:"text"`
	Meta         cohereMeta `json:"meta"`
	FinishReason string     `json:"finish_reason"`
	Message      string     `json:"message"`
	ResponseID   string     `json:"response_id"`
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp cohereResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "cohere", Message: "malformed response: " + err.Error()}
	}
	if resp.Text == "" && resp.Message != "" {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "cohere", Message: resp.Message}
	}
	out := wire.NewChatResponse(resp.ResponseID, c.upstreamModel, 0)
	out.Choices = []wire.Choice{{
		Message:      &wire.Message{Role: wire.RoleAssistant, Content: resp.Text},
		FinishReason: wire.NormalizeFinishReason(resp.FinishReason),
	}}
	out.Usage = &wire.Usage{
		PromptTokens:     resp.Meta.Tokens.InputTokens,
		CompletionTokens: resp.Meta.Tokens.OutputTokens,
		TotalTokens:      resp.Meta.Tokens.InputTokens + resp.Meta.Tokens.OutputTokens,
	}
	return out, nil
}

func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	var frameData struct {
		EventType  string `json:"event_type"`
		Text       string `json:"text"`
		IsFinished bool   `json:"is_finished"`
	}
	if err := json.Unmarshal(frame, &frameData); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "cohere", Message: "malformed stream frame: " + err.Error()}
	}
	if frameData.EventType != "text-generation" && !frameData.IsFinished {
		return nil, nil
	}
	chunk := wire.NewStreamChunk("", c.upstreamModel, 0)
	reason := ""
	if frameData.IsFinished {
		reason = wire.FinishStop
	}
	chunk.Choices = []wire.StreamChoice{{Delta: &wire.Message{Role: wire.RoleAssistant, Content: frameData.Text}, FinishReason: reason}}
	return chunk, nil
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+c.apiKey)
	return h, nil
}
