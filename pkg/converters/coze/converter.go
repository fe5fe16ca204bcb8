// Package coze translates canonical chat requests to and from Coze's bot-chat wire format:
// the model string's "bot-" prefix becomes bot_id, the last message is query, and the
// rest become chat_history.
package coze

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
	converters.Register("coze", New)
}

// Converter implements the Coze bot-chat translation.
type Converter struct {
	apiKey string
	botID  string
}

// New builds a Coze Converter from a binding. The upstream model name's "bot-" prefix is
// stripped to yield the bot_id.
func New(b config.Binding) (converters.Converter, error) {
	if b.APIKey == "" {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "coze requires api_key"}
	}
	return &Converter{apiKey: b.APIKey, botID: strings.TrimPrefix(b.Model, "bot-")}, nil
}

type cozeHistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type cozeRequest struct {
	BotID       string             `json:"bot_id"`
	Query       string             `json:"query"`
	ChatHistory []cozeHistoryEntry `json:"chat_history,omitempty"`
	Stream      bool               `json:"stream"`
	User        string             `json:"user,omitempty"`
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	var query string
	var history []cozeHistoryEntry
	for i, m := range req.Messages {
		text := wire.FlattenContent(m.Content)
		if i == len(req.Messages)-1 {
			query = text
			continue
		}
		history = append(history, cozeHistoryEntry{Role: m.Role, Content: text})
	}

	user := req.User
	if user == "" {
		user = "gateway"
	}

	out := cozeRequest{BotID: c.botID, Query: query, ChatHistory: history, Stream: req.Stream, User: user}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling coze request", Cause: err}
	}
	return body, "", nil
}

type cozeMessage struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

type cozeResponse struct {
	Messages []cozeMessage `json:"messages"`
	Code     int           `json:"code"`
	Msg      string        `json:"msg"`
}

func firstAnswer(messages []cozeMessage) (string, bool) {
	for _, m := range messages {
		if m.Type == "answer" {
			return m.Content, true
		}
	}
	return "", false
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp cozeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "coze", Message: "malformed response: " + err.Error()}
	}
	if resp.Code != 0 {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "coze", Message: resp.Msg}
	}
	content, ok := firstAnswer(resp.Messages)
	if !ok {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "coze", Message: "no answer message in response"}
	}

	out := wire.NewChatResponse("", "coze-"+c.botID, 0)
	out.Choices = []wire.Choice{{
		Message:      &wire.Message{Role: wire.RoleAssistant, Content: content},
		FinishReason: wire.FinishStop,
	}}
	return out, nil
}

func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	var m cozeMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "coze", Message: "malformed stream frame: " + err.Error()}
	}
	if m.Type != "answer" {
		return nil, nil
	}
	chunk := wire.NewStreamChunk("", "coze-"+c.botID, 0)
	chunk.Choices = []wire.StreamChoice{{Delta: &wire.Message{Role: wire.RoleAssistant, Content: m.Content}}}
	return chunk, nil
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+c.apiKey)
	return h, nil
}
