// Package tencent translates canonical chat requests to and from Tencent Hunyuan's PascalCase
// wire format, signed with TC3-HMAC-SHA256 (see signer.go).
package tencent

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	converters.Register("tencent", New)
}

// Converter implements the Hunyuan chat translation. Credentials are parsed as
// "app_id|secret_id|secret_key".
type Converter struct {
	appID         string
	secretID      string
	secretKey     string
	upstreamModel string
	region        string
	now           func() time.Time
}

// New builds a Tencent Converter from a binding.
func New(b config.Binding) (converters.Converter, error) {
	parts := strings.Split(b.APIKey, "|")
	if len(parts) != 3 {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "tencent api_key must be of the form app_id|secret_id|secret_key"}
	}
	return &Converter{
		appID:         parts[0],
		secretID:      parts[1],
		secretKey:     parts[2],
		upstreamModel: b.Model,
		region:        b.ConfigString("region"),
		now:           time.Now,
	}, nil
}

type hunyuanMessage struct {
	Role    string `json:"Role"`
	Content string `json:"Content"`
}

type hunyuanRequest struct {
	Model       string           `json:"Model"`
	Messages    []hunyuanMessage `json:"Messages"`
	Stream      bool             `json:"Stream"`
	Temperature *float64         `json:"Temperature,omitempty"`
	TopP        *float64         `json:"TopP,omitempty"`
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	var messages []hunyuanMessage
	for _, m := range req.Messages {
		messages = append(messages, hunyuanMessage{Role: m.Role, Content: wire.FlattenContent(m.Content)})
	}
	out := hunyuanRequest{
		Model:       c.upstreamModel,
		Messages:    messages,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling tencent request", Cause: err}
	}
	return body, "", nil
}

type hunyuanResponseChoice struct {
	Message      hunyuanMessage `json:"Message"`
	FinishReason string         `json:"FinishReason"`
}

type hunyuanUsage struct {
	PromptTokens     int `json:"PromptTokens"`
	CompletionTokens int `json:"CompletionTokens"`
	TotalTokens      int `json:"TotalTokens"`
}

type hunyuanErrorEnvelope struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

type hunyuanResponseBody struct {
	RequestID string                  `json:"RequestId"`
	Choices   []hunyuanResponseChoice `json:"Choices"`
	Usage     hunyuanUsage            `json:"Usage"`
	Error     *hunyuanErrorEnvelope   `json:"Error"`
}

type hunyuanEnvelope struct {
	Response hunyuanResponseBody `json:"Response"`
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var env hunyuanEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "tencent", Message: "malformed response: " + err.Error()}
	}
	resp := env.Response
	if resp.Error != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "tencent", Code: resp.Error.Code, Message: resp.Error.Message}
	}

	out := wire.NewChatResponse(resp.RequestID, c.upstreamModel, 0)
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, wire.Choice{
			Message:      &wire.Message{Role: wire.RoleAssistant, Content: ch.Message.Content},
			FinishReason: wire.NormalizeFinishReason(ch.FinishReason),
		})
	}
	out.Usage = &wire.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
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
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	authHeader, timestamp, _ := Authorization(c.secretID, c.secretKey, body, now())

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Host", "hunyuan.tencentcloudapi.com")
	h.Set("X-TC-Action", "ChatCompletions")
	h.Set("X-TC-Version", "2023-09-01")
	h.Set("X-TC-Timestamp", strconv.FormatInt(timestamp, 10))
	if c.region != "" {
		h.Set("X-TC-Region", c.region)
	}
	h.Set("Authorization", authHeader)
	return h, nil
}
