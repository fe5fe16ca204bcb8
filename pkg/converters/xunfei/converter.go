// Package xunfei translates canonical chat requests to and from iFlytek Xunfei Spark's
// WebSocket wire format. Unlike the HTTP vendors, authentication here is a per-connection
// HMAC-signed URL (see auth.go) rather than a request header, so the websocket adapter calls
// BuildURL once per call instead of Headers.
package xunfei

import (
	"encoding/json"
	"net/http"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	converters.Register("xunfei", New)
}

// domainsByVersion maps the configured api_version to Xunfei's "domain" request field.
var domainsByVersion = map[string]string{
	"v1.1": "general",
	"v2.1": "generalv2",
	"v3.1": "generalv3",
	"v3.5": "generalv3.5",
	"v4.0": "4.0Ultra",
}

// pathsByVersion maps the configured api_version to the WebSocket path segment.
var pathsByVersion = map[string]string{
	"v1.1": "/v1.1/chat",
	"v2.1": "/v2.1/chat",
	"v3.1": "/v3.1/chat",
	"v3.5": "/v3.5/chat",
	"v4.0": "/v4.0/chat",
}

// Converter implements the Spark chat translation and the WebSocket auth-URL builder.
type Converter struct {
	appID     string
	apiKey    string
	apiSecret string
	domain    string
	path      string
	maxTokens int
}

// New builds a Xunfei Converter from a binding. Credentials are parsed as
// "app_id|api_key|api_secret"; api_version selects the domain and path (default v3.5).
func New(b config.Binding) (converters.Converter, error) {
	parts := splitCreds(b.APIKey)
	if len(parts) != 3 {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "xunfei api_key must be of the form app_id|api_key|api_secret"}
	}
	version := b.ConfigString("api_version")
	if version == "" {
		version = "v3.5"
	}
	domain, ok := domainsByVersion[version]
	if explicit := b.ConfigString("domain"); explicit != "" {
		domain, ok = explicit, true
	}
	if !ok {
		return nil, &gatewayerrors.ValidationError{Field: "config.api_version", Message: "unsupported xunfei api_version: " + version}
	}
	path := pathsByVersion[version]

	maxTokens := 2048
	return &Converter{
		appID:     parts[0],
		apiKey:    parts[1],
		apiSecret: parts[2],
		domain:    domain,
		path:      path,
		maxTokens: maxTokens,
	}, nil
}

func splitCreds(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// Path returns the WebSocket path segment for this converter's api_version, used by BuildURL.
func (c *Converter) Path() string { return c.path }

type sparkHeader struct {
	AppID string `json:"app_id"`
}

type sparkChatParams struct {
	Domain      string   `json:"domain"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type sparkParameter struct {
	Chat sparkChatParams `json:"chat"`
}

type sparkMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sparkPayloadMessage struct {
	Text []sparkMessage `json:"text"`
}

type sparkPayload struct {
	Message sparkPayloadMessage `json:"message"`
}

type sparkRequest struct {
	Header    sparkHeader    `json:"header"`
	Parameter sparkParameter `json:"parameter"`
	Payload   sparkPayload   `json:"payload"`
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	maxTokens := c.maxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	var text []sparkMessage
	for _, m := range req.Messages {
		text = append(text, sparkMessage{Role: m.Role, Content: wire.FlattenContent(m.Content)})
	}

	out := sparkRequest{
		Header: sparkHeader{AppID: c.appID},
		Parameter: sparkParameter{Chat: sparkChatParams{
			Domain:      c.domain,
			Temperature: req.Temperature,
			MaxTokens:   maxTokens,
		}},
		Payload: sparkPayload{Message: sparkPayloadMessage{Text: text}},
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling xunfei request", Cause: err}
	}
	return body, "", nil
}

type sparkResponseHeader struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type sparkChoiceText struct {
	Content string `json:"content"`
}

type sparkChoices struct {
	Status int               `json:"status"`
	Text   []sparkChoiceText `json:"text"`
}

type sparkUsageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type sparkPayloadResponse struct {
	Choices sparkChoices     `json:"choices"`
	Usage   *sparkUsageBlock `json:"usage,omitempty"`
}

type sparkResponse struct {
	Header  sparkResponseHeader  `json:"header"`
	Payload sparkPayloadResponse `json:"payload"`
}

// ConvertResponse turns a single Spark frame into a unary response. The websocket adapter does
// not call it: its Chat assembles the reply from the frames it reads through ConvertStreamChunk.
func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	chunk, err := c.ConvertStreamChunk(raw)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return wire.NewChatResponse("", "", 0), nil
	}
	out := wire.NewChatResponse(chunk.ID, chunk.Model, chunk.Created)
	for _, ch := range chunk.Choices {
		out.Choices = append(out.Choices, wire.Choice{Index: ch.Index, Message: ch.Delta, FinishReason: ch.FinishReason})
	}
	out.Usage = chunk.Usage
	return out, nil
}

func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	var resp sparkResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "xunfei", Message: "malformed frame: " + err.Error()}
	}
	if resp.Header.Code != 0 {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "xunfei", Message: resp.Header.Message}
	}

	var content string
	for _, t := range resp.Payload.Choices.Text {
		content += t.Content
	}
	if content == "" && resp.Payload.Choices.Status != 2 {
		return nil, nil
	}

	chunk := wire.NewStreamChunk("", "", 0)
	chunk.Choices = []wire.StreamChoice{{
		Delta:        &wire.Message{Role: wire.RoleAssistant, Content: content},
		FinishReason: wire.NormalizeStatus(resp.Payload.Choices.Status),
	}}
	if resp.Payload.Usage != nil {
		chunk.Usage = &wire.Usage{
			PromptTokens:     resp.Payload.Usage.PromptTokens,
			CompletionTokens: resp.Payload.Usage.CompletionTokens,
			TotalTokens:      resp.Payload.Usage.TotalTokens,
		}
	}
	return chunk, nil
}

// Headers is unused by the websocket transport (authentication lives in the connection URL, see
// BuildURL); it returns an empty header set to satisfy the Converter interface.
func (c *Converter) Headers(body []byte) (http.Header, error) {
	return http.Header{}, nil
}
