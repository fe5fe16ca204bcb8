// Package zhipu translates canonical chat requests to and from Zhipu AI's wire format,
// including the HS256 JWT it requires for authentication.
package zhipu

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	converters.Register("zhipu", New)
}

// Converter implements the Zhipu chat wire translation. Credentials are parsed as "id.secret".
type Converter struct {
	id            string
	secret        string
	upstreamModel string

	mu        sync.Mutex
	cachedJWT string
	expiresAt time.Time
}

// New builds a Zhipu Converter from a binding. The api_key field is expected in "id.secret"
// form.
func New(b config.Binding) (converters.Converter, error) {
	id, secret, ok := strings.Cut(b.APIKey, ".")
	if !ok {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "zhipu api_key must be of the form id.secret"}
	}
	return &Converter{id: id, secret: secret, upstreamModel: b.Model}, nil
}

// zhipuClaims mirrors the non-standard header/claims shape the vendor's current API expects.
// sign_type:SIGN is a documented vendor quirk, not a bug to silently "fix".
type zhipuClaims struct {
	APIKey    string `json:"api_key"`
	Timestamp int64  `json:"timestamp"`
	jwt.RegisteredClaims
}

// token returns a cached JWT, refreshing it 1h before its 24h expiry.
func (c *Converter) token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cachedJWT != "" && time.Now().Before(c.expiresAt) {
		return c.cachedJWT, nil
	}

	now := time.Now()
	exp := now.Add(24 * time.Hour)
	claims := zhipuClaims{
		APIKey:    c.id,
		Timestamp: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["sign_type"] = "SIGN"

	signed, err := token.SignedString([]byte(c.secret))
	if err != nil {
		return "", &gatewayerrors.AuthError{Adapter: "zhipu", Message: "signing jwt: " + err.Error()}
	}

	c.cachedJWT = signed
	c.expiresAt = exp.Add(-1 * time.Hour)
	return signed, nil
}

type zhipuPromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type zhipuRequest struct {
	Prompt      []zhipuPromptMessage `json:"prompt"`
	Incremental bool                 `json:"incremental"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	var prompt []zhipuPromptMessage
	for _, m := range req.Messages {
		prompt = append(prompt, zhipuPromptMessage{Role: m.Role, Content: wire.FlattenContent(m.Content)})
	}
	out := zhipuRequest{
		Prompt:      prompt,
		Incremental: false,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling zhipu request", Cause: err}
	}
	return body, "", nil
}

type zhipuChoice struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type zhipuUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type zhipuData struct {
	TaskID  string        `json:"task_id"`
	Choices []zhipuChoice `json:"choices"`
	Usage   zhipuUsage    `json:"usage"`
}

type zhipuResponse struct {
	Success bool      `json:"success"`
	Code    int       `json:"code"`
	Msg     string    `json:"msg"`
	Data    zhipuData `json:"data"`
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp zhipuResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "zhipu", Message: "malformed response: " + err.Error()}
	}
	if !resp.Success {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "zhipu", Code: strconv.Itoa(resp.Code), Message: resp.Msg}
	}
	var content string
	if len(resp.Data.Choices) > 0 {
		content = resp.Data.Choices[0].Content
	}
	out := wire.NewChatResponse(resp.Data.TaskID, c.upstreamModel, 0)
	out.Choices = []wire.Choice{{
		Index:        0,
		Message:      &wire.Message{Role: wire.RoleAssistant, Content: content},
		FinishReason: wire.FinishStop,
	}}
	out.Usage = &wire.Usage{
		PromptTokens:     resp.Data.Usage.PromptTokens,
		CompletionTokens: resp.Data.Usage.CompletionTokens,
		TotalTokens:      resp.Data.Usage.TotalTokens,
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
		chunk.Choices = append(chunk.Choices, wire.StreamChoice{
			Index:        ch.Index,
			Delta:        ch.Message,
			FinishReason: ch.FinishReason,
		})
	}
	return chunk, nil
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", token)
	return h, nil
}
