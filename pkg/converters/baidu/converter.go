// Package baidu translates canonical chat requests to and from Baidu's ERNIE wire format,
// including the OAuth client-credentials token it must fetch and cache. The cached token is a
// golang.org/x/oauth2 Token; the expiry stored on it already subtracts a 1h safety margin, so
// Token.Valid() alone decides when to re-fetch.
package baidu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	converters.Register("baidu", New)
}

const tokenURL = "https://aip.baidubce.com/oauth/2.0/token"

// tokenFetcher is the network seam mocked in tests.
type tokenFetcher func(ctx context.Context, clientID, clientSecret string) (*oauth2.Token, error)

// Converter implements the Baidu ERNIE wire translation. Credentials are parsed as
// "client_id|client_secret".
type Converter struct {
	clientID     string
	clientSecret string

	fetch tokenFetcher

	mu    sync.Mutex
	token *oauth2.Token
}

// New builds a Baidu Converter from a binding. api_key is expected as "client_id|client_secret".
func New(b config.Binding) (converters.Converter, error) {
	clientID, clientSecret, ok := strings.Cut(b.APIKey, "|")
	if !ok {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "baidu api_key must be of the form client_id|client_secret"}
	}
	return &Converter{clientID: clientID, clientSecret: clientSecret, fetch: fetchToken}, nil
}

func fetchToken(ctx context.Context, clientID, clientSecret string) (*oauth2.Token, error) {
	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", clientID)
	q.Set("client_secret", clientSecret)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &gatewayerrors.InternalError{Message: "building baidu oauth request", Cause: err}
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, &gatewayerrors.UpstreamTransientError{Adapter: "baidu", Message: "oauth token fetch failed", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &gatewayerrors.UpstreamTransientError{Adapter: "baidu", Message: "reading oauth response", Cause: err}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "baidu", Message: "malformed oauth response: " + err.Error()}
	}
	if payload.Error != "" {
		return nil, &gatewayerrors.AuthError{Adapter: "baidu", Message: fmt.Sprintf("%s: %s", payload.Error, payload.ErrorDesc)}
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 30 * 24 * 60 * 60 // 30 days default when the endpoint omits expires_in
	}
	return &oauth2.Token{
		AccessToken: payload.AccessToken,
		Expiry:      time.Now().Add(time.Duration(expiresIn)*time.Second - time.Hour),
	}, nil
}

func (c *Converter) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && c.token.Valid() {
		return c.token.AccessToken, nil
	}

	token, err := c.fetch(ctx, c.clientID, c.clientSecret)
	if err != nil {
		return "", err
	}
	c.token = token
	return token.AccessToken, nil
}

type baiduRequest struct {
	Messages        []baiduMessage `json:"messages"`
	Stream          bool           `json:"stream"`
	System          string         `json:"system,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	PenaltyScore    *float64       `json:"penalty_score,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
}

type baiduMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	var systemParts []string
	var messages []baiduMessage
	for _, m := range req.Messages {
		text := wire.FlattenContent(m.Content)
		if m.Role == wire.RoleSystem {
			systemParts = append(systemParts, text)
			continue
		}
		messages = append(messages, baiduMessage{Role: m.Role, Content: text})
	}

	out := baiduRequest{
		Messages:        messages,
		Stream:          req.Stream,
		System:          strings.Join(systemParts, "\n"),
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		PenaltyScore:    req.FrequencyPenalty,
		MaxOutputTokens: req.MaxTokens,
		UserID:          req.User,
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, "", &gatewayerrors.InternalError{Message: "marshaling baidu request", Cause: err}
	}

	token, err := c.accessToken(context.Background())
	if err != nil {
		return nil, "", err
	}

	suffix := "?access_token=" + url.QueryEscape(token)
	return body, suffix, nil
}

type baiduResponse struct {
	Result       string          `json:"result"`
	ErrorCode    int             `json:"error_code"`
	ErrorMessage string          `json:"error_msg"`
	Usage        baiduUsageBlock `json:"usage"`
}

type baiduUsageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp baiduResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "baidu", Message: "malformed response: " + err.Error()}
	}
	if resp.ErrorCode != 0 {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "baidu", Code: fmt.Sprintf("%d", resp.ErrorCode), Message: resp.ErrorMessage}
	}
	out := wire.NewChatResponse("", "", 0)
	out.Choices = []wire.Choice{{
		Index:        0,
		Message:      &wire.Message{Role: wire.RoleAssistant, Content: resp.Result},
		FinishReason: wire.FinishStop,
	}}
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
		chunk.Choices = append(chunk.Choices, wire.StreamChoice{Index: ch.Index, Delta: ch.Message, FinishReason: ch.FinishReason})
	}
	return chunk, nil
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h, nil
}
