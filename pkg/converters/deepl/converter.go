// Package deepl repurposes the chat-completions surface for translation. The upstream
// model name encodes the target language ("deepl-<LANG>"); only the last user message's text is
// translated. The wire format is form-encoded, not JSON: ConvertRequest returns the encoded form
// as the body and Headers sets Content-Type to application/x-www-form-urlencoded.
package deepl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/converters"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	converters.Register("deepl", New)
}

// Converter implements the DeepL translation shim.
type Converter struct {
	apiKey string
	lang   string
	model  string
}

// aliasLangs maps DeepL's legacy two-letter codes to the regional variant it now requires.
var aliasLangs = map[string]string{
	"EN": "EN-US",
}

// New builds a DeepL Converter from a binding. The target language is parsed from the
// upstream model name's "deepl-<LANG>" pattern, upper-cased.
func New(b config.Binding) (converters.Converter, error) {
	if b.APIKey == "" {
		return nil, &gatewayerrors.ValidationError{Field: "api_key", Message: "deepl requires api_key"}
	}
	lang := strings.ToUpper(strings.TrimPrefix(b.Model, "deepl-"))
	if alias, ok := aliasLangs[lang]; ok {
		lang = alias
	}
	if lang == "" {
		return nil, &gatewayerrors.ValidationError{Field: "model", Message: "deepl model must be of the form deepl-<LANG>"}
	}
	return &Converter{apiKey: b.APIKey, lang: lang, model: b.Model}, nil
}

func lastUserText(messages []wire.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == wire.RoleUser {
			return wire.FlattenContent(messages[i].Content)
		}
	}
	if len(messages) == 0 {
		return ""
	}
	return wire.FlattenContent(messages[len(messages)-1].Content)
}

func (c *Converter) ConvertRequest(req *wire.ChatRequest) ([]byte, string, error) {
	text := lastUserText(req.Messages)
	form := url.Values{}
	form.Set("target_lang", c.lang)
	form.Add("text", text)
	return []byte(form.Encode()), "", nil
}

type deeplTranslation struct {
	DetectedSourceLanguage string `json:"detected_source_language"`
	Text                   string `json:"text"`
}

type deeplResponse struct {
	Translations []deeplTranslation `json:"translations"`
	Message      string             `json:"message"`
}

func (c *Converter) ConvertResponse(raw []byte) (*wire.ChatResponse, error) {
	var resp deeplResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "deepl", Message: "malformed response: " + err.Error()}
	}
	if len(resp.Translations) == 0 {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "deepl", Message: fmt.Sprintf("no translations in response: %s", resp.Message)}
	}

	out := wire.NewChatResponse("", c.model, 0)
	out.Choices = []wire.Choice{{
		Message:      &wire.Message{Role: wire.RoleAssistant, Content: resp.Translations[0].Text},
		FinishReason: wire.FinishStop,
	}}
	return out, nil
}

// ConvertStreamChunk returns an UpstreamProtocolError for every frame: DeepL has no streaming
// mode.
func (c *Converter) ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error) {
	return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "deepl", Message: "deepl does not support streaming"}
}

func (c *Converter) Headers(body []byte) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("Authorization", "DeepL-Auth-Key "+c.apiKey)
	return h, nil
}
