// Package converters defines the vendor protocol-translation contract and a registry of
// constructors keyed by the request_format string used in models.json. Each vendor sub-package
// registers its constructor via init(), so adding a vendor is one package plus a blank import.
package converters

import (
	"net/http"
	"time"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/wire"
)

// Converter translates between the canonical wire types and one vendor's HTTP wire format.
type Converter interface {
	// ConvertRequest builds the outbound request body and an optional URL suffix (e.g. Baidu's
	// "?access_token=..."). The body is sent as returned; converters whose body is not JSON
	// (DeepL's form-encoded body) set the matching Content-Type in Headers.
	ConvertRequest(req *wire.ChatRequest) (body []byte, urlSuffix string, err error)

	// ConvertResponse parses a complete upstream response body into the canonical shape. It
	// must return a *gatewayerrors.UpstreamProtocolError (or a more specific typed error) when
	// the body is a vendor error envelope rather than a successful completion.
	ConvertResponse(raw []byte) (*wire.ChatResponse, error)

	// ConvertStreamChunk parses one upstream stream frame. It returns (nil, nil) for frames
	// that carry no content worth forwarding (keepalives, empty deltas).
	ConvertStreamChunk(frame []byte) (*wire.StreamChunk, error)

	// Headers returns the headers required for this request, given the already-serialised
	// body (some vendors sign over the body).
	Headers(body []byte) (http.Header, error)
}

// URLBuilder is implemented by converters whose transport needs a fully-formed, per-call
// connection URL rather than a simple base_url+endpoint join — currently only Xunfei's
// HMAC-signed WebSocket URL. The websocket adapter type-asserts for this before falling back to
// a plain base_url join.
type URLBuilder interface {
	BuildURL(host string, now time.Time) (string, error)
}

// Factory builds a Converter from a binding's configuration.
type Factory func(b config.Binding) (Converter, error)

var registry = map[string]Factory{}

// Register adds a converter constructor under requestFormat. Called from each vendor
// sub-package's init().
func Register(requestFormat string, factory Factory) {
	registry[requestFormat] = factory
}

// New builds the converter registered for b.RequestFormat.
func New(b config.Binding) (Converter, error) {
	factory, ok := registry[b.RequestFormat]
	if !ok {
		return nil, &unknownFormatError{Format: b.RequestFormat}
	}
	return factory(b)
}

type unknownFormatError struct{ Format string }

func (e *unknownFormatError) Error() string {
	return "unknown request_format: " + e.Format
}
