package httpapi

import (
	"net/http/httptest"
	"strings"
	"testing"

	"relaylabs/conduit/pkg/gatewayerrors"
)

func TestSanitizeErrorRedactsKeyMentions(t *testing.T) {
	cases := []string{
		"invalid api_key provided",
		"Invalid API_KEY provided",
		"the API key is wrong",
		"bad KEY material",
	}
	for _, msg := range cases {
		if got := SanitizeError(msg); got != "API configuration error" {
			t.Errorf("SanitizeError(%q) = %q, want generic message", msg, got)
		}
	}
}

func TestSanitizeErrorTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := SanitizeError(long)
	if len(got) != maxErrorMessageLen+3 {
		t.Fatalf("expected %d chars, got %d", maxErrorMessageLen+3, len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ... suffix, got %q", got[len(got)-10:])
	}
}

func TestSanitizeErrorPassesShortCleanMessages(t *testing.T) {
	if got := SanitizeError("upstream returned 502"); got != "upstream returned 502" {
		t.Fatalf("clean message should pass through, got %q", got)
	}
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&gatewayerrors.ModelNotFoundError{Model: "x"}, 404},
		{&gatewayerrors.InvalidRequestError{Message: "bad"}, 400},
		{&gatewayerrors.TimeoutError{Adapter: "x", Timeout: "60s"}, 504},
		{&gatewayerrors.AuthError{Adapter: "x", Message: "denied"}, 500},
		{&gatewayerrors.UpstreamProtocolError{Adapter: "x", Message: "bad envelope"}, 500},
		{&gatewayerrors.InternalError{Message: "boom"}, 500},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%T) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestWriteErrorNeverLeaksInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &gatewayerrors.InternalError{Message: "nil pointer in converter"})
	body := rec.Body.String()
	if strings.Contains(body, "nil pointer") {
		t.Fatalf("internal detail leaked to client: %s", body)
	}
	if !strings.Contains(body, "Internal server error") {
		t.Fatalf("expected generic message, got %s", body)
	}
}
