package xunfei

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"relaylabs/conduit/pkg/config"
)

func sparkConverter(t *testing.T) *Converter {
	t.Helper()
	conv, err := New(config.Binding{
		APIKey: "app1|key1|secret1",
		Config: map[string]any{"api_version": "v3.5"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return conv.(*Converter)
}

func TestBuildURLIsDeterministicForAFrozenClock(t *testing.T) {
	conv := sparkConverter(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	u1, err := conv.BuildURL("spark-api.xf-yun.com", now)
	if err != nil {
		t.Fatal(err)
	}
	u2, err := conv.BuildURL("spark-api.xf-yun.com", now)
	if err != nil {
		t.Fatal(err)
	}
	if u1 != u2 {
		t.Fatal("BuildURL must be deterministic for a fixed clock")
	}
}

func TestBuildURLSignatureAndQuery(t *testing.T) {
	conv := sparkConverter(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	host := "spark-api.xf-yun.com"

	built, err := conv.BuildURL(host, now)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(built, "wss://"+host+"/v3.5/chat?") {
		t.Fatalf("unexpected URL prefix: %s", built)
	}

	parsed, err := url.Parse(built)
	if err != nil {
		t.Fatal(err)
	}
	q := parsed.Query()
	if q.Get("host") != host {
		t.Fatalf("expected host query param, got %q", q.Get("host"))
	}
	date := q.Get("date")
	if date == "" {
		t.Fatal("expected date query param")
	}

	authRaw, err := base64.StdEncoding.DecodeString(q.Get("authorization"))
	if err != nil {
		t.Fatalf("authorization param is not base64: %v", err)
	}
	auth := string(authRaw)
	if !strings.Contains(auth, `hmac username="key1"`) || !strings.Contains(auth, `algorithm="hmac-sha256"`) {
		t.Fatalf("unexpected auth header: %s", auth)
	}
	if !strings.Contains(auth, `headers="host date request-line"`) {
		t.Fatalf("auth header missing signed-headers list: %s", auth)
	}

	// Reproduce the signature independently from the documented sign string.
	signString := "host: " + host + "\ndate: " + date + "\nGET /v3.5/chat HTTP/1.1"
	mac := hmac.New(sha256.New, []byte("secret1"))
	mac.Write([]byte(signString))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !strings.Contains(auth, `signature="`+want+`"`) {
		t.Fatalf("signature mismatch:\nauth: %s\nwant: %s", auth, want)
	}
}

func TestDomainSelectionByVersion(t *testing.T) {
	cases := map[string]string{
		"v1.1": "general",
		"v2.1": "generalv2",
		"v3.1": "generalv3",
		"v3.5": "generalv3.5",
		"v4.0": "4.0Ultra",
	}
	for version, wantDomain := range cases {
		conv, err := New(config.Binding{
			APIKey: "a|k|s",
			Config: map[string]any{"api_version": version},
		})
		if err != nil {
			t.Fatalf("New(%s): %v", version, err)
		}
		if got := conv.(*Converter).domain; got != wantDomain {
			t.Errorf("version %s: domain = %q, want %q", version, got, wantDomain)
		}
	}
}

func TestExplicitDomainOverrideDoesNotLeak(t *testing.T) {
	conv1, err := New(config.Binding{
		APIKey: "a|k|s",
		Config: map[string]any{"api_version": "v3.5", "domain": "custom-domain"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := conv1.(*Converter).domain; got != "custom-domain" {
		t.Fatalf("expected explicit domain override, got %q", got)
	}

	conv2, err := New(config.Binding{
		APIKey: "a|k|s",
		Config: map[string]any{"api_version": "v3.5"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := conv2.(*Converter).domain; got != "generalv3.5" {
		t.Fatalf("explicit override leaked into a later converter: %q", got)
	}
}
