package adapters

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaylabs/conduit/pkg/gatewayerrors"
)

// httpTransport is the shared HTTP transport base both openaicompat and customhttp embed:
// connection pooling via a shared *http.Client and a single-shot do — retries belong to the
// retry engine one layer up at the router, so the transport never loops internally.
type httpTransport struct {
	client *http.Client
	name   string
}

func newHTTPTransport(name string, timeout time.Duration) *httpTransport {
	return &httpTransport{
		name: name,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
			Timeout: timeout,
		},
	}
}

// do issues one request and classifies failures into the typed gatewayerrors kinds the retry
// engine and HTTP frontend understand. On a non-2xx status it reads the body (bounded) for the
// converter to interpret as a vendor error envelope where applicable.
func (t *httpTransport) do(ctx context.Context, method, url string, body []byte, headers http.Header) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, &gatewayerrors.InternalError{Message: "building upstream request", Cause: err}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, &gatewayerrors.TimeoutError{Adapter: t.name, Timeout: t.client.Timeout.String()}
		}
		return nil, nil, &gatewayerrors.UpstreamTransientError{Adapter: t.name, Message: err.Error(), Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return resp, nil, &gatewayerrors.UpstreamTransientError{Adapter: t.name, StatusCode: resp.StatusCode, Message: "reading response body", Cause: readErr}
		}
		return resp, data, nil
	}

	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data, classifyStatus(t.name, resp, data)
}

// doStream issues a request and returns the still-open body for streaming, without buffering it
// into memory. Non-2xx responses are read fully and classified, matching do's error shape.
func (t *httpTransport) doStream(ctx context.Context, method, url string, body []byte, headers http.Header) (io.ReadCloser, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &gatewayerrors.InternalError{Message: "building upstream request", Cause: err}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &gatewayerrors.TimeoutError{Adapter: t.name, Timeout: t.client.Timeout.String()}
		}
		return nil, &gatewayerrors.UpstreamTransientError{Adapter: t.name, Message: err.Error(), Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}

	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return nil, classifyStatus(t.name, resp, data)
}

func classifyStatus(name string, resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &gatewayerrors.AuthError{Adapter: name, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &gatewayerrors.RateLimitError{Adapter: name, RetryAfter: retryAfter, Message: msg}
	case resp.StatusCode == http.StatusNotFound:
		return &gatewayerrors.UpstreamProtocolError{Adapter: name, Code: "404", Message: msg}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == 422:
		return &gatewayerrors.UpstreamProtocolError{Adapter: name, Code: strconv.Itoa(resp.StatusCode), Message: msg}
	case resp.StatusCode >= 500:
		return &gatewayerrors.UpstreamTransientError{Adapter: name, StatusCode: resp.StatusCode, Message: msg}
	default:
		return &gatewayerrors.UpstreamProtocolError{Adapter: name, Code: strconv.Itoa(resp.StatusCode), Message: msg}
	}
}

// sseFrames scans an SSE body line-by-line, yielding the payload of each "data: " line to fn.
// Empty lines and non-data lines (comments, event: headers) are skipped. Returns when fn returns
// false (terminal chunk signalled), the body hits EOF, or an error occurs.
func sseFrames(body io.ReadCloser, fn func(data string) (keepGoing bool, err error)) error {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		keepGoing, err := fn(data)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return scanner.Err()
}

func headerFromMap(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func joinURL(base, endpoint, suffix string) string {
	url := strings.TrimRight(base, "/")
	if endpoint != "" {
		url += "/" + strings.TrimLeft(endpoint, "/")
	}
	// A query-string suffix joins with & when the endpoint already carries a query.
	if strings.HasPrefix(suffix, "?") && strings.Contains(url, "?") {
		suffix = "&" + suffix[1:]
	}
	return url + suffix
}
