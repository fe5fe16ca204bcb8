package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"relaylabs/conduit/pkg/adapters"
	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/httpapi/middleware"
	"relaylabs/conduit/pkg/wire"
)

const (
	// routeCeiling is the hard wall-clock ceiling on a unary router call, regardless of the
	// binding's own timeout.
	routeCeiling = 5 * time.Minute

	// interFrameTimeout is how long the SSE pump waits for the next upstream frame before
	// emitting a heartbeat comment to keep the client connection warm.
	interFrameTimeout = 30 * time.Second

	// maxStreamIterations bounds the SSE pump loop as a runaway guard; no legitimate stream
	// approaches this many frames+heartbeats.
	maxStreamIterations = 10000
)

// Dispatcher resolves and invokes adapters on behalf of the chat endpoint.
type Dispatcher interface {
	Route(ctx context.Context, modelID string, req *wire.ChatRequest) (*wire.ChatResponse, error)
	ResolveStream(modelID string) (adapters.Adapter, config.Binding, error)
}

// handleChatCompletions serves POST /v1/chat/completions, both unary and SSE.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed", errTypeInvalidRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, &gatewayerrors.InvalidRequestError{Message: "Failed to read request body"})
		return
	}

	var req wire.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, &gatewayerrors.InvalidRequestError{Message: "Invalid JSON in request body"})
		return
	}
	if req.Model == "" {
		writeError(w, &gatewayerrors.InvalidRequestError{Message: "Missing 'model' field"})
		return
	}

	if req.Stream {
		s.handleStream(w, r, &req)
		return
	}
	s.handleUnary(w, r, &req)
}

func (s *Server) handleUnary(w http.ResponseWriter, r *http.Request, req *wire.ChatRequest) {
	ctx, cancel := context.WithTimeout(r.Context(), routeCeiling)
	defer cancel()

	start := time.Now()
	resp, err := s.dispatcher.Route(ctx, req.Model, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = &gatewayerrors.TimeoutError{Adapter: req.Model, Timeout: routeCeiling.String()}
		}
		s.logger.Warn("chat completion failed",
			"model", req.Model,
			"request_id", middleware.GetRequestID(r.Context()),
			"elapsed", time.Since(start),
			"error", err)
		writeError(w, err)
		return
	}

	s.logger.Info("chat completion",
		"model", req.Model,
		"request_id", middleware.GetRequestID(r.Context()),
		"elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

// setSSEHeaders writes the event-stream preamble headers.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sseWriter serialises frames onto one response. Every write failure is treated as the client
// having gone away; once gone, all further writes are no-ops.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	gone    bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) writeRaw(payload string) error {
	if s.gone {
		return &gatewayerrors.ClientGoneError{Message: "client disconnected"}
	}
	if _, err := fmt.Fprint(s.w, payload); err != nil {
		s.gone = true
		return &gatewayerrors.ClientGoneError{Message: err.Error()}
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeChunk(chunk *wire.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return &gatewayerrors.InternalError{Message: "marshaling stream chunk", Cause: err}
	}
	return s.writeRaw("data: " + string(data) + "\n\n")
}

func (s *sseWriter) writeHeartbeat() error { return s.writeRaw(": heartbeat\n\n") }
func (s *sseWriter) writeDone() error      { return s.writeRaw("data: [DONE]\n\n") }

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, req *wire.ChatRequest) {
	adapter, binding, err := s.dispatcher.ResolveStream(req.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	upstream := *req
	if binding.Model != "" {
		upstream.Model = binding.Model
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := adapter.ChatStream(ctx, &upstream)
	if err != nil {
		s.logger.Warn("opening stream failed",
			"model", req.Model,
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err)
		writeError(w, err)
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	sse := newSSEWriter(w)

	if s.metrics != nil {
		s.metrics.StreamStarted()
		defer s.metrics.StreamEnded()
	}

	requestID := middleware.GetRequestID(r.Context())
	heartbeat := time.NewTimer(interFrameTimeout)
	defer heartbeat.Stop()

	iterations := 0
pump:
	for iterations < maxStreamIterations {
		iterations++
		select {
		case ev, ok := <-events:
			if !ok {
				break pump
			}
			if ev.Err != nil {
				var gone *gatewayerrors.ClientGoneError
				if !errors.As(ev.Err, &gone) {
					s.logger.Warn("stream terminated by upstream error",
						"model", req.Model, "request_id", requestID, "error", ev.Err)
				}
				break pump
			}
			if err := sse.writeChunk(ev.Chunk); err != nil {
				s.logger.Info("client disconnected mid-stream",
					"model", req.Model, "request_id", requestID)
				cancel()
				return
			}
			if s.metrics != nil {
				s.metrics.ObserveChunk()
			}
			if terminalChunk(ev.Chunk) {
				break pump
			}
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(interFrameTimeout)

		case <-heartbeat.C:
			if err := sse.writeHeartbeat(); err != nil {
				s.logger.Info("client disconnected during heartbeat",
					"model", req.Model, "request_id", requestID)
				cancel()
				return
			}
			if s.metrics != nil {
				s.metrics.ObserveHeartbeat()
			}
			heartbeat.Reset(interFrameTimeout)

		case <-ctx.Done():
			break pump
		}
	}

	if err := sse.writeDone(); err != nil {
		s.logger.Info("client disconnected before [DONE]",
			"model", req.Model, "request_id", requestID)
	}
	slog.Debug("stream finished", "model", req.Model, "request_id", requestID, "frames", iterations)
}

// terminalChunk reports whether any choice in the chunk carries a finish reason.
func terminalChunk(chunk *wire.StreamChunk) bool {
	for _, ch := range chunk.Choices {
		if ch.FinishReason != "" {
			return true
		}
	}
	return false
}
