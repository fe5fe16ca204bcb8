package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func init() {
	Register("process", newProcess)
}

// processAdapter spawns a configured command per call, writes the formatted request to its
// stdin, and reads stdout until EOF. There is no long-lived child: each Chat/ChatStream
// invocation owns its own process, torn down on exit.
type processAdapter struct {
	command       string
	args          []string
	env           []string
	inputFormat   string
	outputFormat  string
	upstreamModel string
	timeout       time.Duration
}

func newProcess(b config.Binding) (Adapter, error) {
	command := b.ConfigString("command")
	if command == "" {
		command = b.BaseURL // allow base_url to double as the command path for simple cases
	}
	if command == "" {
		return nil, &gatewayerrors.ValidationError{Field: "config.command", Message: "process adapter requires config.command"}
	}

	var args []string
	if raw, ok := b.Config["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	var env []string
	if raw, ok := b.Config["env"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				env = append(env, k+"="+s)
			}
		}
	}

	inputFormat := b.ConfigString("input_format")
	if inputFormat == "" {
		inputFormat = "json"
	}
	outputFormat := b.ConfigString("output_format")

	return &processAdapter{
		command:       command,
		args:          args,
		env:           env,
		inputFormat:   inputFormat,
		outputFormat:  outputFormat,
		upstreamModel: b.Model,
		timeout:       b.TimeoutDuration(),
	}, nil
}

func (a *processAdapter) IsAvailable() bool { return a.command != "" }
func (a *processAdapter) Close() error      { return nil }

// formatInput renders the request body that gets written to the child's stdin, per the
// configured input_format.
func (a *processAdapter) formatInput(req *wire.ChatRequest) ([]byte, error) {
	switch a.inputFormat {
	case "json":
		out := *req
		if a.upstreamModel != "" {
			out.Model = a.upstreamModel
		}
		return json.Marshal(&out)
	case "openai":
		return json.Marshal(struct {
			Messages []wire.Message `json:"messages"`
		}{Messages: req.Messages})
	case "prompt":
		var b strings.Builder
		for _, m := range req.Messages {
			text := wire.FlattenContent(m.Content)
			switch m.Role {
			case wire.RoleSystem:
				b.WriteString("System: " + text + "\n")
			case wire.RoleUser:
				b.WriteString("User: " + text + "\n")
			case wire.RoleAssistant:
				b.WriteString("Assistant: " + text + "\n")
			}
		}
		return []byte(b.String()), nil
	default:
		return []byte(lastUserText(req.Messages)), nil
	}
}

func lastUserText(messages []wire.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == wire.RoleUser {
			return wire.FlattenContent(messages[i].Content)
		}
	}
	return ""
}

// termGracePeriod is how long a timed-out child gets between SIGTERM and the hard kill.
const termGracePeriod = 2 * time.Second

// runOnce spawns the child, writes input to stdin, closes it to unblock writers expecting EOF,
// and returns stdout once the process exits or ctx is cancelled. On timeout the child first
// receives SIGTERM so it can exit cleanly; a child still alive after the grace period is
// hard-killed via WaitDelay.
func (a *processAdapter) runOnce(ctx context.Context, input []byte) ([]byte, error) {
	cctx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, a.command, a.args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGracePeriod
	if len(a.env) > 0 {
		cmd.Env = append(cmd.Environ(), a.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &gatewayerrors.InternalError{Message: "opening process stdin", Cause: err}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &gatewayerrors.InternalError{Message: "starting process", Cause: err}
	}

	if _, err := stdin.Write(input); err != nil {
		stdin.Close()
		_ = cmd.Wait()
		return nil, &gatewayerrors.InternalError{Message: "writing process stdin", Cause: err}
	}
	stdin.Close()

	err = cmd.Wait()
	if cctx.Err() != nil {
		return nil, &gatewayerrors.TimeoutError{Adapter: "process", Timeout: a.timeout.String()}
	}
	if err != nil {
		return nil, &gatewayerrors.UpstreamProtocolError{Adapter: "process", Message: strings.TrimSpace(stderr.String())}
	}

	return stdout.Bytes(), nil
}

// parseOutput interprets the child's stdout per output_format, recognising a full OpenAI shape,
// a bare {content} object, or plain text otherwise.
func (a *processAdapter) parseOutput(raw []byte) (*wire.ChatResponse, error) {
	text := strings.TrimSpace(string(raw))

	if a.outputFormat == "json" {
		var full wire.ChatResponse
		if err := json.Unmarshal(raw, &full); err == nil && len(full.Choices) > 0 {
			return &full, nil
		}
		var bare struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &bare); err == nil && bare.Content != "" {
			out := wire.NewChatResponse("", a.upstreamModel, 0)
			out.Choices = []wire.Choice{{Message: &wire.Message{Role: wire.RoleAssistant, Content: bare.Content}, FinishReason: wire.FinishStop}}
			return out, nil
		}
	}

	out := wire.NewChatResponse("", a.upstreamModel, 0)
	out.Choices = []wire.Choice{{Message: &wire.Message{Role: wire.RoleAssistant, Content: text}, FinishReason: wire.FinishStop}}
	return out, nil
}

func (a *processAdapter) Chat(ctx context.Context, req *wire.ChatRequest) (*wire.ChatResponse, error) {
	input, err := a.formatInput(req)
	if err != nil {
		return nil, &gatewayerrors.InternalError{Message: "formatting process input", Cause: err}
	}
	raw, err := a.runOnce(ctx, input)
	if err != nil {
		return nil, err
	}
	return a.parseOutput(raw)
}

// ChatStream has no incremental transport (stdin/stdout is a single request/response round
// trip): the adapter runs the process to completion and emits its entire output as one
// terminal chunk.
func (a *processAdapter) ChatStream(ctx context.Context, req *wire.ChatRequest) (<-chan StreamEvent, error) {
	resp, err := a.Chat(ctx, req)
	out := make(chan StreamEvent, 1)
	var once sync.Once
	send := func(ev StreamEvent) { once.Do(func() { out <- ev }) }
	go func() {
		defer close(out)
		if err != nil {
			send(StreamEvent{Err: err})
			return
		}
		chunk := wire.NewStreamChunk(resp.ID, resp.Model, resp.Created)
		chunk.Usage = resp.Usage
		for _, ch := range resp.Choices {
			chunk.Choices = append(chunk.Choices, wire.StreamChoice{Index: ch.Index, Delta: ch.Message, FinishReason: ch.FinishReason})
		}
		send(StreamEvent{Chunk: chunk})
	}()
	return out, nil
}
