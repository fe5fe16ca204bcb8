package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/gatewayerrors"
	"relaylabs/conduit/pkg/wire"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestProcessChatPlainText(t *testing.T) {
	skipWithoutShell(t)
	adapter, err := New(config.Binding{
		ID: "p", Adapter: "process",
		Config: map[string]any{
			"command": "sh",
			"args":    []any{"-c", "cat >/dev/null; printf 'hello from child'"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := adapter.Chat(context.Background(), &wire.ChatRequest{
		Model:    "p",
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "hello from child" {
		t.Fatalf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != wire.FinishStop {
		t.Fatalf("unexpected finish reason %q", resp.Choices[0].FinishReason)
	}
}

func TestProcessChatJSONContentOutput(t *testing.T) {
	skipWithoutShell(t)
	adapter, err := New(config.Binding{
		ID: "p", Adapter: "process",
		Config: map[string]any{
			"command":       "sh",
			"args":          []any{"-c", `cat >/dev/null; printf '{"content": "structured reply"}'`},
			"output_format": "json",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := adapter.Chat(context.Background(), &wire.ChatRequest{
		Model:    "p",
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "structured reply" {
		t.Fatalf("unexpected content %q", resp.Choices[0].Message.Content)
	}
}

func TestProcessPromptInputFormat(t *testing.T) {
	skipWithoutShell(t)
	// The child echoes stdin back so the test observes the rendered transcript.
	adapter, err := New(config.Binding{
		ID: "p", Adapter: "process",
		Config: map[string]any{
			"command":      "cat",
			"input_format": "prompt",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := adapter.Chat(context.Background(), &wire.ChatRequest{
		Model: "p",
		Messages: []wire.Message{
			{Role: wire.RoleSystem, Content: "be terse"},
			{Role: wire.RoleUser, Content: "hi"},
			{Role: wire.RoleAssistant, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "System: be terse\nUser: hi\nAssistant: hello"
	if resp.Choices[0].Message.Content != want {
		t.Fatalf("transcript rendering mismatch:\ngot:  %q\nwant: %q", resp.Choices[0].Message.Content, want)
	}
}

func TestProcessTimeoutKillsChild(t *testing.T) {
	skipWithoutShell(t)
	adapter, err := New(config.Binding{
		ID: "p", Adapter: "process", Timeout: 0.1,
		Config: map[string]any{
			"command": "sh",
			"args":    []any{"-c", "sleep 30"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, chatErr := adapter.Chat(context.Background(), &wire.ChatRequest{
		Model:    "p",
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	var timeout *gatewayerrors.TimeoutError
	if !errors.As(chatErr, &timeout) {
		t.Fatalf("expected TimeoutError, got %T (%v)", chatErr, chatErr)
	}
}

func TestProcessTimeoutSendsTermBeforeKill(t *testing.T) {
	skipWithoutShell(t)
	marker := filepath.Join(t.TempDir(), "saw-term")
	// The trap only fires if the child receives SIGTERM (a straight SIGKILL leaves no
	// marker). sleep runs in the background so the shell can handle the signal promptly.
	script := fmt.Sprintf(
		`trap 'kill $! 2>/dev/null; echo graceful > %s; exit 0' TERM; cat >/dev/null; sleep 30 & wait $!`,
		marker)
	adapter, err := New(config.Binding{
		ID: "p", Adapter: "process", Timeout: 0.2,
		Config: map[string]any{
			"command": "sh",
			"args":    []any{"-c", script},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, chatErr := adapter.Chat(context.Background(), &wire.ChatRequest{
		Model:    "p",
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	var timeout *gatewayerrors.TimeoutError
	if !errors.As(chatErr, &timeout) {
		t.Fatalf("expected TimeoutError, got %T (%v)", chatErr, chatErr)
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("child never saw SIGTERM (marker missing): %v", err)
	}
	if strings.TrimSpace(string(data)) != "graceful" {
		t.Fatalf("unexpected marker content %q", data)
	}
}

func TestProcessTimeoutHardKillsStubbornChild(t *testing.T) {
	skipWithoutShell(t)
	// A child that ignores SIGTERM must still die once the grace period elapses.
	adapter, err := New(config.Binding{
		ID: "p", Adapter: "process", Timeout: 0.1,
		Config: map[string]any{
			"command": "sh",
			"args":    []any{"-c", `trap '' TERM; cat >/dev/null; sleep 30 & wait $!`},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, chatErr := adapter.Chat(context.Background(), &wire.ChatRequest{
		Model:    "p",
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	var timeout *gatewayerrors.TimeoutError
	if !errors.As(chatErr, &timeout) {
		t.Fatalf("expected TimeoutError, got %T (%v)", chatErr, chatErr)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("hard kill took too long: %v", elapsed)
	}
}

func TestProcessStreamEmitsSingleTerminalChunk(t *testing.T) {
	skipWithoutShell(t)
	adapter, err := New(config.Binding{
		ID: "p", Adapter: "process",
		Config: map[string]any{
			"command": "sh",
			"args":    []any{"-c", "cat >/dev/null; printf 'whole output'"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := adapter.ChatStream(context.Background(), &wire.ChatRequest{
		Model:    "p",
		Messages: []wire.Message{{Role: wire.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var count int
	var terminal bool
	for ev := range events {
		if ev.Err != nil {
			t.Fatal(ev.Err)
		}
		count++
		for _, ch := range ev.Chunk.Choices {
			if ch.FinishReason != "" {
				terminal = true
			}
		}
	}
	if count != 1 || !terminal {
		t.Fatalf("expected one terminal chunk, got %d chunks (terminal=%v)", count, terminal)
	}
}

func TestProcessRequiresCommand(t *testing.T) {
	if _, err := New(config.Binding{ID: "p", Adapter: "process"}); err == nil {
		t.Fatal("expected error when no command configured")
	}
}
