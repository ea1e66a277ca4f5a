package adapter

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLookupBinary(t *testing.T) {
	if err := LookupBinary("test", "sh"); err != nil {
		t.Errorf("LookupBinary(sh) failed: %v", err)
	}

	err := LookupBinary("test", "definitely-not-a-real-scanner-binary")
	if err == nil {
		t.Fatal("expected missing binary to error")
	}
	if KindOf(err) != KindToolMissing {
		t.Errorf("KindOf() = %v, want ToolMissing", KindOf(err))
	}
}

func TestCommandHashStable(t *testing.T) {
	a := CommandHash([]string{"semgrep", "scan", "--json"})
	b := CommandHash([]string{"semgrep", "scan", "--json"})
	c := CommandHash([]string{"semgrep", "scan"})

	if a != b {
		t.Error("same argv produced different hashes")
	}
	if a == c {
		t.Error("different argv produced the same hash")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("success captures stdout", func(t *testing.T) {
		out, err := RunCommand(ctx, "test", []string{"sh", "-c", "echo hello"}, ExecContext{})
		if err != nil {
			t.Fatalf("RunCommand() failed: %v", err)
		}
		if strings.TrimSpace(string(out.Payload)) != "hello" {
			t.Errorf("payload = %q, want 'hello'", out.Payload)
		}
		if out.Diagnostics.CommandHash == "" {
			t.Error("expected command hash in diagnostics")
		}
		if out.Diagnostics.ExitCode == nil || *out.Diagnostics.ExitCode != 0 {
			t.Errorf("exit code = %v, want 0", out.Diagnostics.ExitCode)
		}
	})

	t.Run("nonzero exit maps to ExecutionFailed", func(t *testing.T) {
		out, err := RunCommand(ctx, "test", []string{"sh", "-c", "echo oops >&2; exit 3"}, ExecContext{})
		if err == nil {
			t.Fatal("expected error")
		}
		ae, ok := AsError(err)
		if !ok || ae.Kind != KindExecutionFailed {
			t.Fatalf("error = %v, want ExecutionFailed", err)
		}
		if ae.ExitCode != 3 {
			t.Errorf("exit code = %d, want 3", ae.ExitCode)
		}
		if !strings.Contains(ae.StderrTail, "oops") {
			t.Errorf("stderr tail = %q, want 'oops'", ae.StderrTail)
		}
		if out.Diagnostics.ExitCode == nil || *out.Diagnostics.ExitCode != 3 {
			t.Errorf("diagnostics exit code = %v, want 3", out.Diagnostics.ExitCode)
		}
	})

	t.Run("deadline breach maps to Timeout with partial output", func(t *testing.T) {
		execCtx := ExecContext{
			Timeout:     200 * time.Millisecond,
			GracePeriod: 100 * time.Millisecond,
		}
		_, err := RunCommand(ctx, "test", []string{"sh", "-c", "echo partial; sleep 5"}, execCtx)
		if err == nil {
			t.Fatal("expected timeout")
		}
		ae, ok := AsError(err)
		if !ok || ae.Kind != KindTimeout {
			t.Fatalf("error = %v, want Timeout", err)
		}
		if !strings.Contains(string(ae.Partial), "partial") {
			t.Errorf("partial = %q, want stdout produced before the deadline", ae.Partial)
		}
	})

	t.Run("canceled context maps to Canceled", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()
		_, err := RunCommand(cancelCtx, "test", []string{"sh", "-c", "sleep 5"},
			ExecContext{GracePeriod: 100 * time.Millisecond})
		if err == nil {
			t.Fatal("expected cancellation error")
		}
		if KindOf(err) != KindCanceled {
			t.Errorf("KindOf() = %v, want Canceled", KindOf(err))
		}
	})

	t.Run("missing binary never launches", func(t *testing.T) {
		_, err := RunCommand(ctx, "test", []string{"definitely-not-a-real-scanner-binary"}, ExecContext{})
		if KindOf(err) != KindToolMissing {
			t.Errorf("KindOf() = %v, want ToolMissing", KindOf(err))
		}
	})

	t.Run("empty argv is invalid input", func(t *testing.T) {
		_, err := RunCommand(ctx, "test", nil, ExecContext{})
		if KindOf(err) != KindInvalidInput {
			t.Errorf("KindOf() = %v, want InvalidInput", KindOf(err))
		}
	})
}
