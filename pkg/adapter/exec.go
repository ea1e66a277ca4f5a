package adapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

const stderrTailBytes = 2048

// LookupBinary resolves a tool binary on PATH. Adapters call this from
// Validate so a missing binary is reported before any process is launched.
func LookupBinary(toolID, binary string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return NewToolMissing(toolID, "binary not found on PATH: "+binary)
	}
	return nil
}

// CommandHash fingerprints an argument vector for diagnostics without
// recording the full command line.
func CommandHash(argv []string) string {
	h := sha256.Sum256([]byte(strings.Join(argv, "\x00")))
	return hex.EncodeToString(h[:])[:16]
}

// RunCommand executes a tool binary under the execution context's envelope
// and maps the outcome onto the error taxonomy. Stdout is the native
// payload; stderr is retained as a bounded tail for diagnostics.
//
// On deadline breach the process receives SIGTERM, then SIGKILL after the
// grace period; whatever stdout was produced is returned as the Timeout
// error's partial payload.
func RunCommand(ctx context.Context, toolID string, argv []string, execCtx ExecContext) (RawOutput, error) {
	if len(argv) == 0 {
		return RawOutput{}, NewInvalidInput(toolID, "command", "empty argument vector")
	}
	if err := LookupBinary(toolID, argv[0]); err != nil {
		return RawOutput{}, err
	}

	grace := execCtx.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if execCtx.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = execCtx.WorkDir
	cmd.Env = commandEnv(execCtx)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Gentle terminate on cancellation; hard kill after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	diagnostics := diagnosticsFor(argv, cmd, stderr.Bytes(), duration)

	slog.Debug("tool command finished",
		"tool", toolID,
		"command_hash", diagnostics.CommandHash,
		"duration", duration,
		"err", err)

	if err != nil {
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			return RawOutput{Diagnostics: diagnostics}, NewTimeout(toolID, stdout.Bytes())
		case ctx.Err() == context.Canceled:
			return RawOutput{Diagnostics: diagnostics}, NewCanceled(toolID)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return RawOutput{Payload: stdout.Bytes(), Diagnostics: diagnostics},
				NewExecutionFailed(toolID, exitErr.ExitCode(), tail(stderr.Bytes()))
		}
		return RawOutput{Diagnostics: diagnostics},
			&Error{Kind: KindExecutionFailed, ToolID: toolID, ExitCode: -1, Message: err.Error(), Err: err}
	}

	return RawOutput{Payload: stdout.Bytes(), Diagnostics: diagnostics}, nil
}

func diagnosticsFor(argv []string, cmd *exec.Cmd, stderr []byte, duration time.Duration) schema.Diagnostics {
	d := schema.Diagnostics{
		CommandHash: CommandHash(argv),
		DurationSec: duration.Seconds(),
		StderrTail:  tail(stderr),
	}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		d.ExitCode = &code
	}
	return d
}

func commandEnv(execCtx ExecContext) []string {
	env := os.Environ()
	if !execCtx.NetworkAllowed {
		// Tools that honor proxy conventions are pointed at a black hole;
		// adapters additionally pass their own offline flags.
		env = append(env,
			"HTTP_PROXY=http://127.0.0.1:1",
			"HTTPS_PROXY=http://127.0.0.1:1",
			"NO_PROXY=")
	}
	return env
}

func tail(b []byte) string {
	if len(b) > stderrTailBytes {
		b = b[len(b)-stderrTailBytes:]
	}
	return strings.TrimSpace(string(b))
}
