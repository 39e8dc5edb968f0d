package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/CZERTAINLY/Deck/internal/log"
)

// Trailers are appended to a Sink once the command terminates. Consumers of
// the log stream detect the terminal state by scanning for them, so the text
// is part of the external contract.
const (
	TrailerSuccess   = "\nSuccess!\n"
	TrailerCancelled = "\nCancelled!\n"
	TrailerFailed    = "\nFailed!\n"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	MaxPollInterval     = time.Second

	// waitDelay bounds how long Wait keeps copying output after the child
	// exited, in case a detached grandchild still holds the pipe.
	waitDelay = 2 * time.Second
)

// Executor runs one external command to completion, capturing its output
// into the Run's Sink.
type Executor struct {
	// PollInterval is how often the cancel flag is checked, clamped to
	// MaxPollInterval. Zero means DefaultPollInterval.
	PollInterval time.Duration
	// Env is appended to the environment of the current process.
	Env []string
	// Dir is the working directory of the command, empty means current.
	Dir string
}

func (e Executor) pollInterval() time.Duration {
	switch {
	case e.PollInterval <= 0:
		return DefaultPollInterval
	case e.PollInterval > MaxPollInterval:
		return MaxPollInterval
	default:
		return e.PollInterval
	}
}

// Execute runs r and never returns an error: launch failures, non-zero exits
// and cancellations are written as a trailer to the sink and reported in the
// Outcome. Cancellation is requested via Run.Stop or ctx.
func (e Executor) Execute(ctx context.Context, r *Run) Outcome {
	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", r.ID()),
		slog.String("command", r.Command()),
	)
	o := e.execute(ctx, r)
	if err := r.sink.Close(); err != nil {
		slog.WarnContext(ctx, "closing log file", "error", err)
	}
	slog.InfoContext(ctx, "command finished",
		slog.String("status", o.Status.String()),
		slog.Int("exit_code", o.ExitCode),
		slog.String("log", r.sink.Path()),
	)
	r.finish(o)
	return o
}

func (e Executor) execute(ctx context.Context, r *Run) Outcome {
	command := r.Command()
	if _, err := r.sink.WriteString("$ " + command + "\n"); err != nil {
		slog.ErrorContext(ctx, "writing command echo", "error", err)
	}

	if r.CancelRequested() || ctx.Err() != nil {
		return e.cancelled(ctx, r)
	}

	argv := r.Argv()
	if len(argv) == 0 {
		return e.failed(ctx, r, -1, "Command failed to start: empty command")
	}

	w := newStripWriter(r.sink)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Dir = e.Dir
	// the same writer for both, so os/exec copies them from one goroutine
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	slog.InfoContext(ctx, "running command", "log", r.sink.Path())
	if err := cmd.Start(); err != nil {
		return e.failed(ctx, r, -1, fmt.Sprintf("Command failed to start: %s: %v", command, err))
	}

	waitc := make(chan error, 1)
	go func() {
		waitc <- cmd.Wait()
	}()

	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case err := <-waitc:
			flush(ctx, w)
			return e.exited(ctx, r, cmd, err)
		case <-ticker.C:
			if !r.CancelRequested() && ctx.Err() == nil {
				continue
			}
			slog.InfoContext(ctx, "stopping command")
			if err := kill(cmd); err != nil {
				slog.WarnContext(ctx, "killing command", "error", err)
			}
			<-waitc
			flush(ctx, w)
			return e.cancelled(ctx, r)
		}
	}
}

func (e Executor) exited(ctx context.Context, r *Run, cmd *exec.Cmd, err error) Outcome {
	command := r.Command()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		e.trailer(ctx, r, "", TrailerSuccess)
		return Outcome{Status: StatusSuccess}
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
		code := exitErr.ExitCode()
		return e.failed(ctx, r, code, fmt.Sprintf("Command failed with status %d: %s", code, command))
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success():
		slog.WarnContext(ctx, "command exited but its output was still open", "error", err)
		e.trailer(ctx, r, "", TrailerSuccess)
		return Outcome{Status: StatusSuccess}
	default:
		if kerr := kill(cmd); kerr != nil {
			slog.DebugContext(ctx, "killing leftovers", "error", kerr)
		}
		return e.failed(ctx, r, -1, fmt.Sprintf("Command failed: %s: %v", command, err))
	}
}

func (e Executor) cancelled(ctx context.Context, r *Run) Outcome {
	e.trailer(ctx, r, "Stopping child command: "+r.Command(), TrailerCancelled)
	return Outcome{Status: StatusCancelled, ExitCode: -1, Reason: "cancelled"}
}

func (e Executor) failed(ctx context.Context, r *Run, code int, reason string) Outcome {
	e.trailer(ctx, r, reason, TrailerFailed)
	return Outcome{Status: StatusFailed, ExitCode: code, Reason: reason}
}

func (e Executor) trailer(ctx context.Context, r *Run, reason, marker string) {
	text := marker
	if reason != "" {
		text = "\n" + reason + marker
	}
	if _, err := r.sink.WriteString(text); err != nil {
		slog.ErrorContext(ctx, "writing trailer", "error", err)
	}
}

func flush(ctx context.Context, w *stripWriter) {
	if err := w.Flush(); err != nil {
		slog.WarnContext(ctx, "flushing command output", "error", err)
	}
}
