package run

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
)

var (
	ErrNotInitialized = errors.New("no command has been run yet")
	ErrPoolClosed     = errors.New("pool is closed, cannot start new command")
	ErrCancelled      = errors.New("command cancelled")
)

// CommandError is returned by Outcome.Err for a command which failed to
// start or exited with a non-zero status.
type CommandError struct {
	Command  string
	ExitCode int
	Reason   string
}

func (e *CommandError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("command failed with status %d: %s", e.ExitCode, e.Command)
	}
	return "command failed: " + e.Command + ": " + e.Reason
}

type Status int

const (
	StatusSuccess Status = iota
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of a Run. ExitCode is -1 when the process
// was never started or was killed.
type Outcome struct {
	Status   Status
	ExitCode int
	Reason   string
}

// Err converts the outcome into an error for the callers interested in one.
func (o Outcome) Err(command string) error {
	switch o.Status {
	case StatusSuccess:
		return nil
	case StatusCancelled:
		return ErrCancelled
	default:
		return &CommandError{Command: command, ExitCode: o.ExitCode, Reason: o.Reason}
	}
}

// Run is a single invocation of an external command plus its captured output.
// It is created by the Pool and executed exactly once.
type Run struct {
	id      string
	args    []string
	program string
	sink    *Sink
	started time.Time

	cancel  atomic.Bool
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newRun(program string, args []string, logDir string) (*Run, error) {
	id := uuid.NewString()
	sink, err := NewSink(logDir, id)
	if err != nil {
		return nil, err
	}
	r := &Run{
		id:      id,
		args:    append([]string(nil), args...),
		program: program,
		sink:    sink,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	return r, nil
}

func (r *Run) ID() string { return r.id }

// Arguments returns a copy of the argument vector.
func (r *Run) Arguments() []string {
	return append([]string(nil), r.args...)
}

// Argv is the full vector handed to the operating system: the program
// prefix, if any, followed by the arguments.
func (r *Run) Argv() []string {
	if r.program == "" {
		return r.Arguments()
	}
	return append([]string{r.program}, r.args...)
}

// Command is the human readable, shell quoted command line.
func (r *Run) Command() string {
	return shellquote.Join(r.Argv()...)
}

func (r *Run) Sink() *Sink { return r.sink }

func (r *Run) Started() time.Time { return r.started }

// Stop requests cancellation. It does not wait, see Pool.Stop for that.
func (r *Run) Stop() {
	r.cancel.Store(true)
}

func (r *Run) CancelRequested() bool {
	return r.cancel.Load()
}

// Done is closed once the command has terminated and its trailer was written.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Alive reports whether the command has not finished yet.
func (r *Run) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Outcome is valid only after Done is closed.
func (r *Run) Outcome() Outcome {
	<-r.done
	return r.outcome
}

func (r *Run) finish(o Outcome) {
	r.once.Do(func() {
		r.outcome = o
		close(r.done)
	})
}
