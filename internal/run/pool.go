package run

import (
	"context"
	"log/slog"
	"sync"
)

// Pool enforces that at most one Run is active in the process. Every start
// first stops the active Run and waits for its worker to exit. The most
// recently created Run stays reachable after it finished, so late observers
// can read its log and status.
type Pool struct {
	program  string
	logDir   string
	executor Executor

	// startMx serializes "stop current, install new"
	startMx sync.Mutex

	mx      sync.RWMutex
	current *Run
	closed  bool
}

type PoolConfig struct {
	// Program is prepended to every argument vector, e.g. "tutor". Empty
	// means the first argument is the executable.
	Program string
	// LogDir holds the per-run log files, empty means os.TempDir.
	LogDir   string
	Executor Executor
}

func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		program:  cfg.Program,
		logDir:   cfg.LogDir,
		executor: cfg.Executor,
	}
}

// RunSequential stops any active run and executes args on the calling
// goroutine. Command failures are not errors: they are written to the log
// and returned in the Outcome. The error is ErrPoolClosed or a failure to
// create the log file.
func (p *Pool) RunSequential(ctx context.Context, args []string) (Outcome, error) {
	r, err := p.install(args)
	if err != nil {
		return Outcome{}, err
	}
	o := p.executor.Execute(ctx, r)
	if o.Status != StatusSuccess {
		slog.WarnContext(ctx, "sequential command did not succeed",
			"run_id", r.ID(), "status", o.Status.String(), "reason", o.Reason)
	}
	return o, nil
}

// RunParallel stops any active run, starts args on a new goroutine and
// returns immediately. Run.Done signals completion.
// The worker is detached from ctx cancellation, use Stop or Close to end it.
func (p *Pool) RunParallel(ctx context.Context, args []string) (*Run, error) {
	p.startMx.Lock()
	defer p.startMx.Unlock()
	r, err := p.installLocked(args)
	if err != nil {
		return nil, err
	}
	wctx := context.WithoutCancel(ctx)
	go p.executor.Execute(wctx, r)
	return r, nil
}

func (p *Pool) install(args []string) (*Run, error) {
	p.startMx.Lock()
	defer p.startMx.Unlock()
	return p.installLocked(args)
}

func (p *Pool) installLocked(args []string) (*Run, error) {
	p.stopLocked()

	p.mx.RLock()
	closed := p.closed
	p.mx.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	r, err := newRun(p.program, args, p.logDir)
	if err != nil {
		return nil, err
	}

	p.mx.Lock()
	p.current = r
	p.mx.Unlock()
	return r, nil
}

// Stop cancels the active run and blocks until its worker exited. It is a
// no-op when nothing runs, so it is safe to call at any time.
func (p *Pool) Stop() {
	p.startMx.Lock()
	defer p.startMx.Unlock()
	p.stopLocked()
}

func (p *Pool) stopLocked() {
	p.mx.RLock()
	r := p.current
	p.mx.RUnlock()
	if r == nil || !r.Alive() {
		return
	}
	slog.Info("stopping command", "run_id", r.ID(), "command", r.Command())
	r.Stop()
	<-r.Done()
}

// Close stops the active run and makes every following start fail with
// ErrPoolClosed. The last Run is still available to observers.
func (p *Pool) Close() {
	p.startMx.Lock()
	defer p.startMx.Unlock()
	p.mx.Lock()
	p.closed = true
	p.mx.Unlock()
	p.stopLocked()
}

// Current returns the current or the most recently finished Run.
func (p *Pool) Current() (*Run, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.current == nil {
		return nil, ErrNotInitialized
	}
	return p.current, nil
}

// CurrentCommand returns the command line of the current or most recent run.
func (p *Pool) CurrentCommand() (string, error) {
	r, err := p.Current()
	if err != nil {
		return "", err
	}
	return r.Command(), nil
}

// IsActive reports, without blocking, whether the current run is still
// executing.
func (p *Pool) IsActive() bool {
	r, err := p.Current()
	if err != nil {
		return false
	}
	return r.Alive()
}
