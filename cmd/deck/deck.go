package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Deck/internal/log"
	"github.com/CZERTAINLY/Deck/internal/model"
	"github.com/CZERTAINLY/Deck/internal/run"
	"github.com/CZERTAINLY/Deck/internal/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newPool(cfg model.Runner) (*run.Pool, time.Duration, error) {
	poll, err := cfg.Poll()
	if err != nil {
		return nil, 0, err
	}
	idle, err := cfg.Idle()
	if err != nil {
		return nil, 0, err
	}
	pool := run.NewPool(run.PoolConfig{
		Program: cfg.Program,
		LogDir:  cfg.LogDir,
		Executor: run.Executor{
			PollInterval: poll,
			Env:          cfg.Environ(),
		},
	})
	return pool, idle, nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("deck",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	pool, idle, err := newPool(config.Runner)
	if err != nil {
		return err
	}
	srv := server.New(pool, run.NewStreamer(pool, idle), config.Server)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		pool.Close()
		return err
	})
	return g.Wait()
}

// doExec runs args once in the foreground and copies its log to stdout.
// SIGINT stops the command, the exit code is the one of the command.
func doExec(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("deck",
		slog.String("cmd", "exec"),
		slog.Int("pid", os.Getpid()),
	))

	pool, idle, err := newPool(config.Runner)
	if err != nil {
		return err
	}
	defer pool.Close()

	r, err := pool.RunParallel(ctx, args)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		select {
		case <-ctx.Done():
			pool.Stop()
		case <-r.Done():
		}
		return nil
	})
	g.Go(func() error {
		return follow(r, cmd.OutOrStdout(), idle)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	o := r.Outcome()
	if err := o.Err(r.Command()); err != nil {
		code := 1
		if o.ExitCode > 0 {
			code = o.ExitCode
		}
		return exitError{code: code, err: err}
	}
	return nil
}

// follow copies the log of r to w until r finished and the whole log was
// written.
func follow(r *run.Run, w io.Writer, idle time.Duration) error {
	cur := r.Sink().NewCursor(0)
	defer func() {
		_ = cur.Close()
	}()

	buf := make([]byte, 32*1024)
	done := false
	for {
		n, err := cur.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing log: %w", err)
			}
			continue
		}
		if err != nil && !errors.Is(err, run.ErrNoData) {
			return fmt.Errorf("reading log: %w", err)
		}
		// the sink is closed before Done, nothing more can arrive
		if done {
			return nil
		}
		select {
		case <-r.Done():
			done = true
		case <-time.After(idle):
		}
	}
}
