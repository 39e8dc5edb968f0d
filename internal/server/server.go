package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/CZERTAINLY/Deck/internal/log"
	"github.com/CZERTAINLY/Deck/internal/model"
	"github.com/CZERTAINLY/Deck/internal/run"

	"github.com/kballard/go-shellquote"
)

var ErrEmptyCommand = errors.New("empty command")

// Server exposes a run.Pool over HTTP: the log stream as server-sent events,
// command submission, stop and status.
type Server struct {
	pool     *run.Pool
	streamer *run.Streamer
	auth     model.Auth
	server   *http.Server
}

func New(pool *run.Pool, streamer *run.Streamer, cfg model.Server) *Server {
	s := &Server{
		pool:     pool,
		streamer: streamer,
		auth:     cfg.Auth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cli/logs/stream", s.handleStream)
	mux.HandleFunc("POST /cli/stop", s.handleStop)
	mux.HandleFunc("POST /cli/run", s.handleRun)
	mux.HandleFunc("GET /cli/status", s.handleStatus)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.Handle("/livez", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "live")
	}))

	var handler http.Handler = mux
	if s.auth.Enabled() {
		handler = s.basicAuth(handler)
	}
	handler = withRequestAttrs(handler)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Serve listens on the configured address. Request contexts derive from ctx,
// so cancelling it ends open log streams and lets Shutdown complete.
func (s *Server) Serve(ctx context.Context) error {
	s.server.BaseContext = func(net.Listener) context.Context {
		return ctx
	}
	slog.InfoContext(ctx, "listening", "addr", s.server.Addr, "auth", s.auth.Enabled())
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleStream writes every chunk as one event:
//
//	data: {"stdout": ..., "command": ..., "thread_alive": ..., "run_id": ...}
//	event: logs
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.WarnContext(ctx, "flushing event stream", "error", err)
		return
	}

	slog.DebugContext(ctx, "log stream opened")
	for chunk := range s.streamer.Stream(ctx) {
		data, err := json.Marshal(chunk)
		if err != nil {
			slog.ErrorContext(ctx, "encoding chunk", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\nevent: logs\n\n", data); err != nil {
			slog.DebugContext(ctx, "log stream closed", "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			slog.DebugContext(ctx, "log stream closed", "error", err)
			return
		}
	}
	slog.DebugContext(ctx, "log stream closed")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.pool.Stop()
	writeJSON(r.Context(), w, http.StatusOK, statusResponse{Alive: false})
}

type submitResponse struct {
	RunID   string `json:"run_id"`
	Command string `json:"command"`
}

// handleCommand starts the command in the background. The client is
// redirected to the local path in the "next" field, if any.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	args, err := formCommand(r)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	rn, err := s.pool.RunParallel(ctx, args)
	if err != nil {
		writeError(ctx, w, statusCode(err), err)
		return
	}
	slog.InfoContext(ctx, "command submitted", "run_id", rn.ID(), "command", rn.Command())

	if next := r.FormValue("next"); localPath(next) {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	writeJSON(ctx, w, http.StatusAccepted, submitResponse{RunID: rn.ID(), Command: rn.Command()})
}

type outcomeResponse struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason,omitempty"`
}

// handleRun executes the command before responding. A disconnected client
// does not cancel the command, /cli/stop does.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	args, err := formCommand(r)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	o, err := s.pool.RunSequential(context.WithoutCancel(ctx), args)
	if err != nil {
		writeError(ctx, w, statusCode(err), err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, outcomeResponse{
		Status:   o.Status.String(),
		ExitCode: o.ExitCode,
		Reason:   o.Reason,
	})
}

type statusResponse struct {
	RunID   string `json:"run_id,omitempty"`
	Command string `json:"command,omitempty"`
	Alive   bool   `json:"alive"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rn, err := s.pool.Current()
	if err != nil {
		writeError(ctx, w, statusCode(err), err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, statusResponse{
		RunID:   rn.ID(),
		Command: rn.Command(),
		Alive:   rn.Alive(),
	})
}

func formCommand(r *http.Request) ([]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}
	args, err := shellquote.Split(r.FormValue("command"))
	if err != nil {
		return nil, fmt.Errorf("parsing command: %w", err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}

func localPath(next string) bool {
	return strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") && !strings.HasPrefix(next, "/\\")
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, run.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, run.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.auth.Password)) != 1 {
			slog.WarnContext(r.Context(), "unauthorized request")
			w.Header().Set("WWW-Authenticate", "basic")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withRequestAttrs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(),
			slog.String("remote", r.RemoteAddr),
			slog.String("path", r.URL.Path),
		)
		slog.DebugContext(ctx, "request", "method", r.Method)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(ctx context.Context, w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "status", code, "error", err)
	}
	writeJSON(ctx, w, code, errorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.WarnContext(ctx, "writing response", "error", err)
	}
}
