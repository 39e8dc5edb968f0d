package run

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"
)

const (
	DefaultIdleInterval = 200 * time.Millisecond
	chunkSize           = 64 * 1024
)

// Chunk is one piece of a log stream.
type Chunk struct {
	Text    string `json:"stdout"`
	Command string `json:"command"`
	Alive   bool   `json:"thread_alive"`
	RunID   string `json:"run_id"`
}

// Streamer turns the log of whatever Run the Pool currently tracks into an
// infinite sequence of chunks.
type Streamer struct {
	pool *Pool
	idle time.Duration
}

// NewStreamer returns a streamer for pool. idle is the sleep between polls
// when there is nothing to read, zero means DefaultIdleInterval.
func NewStreamer(pool *Pool, idle time.Duration) *Streamer {
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	return &Streamer{pool: pool, idle: idle}
}

// Stream yields the current run's log from its beginning and keeps
// following it. When the pool switches to a new run, the rest of the old
// log is drained first and the stream continues at the start of the new one,
// which begins with the "$ command" echo. Runs which were started and
// replaced between two polls of the pool are skipped, the observer only
// follows the latest one. Chunk text never ends inside a UTF-8 character,
// unless the run has finished with a truncated one. The sequence ends only
// when ctx is done or the consumer stops iterating. Each call has its own
// cursor.
func (s *Streamer) Stream(ctx context.Context) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		var (
			r   *Run
			cur *Cursor
			buf = make([]byte, chunkSize)
		)
		// bytes of a character which is not complete yet
		var carry []byte
		emit := func(text []byte) bool {
			return yield(Chunk{
				Text:    string(text),
				Command: r.Command(),
				Alive:   r.Alive(),
				RunID:   r.ID(),
			})
		}
		defer func() {
			if cur != nil {
				_ = cur.Close()
			}
		}()

		for {
			if ctx.Err() != nil {
				return
			}
			latest, err := s.pool.Current()
			if err != nil {
				if !s.sleep(ctx) {
					return
				}
				continue
			}
			if r == nil {
				r, cur = latest, latest.Sink().NewCursor(0)
			}

			alive := r.Alive()
			n, err := cur.Read(buf)
			switch {
			case n > 0:
				data := append(carry, buf[:n]...)
				cut := incompleteRune(data)
				carry = append([]byte(nil), data[cut:]...)
				if cut > 0 && !emit(data[:cut]) {
					return
				}
				continue
			case err != nil && !errors.Is(err, ErrNoData):
				slog.WarnContext(ctx, "reading log", "run_id", r.ID(), "error", err)
			}

			// the sink was closed before this read, nothing completes the character
			if len(carry) > 0 && (latest != r || !alive) {
				if !emit(carry) {
					return
				}
				carry = nil
			}

			if latest != r {
				// old log fully drained, follow the new run
				_ = cur.Close()
				r, cur = latest, latest.Sink().NewCursor(0)
				continue
			}
			if !s.sleep(ctx) {
				return
			}
		}
	}
}

func (s *Streamer) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
