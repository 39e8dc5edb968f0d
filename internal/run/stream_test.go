package run_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Deck/internal/run"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStreamBeforeFirstRun(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	pool := newPool(t)
	streamer := run.NewStreamer(pool, 20*time.Millisecond)

	type result struct {
		text   string
		chunks []run.Chunk
	}
	resc := make(chan result, 1)
	go func() {
		text, chunks := collect(t, streamer, run.TrailerSuccess)
		resc <- result{text, chunks}
	}()

	// the observer polls an empty pool first
	time.Sleep(100 * time.Millisecond)
	outcome, err := pool.RunSequential(t.Context(), []string{sh, "-c", "echo one; sleep 0.2; echo two"})
	require.NoError(t, err)
	require.Equal(t, run.StatusSuccess, outcome.Status)

	res := <-resc
	cmd, err := pool.CurrentCommand()
	require.NoError(t, err)
	require.Equal(t, "$ "+cmd+"\none\ntwo\n"+run.TrailerSuccess, res.text)
	for _, chunk := range res.chunks {
		require.Equal(t, cmd, chunk.Command)
		require.NotEmpty(t, chunk.Text)
	}
}

func TestStreamResumable(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	pool := newPool(t)
	streamer := run.NewStreamer(pool, 20*time.Millisecond)

	r, err := pool.RunParallel(t.Context(), []string{sh, "-c", "for i in 1 2 3 4 5; do echo line $i; sleep 0.1; done"})
	require.NoError(t, err)

	var early, late string
	var g errgroup.Group
	g.Go(func() error {
		early, _ = collect(t, streamer, run.TrailerSuccess)
		return nil
	})
	time.Sleep(250 * time.Millisecond)
	g.Go(func() error {
		late, _ = collect(t, streamer, run.TrailerSuccess)
		return nil
	})
	require.NoError(t, g.Wait())
	<-r.Done()

	full := readAll(t, r.Sink())
	require.Equal(t, full, early)
	require.Equal(t, full, late)
	require.Contains(t, full, "line 5\n")
}

func TestStreamFollowsNewRun(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	pool := newPool(t)
	streamer := run.NewStreamer(pool, 20*time.Millisecond)

	first, err := pool.RunParallel(t.Context(), []string{sh, "-c", "echo first; sleep 30"})
	require.NoError(t, err)

	textc := make(chan string, 1)
	go func() {
		text, _ := collect(t, streamer, "second\n"+run.TrailerSuccess)
		textc <- text
	}()

	time.Sleep(300 * time.Millisecond)
	second, err := pool.RunParallel(t.Context(), []string{sh, "-c", "echo second"})
	require.NoError(t, err)
	<-second.Done()

	text := <-textc
	firstLog := readAll(t, first.Sink())
	secondLog := readAll(t, second.Sink())
	require.Equal(t, firstLog+secondLog, text)
	require.True(t, strings.HasSuffix(firstLog, run.TrailerCancelled))
	require.True(t, strings.HasPrefix(secondLog, "$ "+second.Command()+"\n"))
}

func TestStreamNoPrematureEOF(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	pool := newPool(t)
	streamer := run.NewStreamer(pool, 10*time.Millisecond)

	_, err := pool.RunSequential(t.Context(), []string{sh, "-c", "true"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()
	var text strings.Builder
	for chunk := range streamer.Stream(ctx) {
		text.WriteString(chunk.Text)
	}
	// the stream ended because of the context only
	require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	require.True(t, strings.HasSuffix(text.String(), run.TrailerSuccess))
}

func TestStreamConsumerStops(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	pool := newPool(t)
	streamer := run.NewStreamer(pool, 0)

	_, err := pool.RunSequential(t.Context(), []string{sh, "-c", "echo hi"})
	require.NoError(t, err)

	n := 0
	for range streamer.Stream(t.Context()) {
		n++
		break
	}
	require.Equal(t, 1, n)
}
