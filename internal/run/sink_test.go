package run_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/Deck/internal/run"

	"github.com/stretchr/testify/require"
)

func TestSink(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink, err := run.NewSink(dir, "abc")
	require.NoError(t, err)
	require.Equal(t, dir, filepath.Dir(sink.Path()))
	require.True(t, strings.HasPrefix(filepath.Base(sink.Path()), "deck-abc-"))
	require.True(t, strings.HasSuffix(sink.Path(), ".log"))

	first := sink.NewCursor(0)
	t.Cleanup(func() { _ = first.Close() })
	buf := make([]byte, 4)

	t.Run("empty sink has no data yet", func(t *testing.T) {
		n, err := first.Read(buf)
		require.Zero(t, n)
		require.ErrorIs(t, err, run.ErrNoData)
	})

	t.Run("read what was written", func(t *testing.T) {
		_, err := sink.WriteString("hello world")
		require.NoError(t, err)
		require.EqualValues(t, 11, sink.Size())

		n, err := first.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "hell", string(buf[:n]))
		require.EqualValues(t, 4, first.Offset())
	})

	t.Run("independent cursors", func(t *testing.T) {
		second := sink.NewCursor(6)
		t.Cleanup(func() { _ = second.Close() })
		n, err := second.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "worl", string(buf[:n]))

		n, err = first.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "o wo", string(buf[:n]))
	})

	t.Run("end of data is not end of stream", func(t *testing.T) {
		n, err := first.Read(make([]byte, 64))
		require.NoError(t, err)
		require.Equal(t, 3, n)
		for range 3 {
			n, err = first.Read(buf)
			require.Zero(t, n)
			require.ErrorIs(t, err, run.ErrNoData)
		}
		_, err = sink.WriteString("!")
		require.NoError(t, err)
		n, err = first.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "!", string(buf[:n]))
	})

	t.Run("closed sink stays readable", func(t *testing.T) {
		require.NoError(t, sink.Close())
		require.NoError(t, sink.Close())
		_, err := sink.WriteString("late")
		require.ErrorIs(t, err, run.ErrSinkClosed)
		require.Equal(t, "hello world!", readAll(t, sink))
	})
}
