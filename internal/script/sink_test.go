package script_test

import (
	"strings"
	"testing"

	"github.com/hostbeat/agent/internal/script"

	"github.com/stretchr/testify/require"
)

func TestSinkTruncation(t *testing.T) {
	t.Parallel()

	type write struct {
		chunk string
		n     int
	}
	cases := []struct {
		scenario string
		limit    int
		writes   []write
		then     string
	}{
		{"under limit", 10, []write{{"hello", 5}}, "hello"},
		{"exactly limit", 5, []write{{"hello", 5}}, "hello"},
		{"chunk split at boundary", 10, []write{{"12345678", 8}, {"abcdef", 6}}, "12345678ab"},
		{"full chunks dropped past limit", 4, []write{{"abcd", 4}, {"efgh", 4}, {"ijkl", 4}}, "abcd"},
		{"single oversized chunk", 3, []write{{strings.Repeat("x", 100), 100}}, "xxx"},
		{"zero limit", 0, []write{{"anything", 8}}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			sink := script.NewSink(tc.limit)
			for _, w := range tc.writes {
				n, err := sink.Write([]byte(w.chunk))
				require.NoError(t, err)
				require.Equal(t, w.n, n, "full chunk must be reported as consumed")
			}
			outcome := sink.Resolve()
			require.Equal(t, script.StatusSucceeded, outcome.Status)
			require.Equal(t, tc.then, string(outcome.Output))
			require.LessOrEqual(t, len(outcome.Output), tc.limit)
		})
	}
}

func TestSinkCancel(t *testing.T) {
	t.Parallel()

	t.Run("before exit yields timeout with partial buffer", func(t *testing.T) {
		t.Parallel()
		sink := script.NewSink(1024)
		_, err := sink.Write([]byte("partial"))
		require.NoError(t, err)

		var killed int
		sink.OnKill(func() { killed++ })
		sink.Cancel()

		require.True(t, sink.Cancelled())
		require.Equal(t, 1, killed)

		outcome := sink.Resolve()
		require.Equal(t, script.StatusTimedOut, outcome.Status)
		require.Equal(t, "partial", string(outcome.Output))
	})

	t.Run("kill delivered at most once", func(t *testing.T) {
		t.Parallel()
		sink := script.NewSink(16)
		var killed int
		sink.OnKill(func() { killed++ })
		sink.Cancel()
		sink.Cancel()
		require.Equal(t, 1, killed)
	})

	t.Run("after resolve has no observable effect", func(t *testing.T) {
		t.Parallel()
		sink := script.NewSink(16)
		_, err := sink.Write([]byte("done"))
		require.NoError(t, err)

		var killed int
		sink.OnKill(func() { killed++ })

		outcome := sink.Resolve()
		require.Equal(t, script.StatusSucceeded, outcome.Status)

		// a limit timer firing after the natural exit
		sink.Cancel()
		require.Zero(t, killed, "no signal may reach a possibly recycled process group")
		require.False(t, sink.Cancelled())

		outcome = sink.Resolve()
		require.Equal(t, script.StatusSucceeded, outcome.Status)
		require.Equal(t, "done", string(outcome.Output))
	})

	t.Run("without cancel resolves success", func(t *testing.T) {
		t.Parallel()
		sink := script.NewSink(16)
		_, err := sink.Write([]byte("done"))
		require.NoError(t, err)
		outcome := sink.Resolve()
		require.Equal(t, script.StatusSucceeded, outcome.Status)
		require.Equal(t, "done", string(outcome.Output))
	})
}
