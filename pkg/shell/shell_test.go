package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_Run(t *testing.T) {
	r := NewRunner(logrus.New())
	ctx := context.Background()

	t.Run("captures stdout", func(t *testing.T) {
		out, err := r.Run(ctx, Line(t.TempDir(), "echo hello"))
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("wraps failures with output", func(t *testing.T) {
		_, err := r.Run(ctx, Line(t.TempDir(), "echo boom >&2; exit 3"))
		require.Error(t, err)

		var shellErr *Error
		require.True(t, errors.As(err, &shellErr))
		assert.Contains(t, shellErr.Output, "boom")
		assert.Contains(t, err.Error(), "sh -c")
	})

	t.Run("honours stdin and env", func(t *testing.T) {
		cmd := Line(t.TempDir(), "cat; printf %s \"$GREETING\"")
		cmd.Stdin = strings.NewReader("in-")
		cmd.Env = []string{"GREETING=hi"}

		out, err := r.Run(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, "in-hi", out)
	})

	t.Run("times out", func(t *testing.T) {
		cmd := Line(t.TempDir(), "sleep 5")
		cmd.Timeout = 50 * time.Millisecond

		_, err := r.Run(ctx, cmd)
		require.Error(t, err)
	})
}

func TestRunLines_StopsAtFirstFailure(t *testing.T) {
	fake := NewFakeRunner().
		On("second", Response{Err: errors.New("exit status 1")})

	err := RunLines(context.Background(), fake, "/app",
		[]string{"first", "", "second", "third"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"second"`)
	assert.Equal(t, []string{"first", "second"}, fake.Calls())
}

func TestFakeRunner_QueuedResponses(t *testing.T) {
	fake := NewFakeRunner().
		On("git rev-parse", Response{Output: "aaa"}, Response{Output: "bbb"})

	ctx := context.Background()
	cmd := &Command{Name: "git", Args: []string{"rev-parse", "HEAD"}}

	first, err := fake.Run(ctx, cmd)
	require.NoError(t, err)

	second, err := fake.Run(ctx, cmd)
	require.NoError(t, err)

	third, err := fake.Run(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, "aaa", first)
	assert.Equal(t, "bbb", second)
	assert.Equal(t, "bbb", third)
}
