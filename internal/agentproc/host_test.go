package agentproc

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requirePTY(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available in test environment")
	}
}

func TestSpawnEchoesWrittenInput(t *testing.T) {
	requirePTY(t)
	h, err := Spawn(context.Background(), RoleDeveloper, "cat", t.TempDir(), nil)
	require.NoError(t, err)
	defer h.Close(time.Second)

	require.NoError(t, h.Send("hello\n"))

	var got []byte
	timeout := time.After(5 * time.Second)
	for len(got) < len("hello") {
		select {
		case ev := <-h.Output():
			require.NoError(t, ev.Err)
			got = append(got, ev.Chunk...)
		case <-timeout:
			t.Fatalf("timed out waiting for echo, got %q so far", got)
		}
	}
	assert.Contains(t, string(got), "hello")
}

func TestHealthReflectsAliveSession(t *testing.T) {
	requirePTY(t)
	h, err := Spawn(context.Background(), RoleAcceptor, "cat", t.TempDir(), nil)
	require.NoError(t, err)
	defer h.Close(time.Second)

	alive, _ := h.Health()
	assert.True(t, alive)
}

func TestCloseReapsProcessAndSendFailsAfter(t *testing.T) {
	requirePTY(t)
	h, err := Spawn(context.Background(), RoleDeveloper, "cat", t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, h.Close(2*time.Second))

	alive, _ := h.Health()
	assert.False(t, alive)
	assert.Error(t, h.Send("too late\n"))
}

func TestOutputDeliversExitedEventLast(t *testing.T) {
	requirePTY(t)
	h, err := Spawn(context.Background(), RoleDeveloper, "sh", t.TempDir(), []string{"-c", "exit 3"})
	require.NoError(t, err)

	var last OutputEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Output():
			if !ok {
				t.Fatal("output channel closed before delivering an Exited event")
			}
			last = ev
			if ev.Exited {
				assert.Equal(t, 3, ev.ExitCode)
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for exit, last event: %+v", last)
		}
	}
}
