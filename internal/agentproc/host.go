// Package agentproc is the Agent Process Host (spec §4.3): it launches an
// AI agent CLI attached to a pseudo-terminal and keeps it alive across
// many rounds of a milestone.
//
// The teacher's agents.Spawner launches the agent CLI non-interactively
// per call ("claude --print ... ") and reads one complete response; a
// milestone here needs a single long-lived interactive session per role
// so prompt context (the rolling conversation) stays in the agent's own
// context window across rounds instead of being re-supplied every call.
// This package keeps the teacher's command-construction and CLI-path
// discovery idiom (agents.NewSpawner) but replaces exec.Command's
// pipe-based Stdin/Stdout with a github.com/creack/pty session so the CLI
// sees a real terminal and can be driven turn-by-turn.
package agentproc

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/anima-dev/anima/internal/errkind"
)

// Role identifies which side of the Developer/Acceptor pair a session
// plays; spec §4.3 caps concurrency at one session per role.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleAcceptor  Role = "acceptor"
)

// OutputEvent is one element of the lazy output sequence. Exactly one
// terminal event (Exited true) is ever delivered, last.
type OutputEvent struct {
	Chunk    []byte
	Exited   bool
	ExitCode int
	Err      error
}

// Host is one running agent CLI session bound to a working tree.
type Host struct {
	role    Role
	workDir string

	cmd  *exec.Cmd
	ptmx ptyFile

	out   chan OutputEvent
	once  sync.Once // guards Close/Kill racing with the reap goroutine
	mu    sync.Mutex
	alive bool
	code  int
}

type ptyFile interface {
	io.ReadWriteCloser
}

// Spawn starts cliPath attached to a pty in workDir. args are passed
// through verbatim (e.g. "--model", "sonnet"); unlike the teacher's
// Spawner, Anima never appends "--print": the session must stay
// interactive for the engine to send successive round prompts.
func Spawn(ctx context.Context, role Role, cliPath, workDir string, args []string) (*Host, error) {
	resolved := cliPath
	if path, err := exec.LookPath(cliPath); err == nil {
		resolved = path
	}

	cmd := exec.CommandContext(ctx, resolved, args...) // #nosec G204 -- cliPath is operator configuration, not request input
	cmd.Dir = workDir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientAgent, fmt.Sprintf("spawn %s session", role), err)
	}

	h := &Host{
		role:    role,
		workDir: workDir,
		cmd:     cmd,
		ptmx:    ptmx,
		out:     make(chan OutputEvent, 16),
		alive:   true,
	}
	go h.pump()
	return h, nil
}

// pump is the single producer for Output(); it also performs the
// mandatory zombie reap via cmd.Wait(), guaranteeing §4.3's "zombie
// reaping is guaranteed on close/kill before the handle is released"
// even when the child exits on its own.
func (h *Host) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.out <- OutputEvent{Chunk: chunk}
		}
		if err != nil {
			break
		}
	}

	waitErr := h.cmd.Wait()
	code := 0
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	h.alive = false
	h.code = code
	h.mu.Unlock()

	h.out <- OutputEvent{Exited: true, ExitCode: code, Err: waitErr}
	close(h.out)
}

// Send writes a frame to the child's standard input. If the child has
// already exited, it fails with errkind.TransientAgent (kind=session_dead
// in spec terms).
func (h *Host) Send(frame string) error {
	h.mu.Lock()
	alive := h.alive
	h.mu.Unlock()
	if !alive {
		return errkind.New(errkind.TransientAgent, "session_dead")
	}
	if _, err := h.ptmx.Write([]byte(frame)); err != nil {
		return errkind.Wrap(errkind.TransientAgent, "session_dead", err)
	}
	return nil
}

// Output returns the lazy, single-consumer output sequence. The final
// element delivered always has Exited set.
func (h *Host) Output() <-chan OutputEvent {
	return h.out
}

// Health reports whether the session is alive, and the exit code once it
// is not.
func (h *Host) Health() (alive bool, exitCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive, h.code
}

// Close asks the child to exit gracefully (closing its pty, which sends
// it an EOF/HUP) and waits briefly before escalating to Kill.
func (h *Host) Close(grace time.Duration) error {
	var err error
	h.once.Do(func() {
		_ = h.ptmx.Close()
		done := make(chan struct{})
		go func() {
			for range h.out {
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			err = h.kill()
			<-done
		}
	})
	return err
}

// Kill forces termination of the child process.
func (h *Host) Kill() error {
	var err error
	h.once.Do(func() {
		err = h.kill()
		for range h.out {
		}
	})
	return err
}

func (h *Host) kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	if killErr := h.cmd.Process.Kill(); killErr != nil {
		return errkind.Wrap(errkind.TransientAgent, "kill session", killErr)
	}
	return nil
}
