// Package subproc implements the Subprocess Channel: spawning and
// killing a worker subprocess and framing structured messages in both
// directions over its standard streams (spec §4.4).
//
// Framing is one JSON record per line in each direction — the
// line-delimited textual framing spec §9 allows, using the same
// encoding/json idiom the teacher uses throughout its HTTP handlers,
// here applied to a pipe instead of a socket.
package subproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/swarmtest/resilient-runner/internal/protocol"
)

// Channel manages one spawned worker subprocess.
type Channel struct {
	ID  string
	cmd *exec.Cmd

	stdin  io.WriteCloser
	events chan protocol.Timestamped

	mu       sync.Mutex
	exited   bool
	exitCode int
	exitErr  error

	killOnce sync.Once
}

// Spawn starts path with args as a worker subprocess and begins
// reading its stdout as a stream of framed Events. The returned
// Channel is also registered with the package Registry so an
// interrupt handler can sweep it if the caller never calls Kill.
func Spawn(ctx context.Context, path string, args []string) (*Channel, error) {
	return SpawnEnv(ctx, path, args, nil)
}

// SpawnEnv is Spawn with an explicit environment for the subprocess.
// A nil env means "inherit the supervisor's environment", matching
// exec.Cmd's own zero-value behaviour. Exported mainly so tests can
// script an in-process helper worker without a real worker binary.
func SpawnEnv(ctx context.Context, path string, args []string, env []string) (*Channel, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subproc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subproc: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subproc: start %s: %w", path, err)
	}

	ch := &Channel{
		ID:     uuid.NewString()[:8],
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan protocol.Timestamped, 64),
	}

	Registry.add(ch)

	go ch.readLoop(stdout)
	go ch.waitLoop()

	log.Info().Str("channel_id", ch.ID).Str("path", path).Int("pid", cmd.Process.Pid).Msg("subproc: spawned worker")

	return ch, nil
}

func (c *Channel) readLoop(stdout io.Reader) {
	defer close(c.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn().Str("channel_id", c.ID).Err(err).Msg("subproc: malformed event line, skipping")
			continue
		}
		c.events <- protocol.Timestamped{Event: ev, ReceivedAt: time.Now()}
	}
}

func (c *Channel) waitLoop() {
	err := c.cmd.Wait()

	c.mu.Lock()
	c.exited = true
	c.exitErr = err
	if c.cmd.ProcessState != nil {
		c.exitCode = c.cmd.ProcessState.ExitCode()
	} else {
		c.exitCode = -1
	}
	c.mu.Unlock()

	Registry.remove(c.ID)
}

// Send frames and writes cmd as one JSON line on the worker's command
// stream.
func (c *Channel) Send(cmd protocol.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("subproc: marshal command: %w", err)
	}
	data = append(data, '\n')
	_, err = c.stdin.Write(data)
	return err
}

// Events returns the channel of inbound events. It is closed when the
// subprocess closes its output stream or exits.
func (c *Channel) Events() <-chan protocol.Timestamped {
	return c.events
}

// HasExited reports whether the subprocess has terminated.
func (c *Channel) HasExited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

// ExitCode returns the subprocess's exit code, or -1 if it has not
// exited or was killed by a signal.
func (c *Channel) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exited {
		return -1
	}
	return c.exitCode
}

// ExitErr returns the error cmd.Wait() returned, if any.
func (c *Channel) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Kill terminates the process and its descendants. Idempotent.
func (c *Channel) Kill() {
	c.killOnce.Do(func() {
		if c.cmd.Process == nil {
			return
		}
		killProcessGroup(c.cmd)
		log.Debug().Str("channel_id", c.ID).Msg("subproc: killed worker")
	})
	Registry.remove(c.ID)
}

// setProcessGroup and killProcessGroup are defined per-platform so
// descendants of the worker die with it (spec §5, "process hygiene").
var setProcessGroup = func(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

var killProcessGroup = func(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
