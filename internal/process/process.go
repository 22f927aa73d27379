package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/breeze-rmm/breeze-dm/internal/logging"
)

var log = logging.L("process")

// DefaultStopTimeout is how long Stop waits after SIGTERM before sending
// SIGKILL to the process group.
const DefaultStopTimeout = 5 * time.Second

// outputTail is how much combined stdout/stderr is kept for diagnostics.
const outputTail = 4096

// Credential is the account a child runs as.
type Credential struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// Spec describes a child process.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// Credential, when set, drops the child to that account. Requires root.
	Credential *Credential
	// Output receives stdout and stderr in addition to the diagnostic tail.
	Output io.Writer
}

// Exit reports a child that exited without being asked to.
type Exit struct {
	Name string
	PID  int
	// Code is the exit status, -1 when the child was killed by a signal.
	Code   int
	Err    error
	Output string
}

// Child supervises one process at a time. Each child runs in its own
// process group and is stopped with SIGTERM, then SIGKILL after the stop
// timeout. Only exits that Stop did not cause are reported on Events.
type Child struct {
	name        string
	stopTimeout time.Duration
	events      chan Exit

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
}

// New creates a supervisor. name is used in logs and Exit events.
func New(name string, stopTimeout time.Duration) *Child {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Child{
		name:        name,
		stopTimeout: stopTimeout,
		events:      make(chan Exit, 1),
	}
}

// Events delivers unexpected exits. At most one event is buffered; an
// event left over from a previous child is discarded by Start.
func (c *Child) Events() <-chan Exit {
	return c.events
}

// Start launches spec. The child outlives the call; use Stop to end it.
func (c *Child) Start(spec Spec) error {
	if spec.Path == "" {
		return ErrNoCommand
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return ErrAlreadyRunning
	}

	select {
	case <-c.events:
	default:
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	tail := &tailWriter{limit: outputTail}
	var out io.Writer = tail
	if spec.Output != nil {
		out = io.MultiWriter(tail, spec.Output)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	// Grandchildren holding the output pipes must not block Wait.
	cmd.WaitDelay = time.Second
	setProcAttr(cmd, spec.Credential)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: start %s: %w", c.name, err)
	}

	done := make(chan struct{})
	c.cmd = cmd
	c.done = done
	c.stopping = false

	log.Debug("child started", "name", c.name, logging.KeyPID, cmd.Process.Pid, "path", spec.Path)
	go c.wait(cmd, done, tail)
	return nil
}

func (c *Child) wait(cmd *exec.Cmd, done chan struct{}, tail *tailWriter) {
	err := cmd.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	requested := c.stopping
	if c.cmd == cmd {
		c.cmd = nil
		c.done = nil
	}
	close(done)

	pid := cmd.Process.Pid
	code := cmd.ProcessState.ExitCode()
	if requested {
		log.Debug("child stopped", "name", c.name, logging.KeyPID, pid, "code", code)
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}
	ev := Exit{Name: c.name, PID: pid, Code: code, Err: err, Output: tail.String()}
	log.Warn("child exited unexpectedly", "name", c.name, logging.KeyPID, pid, "code", code)

	select {
	case c.events <- ev:
	default:
		log.Warn("dropping exit event, previous one not consumed", "name", c.name)
	}
}

// Stop terminates the child's process group and waits for it to exit.
// Stopping a child that is not running is a no-op.
func (c *Child) Stop() error {
	c.mu.Lock()
	cmd, done := c.cmd, c.done
	if cmd == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	pid := cmd.Process.Pid
	if err := signalGroup(pid, false); err != nil {
		log.Debug("SIGTERM failed", "name", c.name, logging.KeyPID, pid, logging.KeyError, err)
	}

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	log.Warn("child ignored SIGTERM, killing process group", "name", c.name, logging.KeyPID, pid,
		"timeout", c.stopTimeout.String())
	if err := signalGroup(pid, true); err != nil {
		log.Debug("SIGKILL failed", "name", c.name, logging.KeyPID, pid, logging.KeyError, err)
	}
	<-done
	return nil
}

// Running reports whether a child is alive.
func (c *Child) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// PID returns the running child's pid, or 0.
func (c *Child) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
