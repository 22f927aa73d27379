package displayserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	psproc "github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/breeze-dm/internal/logging"
	"github.com/breeze-rmm/breeze-dm/internal/process"
	"github.com/breeze-rmm/breeze-dm/internal/xauth"
)

var log = logging.L("displayserver")

// Options configures a Server.
type Options struct {
	ServerPath string
	ServerArgs []string
	// TerminalID is the virtual terminal the server runs on; 0 omits the
	// vtN argument.
	TerminalID int
	// SocketDir is where the server creates X<n> (/tmp/.X11-unix).
	SocketDir string
	// LockDir holds .X<n>-lock files (/tmp).
	LockDir      string
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

// Server runs the X server for one display.
type Server struct {
	opts  Options
	child *process.Child
}

// New creates a display server supervisor with defaults for empty
// directories and the ready timeout.
func New(opts Options) *Server {
	if opts.SocketDir == "" {
		opts.SocketDir = "/tmp/.X11-unix"
	}
	if opts.LockDir == "" {
		opts.LockDir = "/tmp"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	return &Server{
		opts:  opts,
		child: process.New("xserver", opts.StopTimeout),
	}
}

// Start launches the server for display with authPath as its authority
// file and waits until it accepts connections, at most ReadyTimeout. When
// ctx ends first the server is stopped and ctx.Err() returned.
func (s *Server) Start(ctx context.Context, display, authPath string) error {
	num, err := xauth.DisplayNumber(display)
	if err != nil {
		return fmt.Errorf("displayserver: %w", err)
	}
	if err := s.checkLock(num); err != nil {
		return err
	}

	if err := os.MkdirAll(s.opts.SocketDir, 01777); err != nil {
		return fmt.Errorf("displayserver: create socket dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("displayserver: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.opts.SocketDir); err != nil {
		return fmt.Errorf("displayserver: watch %s: %w", s.opts.SocketDir, err)
	}

	socket := filepath.Join(s.opts.SocketDir, "X"+num)
	os.Remove(socket)

	args := []string{display, "-auth", authPath, "-nolisten", "tcp", "-background", "none", "-noreset"}
	if s.opts.TerminalID > 0 {
		args = append(args, "vt"+strconv.Itoa(s.opts.TerminalID))
	}
	args = append(args, s.opts.ServerArgs...)

	if err := s.child.Start(process.Spec{Path: s.opts.ServerPath, Args: args, Env: os.Environ()}); err != nil {
		return fmt.Errorf("displayserver: %w", err)
	}
	log.Info("display server starting", logging.KeyDisplay, display, logging.KeyPID, s.child.PID(),
		"path", s.opts.ServerPath)

	started := time.Now()
	if err := s.waitReady(ctx, watcher, socket); err != nil {
		s.child.Stop()
		return err
	}
	log.Info("display server ready", logging.KeyDisplay, display,
		logging.KeyDurationMs, time.Since(started).Milliseconds())
	return nil
}

func (s *Server) waitReady(ctx context.Context, watcher *fsnotify.Watcher, socket string) error {
	if _, err := os.Stat(socket); err == nil {
		return nil
	}

	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("%w: watcher closed", ErrNotReady)
			}
			if ev.Name == socket && ev.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if ok {
				log.Warn("socket watcher error", logging.KeyError, err)
			}
		case <-poll.C:
			if !s.child.Running() {
				return fmt.Errorf("%w: server exited during startup", ErrNotReady)
			}
		case <-timer.C:
			return fmt.Errorf("%w: no socket after %s", ErrNotReady, s.opts.ReadyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkLock refuses a display whose lock names a live process and clears
// a stale lock.
func (s *Server) checkLock(num string) error {
	lock := filepath.Join(s.opts.LockDir, ".X"+num+"-lock")
	data, err := os.ReadFile(lock)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("displayserver: read %s: %w", lock, err)
	}

	pid, err := strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 32)
	if err == nil && pid > 0 {
		alive, err := psproc.PidExists(int32(pid))
		if err == nil && alive {
			return fmt.Errorf("%w: %s held by pid %d", ErrDisplayInUse, lock, pid)
		}
	}

	log.Warn("removing stale X lock", "path", lock, logging.KeyPID, pid)
	if err := os.Remove(lock); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("displayserver: remove stale lock: %w", err)
	}
	return nil
}

// Stop terminates the server. Safe to call when it is not running.
func (s *Server) Stop() error {
	return s.child.Stop()
}

// Events reports server exits that Stop did not cause.
func (s *Server) Events() <-chan process.Exit {
	return s.child.Events()
}
