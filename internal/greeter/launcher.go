package greeter

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/breeze-rmm/breeze-dm/internal/logging"
	"github.com/breeze-rmm/breeze-dm/internal/process"
)

var log = logging.L("greeter")

// Params identify the display a greeter is started for.
type Params struct {
	Display  string
	AuthPath string
	// Socket is the socket name; the greeter gets <SocketDir>/<Socket>.
	Socket string
	// Theme is the full path of the theme directory.
	Theme string
}

// Options configures a Launcher.
type Options struct {
	// Path is the greeter executable.
	Path      string
	SocketDir string
	// User, when set, is the account the greeter runs as. The daemon must
	// be root for this to work.
	User        string
	StopTimeout time.Duration
}

// Launcher runs the greeter process for one display.
type Launcher struct {
	opts  Options
	child *process.Child
}

// New creates a greeter launcher.
func New(opts Options) *Launcher {
	return &Launcher{
		opts:  opts,
		child: process.New("greeter", opts.StopTimeout),
	}
}

// Start launches the greeter with DISPLAY and XAUTHORITY pointing at the
// display being managed.
func (l *Launcher) Start(ctx context.Context, p Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	socketPath := filepath.Join(l.opts.SocketDir, p.Socket)
	spec := process.Spec{
		Path: l.opts.Path,
		Args: []string{"--socket", socketPath, "--theme", p.Theme},
		Env: []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"DISPLAY=" + p.Display,
			"XAUTHORITY=" + p.AuthPath,
		},
	}
	if lang := os.Getenv("LANG"); lang != "" {
		spec.Env = append(spec.Env, "LANG="+lang)
	}

	if l.opts.User != "" {
		cred, home, err := lookupAccount(l.opts.User)
		if err != nil {
			return fmt.Errorf("greeter: %w", err)
		}
		// The greeter must be able to read the authority file to connect
		// to the X server.
		if err := os.Chown(p.AuthPath, int(cred.UID), int(cred.GID)); err != nil {
			return fmt.Errorf("greeter: chown authority file: %w", err)
		}
		spec.Credential = cred
		spec.Dir = home
		spec.Env = append(spec.Env, "HOME="+home, "USER="+l.opts.User)
	}

	if err := l.child.Start(spec); err != nil {
		return fmt.Errorf("greeter: %w", err)
	}
	log.Info("greeter started", logging.KeyDisplay, p.Display, logging.KeyPID, l.child.PID(),
		"socket", socketPath, "theme", p.Theme)
	return nil
}

// Stop terminates the greeter. Safe to call when it is not running.
func (l *Launcher) Stop() error {
	return l.child.Stop()
}

// Events reports greeter exits that Stop did not cause.
func (l *Launcher) Events() <-chan process.Exit {
	return l.child.Events()
}

func lookupAccount(name string) (*process.Credential, string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, "", fmt.Errorf("lookup user %s: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, "", fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, "", fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return &process.Credential{UID: uint32(uid), GID: uint32(gid)}, u.HomeDir, nil
}
