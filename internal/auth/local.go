package auth

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/breeze-rmm/breeze-dm/internal/logging"
	"github.com/breeze-rmm/breeze-dm/internal/process"
	"github.com/breeze-rmm/breeze-dm/internal/secmem"
	"github.com/breeze-rmm/breeze-dm/internal/xauth"
)

var log = logging.L("auth")

// Options configures a Local authenticator.
type Options struct {
	UsersFile   string
	SessionsDir string
	// SessionWrapper, when set, receives the session's Exec line as its
	// only argument. Otherwise the line runs under /bin/sh -c.
	SessionWrapper string
	TerminalID     int
	StopTimeout    time.Duration
}

// Local authenticates against a YAML user database with argon2id hashes
// and runs X sessions described by .desktop files.
type Local struct {
	opts       Options
	child      *process.Child
	lookupUser func(string) (*user.User, error)
	dummyOnce  sync.Once
	dummyHash  string

	mu      sync.Mutex
	display string
	cookie  *secmem.SecureString
	active  string
}

// NewLocal creates a local authenticator. The user database is read on
// every check, so edits apply without a restart.
func NewLocal(opts Options) *Local {
	return &Local{
		opts:       opts,
		child:      process.New("session", opts.StopTimeout),
		lookupUser: user.Lookup,
	}
}

// SetDisplay records the display and cookie the next session should use.
// The cookie stays owned by the caller.
func (l *Local) SetDisplay(name string, cookie *secmem.SecureString) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.display = name
	l.cookie = cookie
}

// Authenticate verifies user and password. Every failure returns
// ErrAuthFailed. Safe for concurrent use.
func (l *Local) Authenticate(ctx context.Context, name, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	users, err := LoadUsers(l.opts.UsersFile)
	if err != nil {
		log.Error("user database unavailable", logging.KeyError, err)
		return ErrAuthFailed
	}

	encoded, known := users[name]
	if !known {
		// Pay for one hash anyway so response time does not reveal
		// whether the account exists.
		VerifyPassword(password, l.dummy())
		log.Info("login for unknown user", logging.KeyUser, name)
		return ErrAuthFailed
	}

	ok, err := VerifyPassword(password, encoded)
	if err != nil {
		log.Error("invalid password hash in user database", logging.KeyUser, name, logging.KeyError, err)
		return ErrAuthFailed
	}
	if !ok {
		log.Info("wrong password", logging.KeyUser, name)
		return ErrAuthFailed
	}
	return nil
}

func (l *Local) dummy() string {
	l.dummyOnce.Do(func() {
		h, err := HashPassword("breeze-dm-timing-equalizer")
		if err != nil {
			log.Warn("failed to compute dummy hash", logging.KeyError, err)
		}
		l.dummyHash = h
	})
	return l.dummyHash
}

// Start launches session for name on the current display.
func (l *Local) Start(ctx context.Context, name, session string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.child.Running() {
		return ErrSessionActive
	}
	if l.display == "" {
		return ErrNoDisplay
	}

	sess, err := LoadSession(l.opts.SessionsDir, session)
	if err != nil {
		return err
	}

	u, err := l.lookupUser(name)
	if err != nil {
		return fmt.Errorf("auth: lookup user %s: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("auth: parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("auth: parse gid %q: %w", u.Gid, err)
	}
	asRoot := os.Geteuid() == 0

	authPath := filepath.Join(u.HomeDir, ".Xauthority")
	entry, err := xauth.CookieEntry(l.display, l.cookie)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	owner, group := -1, -1
	if asRoot {
		owner, group = int(uid), int(gid)
	}
	err = xauth.Merge(authPath, entry, owner, group)
	entry.Wipe()
	if err != nil {
		return fmt.Errorf("auth: write user authority: %w", err)
	}

	spec := process.Spec{
		Path: "/bin/sh",
		Args: []string{"-c", sess.Exec},
		Dir:  u.HomeDir,
		Env:  l.sessionEnv(u, sess, authPath),
	}
	if l.opts.SessionWrapper != "" {
		spec.Path = l.opts.SessionWrapper
		spec.Args = []string{sess.Exec}
	}
	if asRoot {
		spec.Credential = &process.Credential{UID: uint32(uid), GID: uint32(gid), Groups: supplementaryGroups(u)}
	}

	if err := l.child.Start(spec); err != nil {
		return fmt.Errorf("auth: start session: %w", err)
	}
	l.active = name
	log.Info("user session started", logging.KeyUser, name, logging.KeySession, sess.ID,
		logging.KeyDisplay, l.display, logging.KeyPID, l.child.PID())
	return nil
}

func (l *Local) sessionEnv(u *user.User, sess Session, authPath string) []string {
	shell := loginShell(u.Username)
	desktop := sess.DesktopNames
	if desktop == "" {
		desktop = sess.ID
	}
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"DISPLAY=" + l.display,
		"XAUTHORITY=" + authPath,
		"HOME=" + u.HomeDir,
		"USER=" + u.Username,
		"LOGNAME=" + u.Username,
		"SHELL=" + shell,
		"DESKTOP_SESSION=" + sess.ID,
		"XDG_SESSION_TYPE=x11",
		"XDG_SESSION_CLASS=user",
		"XDG_SESSION_DESKTOP=" + sess.ID,
		"XDG_CURRENT_DESKTOP=" + desktop,
	}
	if l.opts.TerminalID > 0 {
		env = append(env, "XDG_VTNR="+strconv.Itoa(l.opts.TerminalID))
	}
	if lang := os.Getenv("LANG"); lang != "" {
		env = append(env, "LANG="+lang)
	}
	return env
}

// Stop ends the running session, if any.
func (l *Local) Stop() error {
	err := l.child.Stop()
	l.mu.Lock()
	if l.active != "" {
		log.Info("user session stopped", logging.KeyUser, l.active)
	}
	l.active = ""
	l.mu.Unlock()
	return err
}

// Events reports sessions that ended on their own (user logged out).
func (l *Local) Events() <-chan process.Exit {
	return l.child.Events()
}

// ActiveUser returns the user whose session runs, or "".
func (l *Local) ActiveUser() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.child.Running() {
		return ""
	}
	return l.active
}

func supplementaryGroups(u *user.User) []uint32 {
	ids, err := u.GroupIds()
	if err != nil {
		return nil
	}
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.ParseUint(id, 10, 32); err == nil {
			out = append(out, uint32(n))
		}
	}
	return out
}
