package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/breeze-rmm/breeze-dm/internal/audit"
	"github.com/breeze-rmm/breeze-dm/internal/credential"
	"github.com/breeze-rmm/breeze-dm/internal/greeter"
	"github.com/breeze-rmm/breeze-dm/internal/health"
	"github.com/breeze-rmm/breeze-dm/internal/logging"
	"github.com/breeze-rmm/breeze-dm/internal/metrics"
	"github.com/breeze-rmm/breeze-dm/internal/process"
	"github.com/breeze-rmm/breeze-dm/internal/secmem"
	"github.com/breeze-rmm/breeze-dm/internal/socketserver"
	"github.com/breeze-rmm/breeze-dm/internal/workerpool"
	"github.com/breeze-rmm/breeze-dm/internal/xauth"
)

var log = logging.L("display")

const (
	// DefaultRestartDelay is how long a restarting display waits before
	// starting again.
	DefaultRestartDelay = time.Millisecond

	defaultMaxConcurrentLogins = 4
	loginQueueSize             = 16
	shutdownTimeout            = 5 * time.Second
)

// Stop reasons, used in logs and metrics.
const (
	reasonExplicit      = "explicit"
	reasonSessionEnded  = "session_ended"
	reasonBackendExited = "backend_exited"
	reasonGreeterExited = "greeter_exited"
	reasonStartFailed   = "start_failed"
	reasonShutdown      = "shutdown"
)

// Health components.
const (
	componentServer  = "xserver"
	componentGreeter = "greeter"
	componentSession = "session"
)

// State is where a display is in its start/stop cycle.
type State int

const (
	Stopped State = iota
	Starting
	RunningAutologin
	RunningInteractive
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case RunningAutologin:
		return "running-autologin"
	case RunningInteractive:
		return "running-interactive"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a snapshot of a display.
type Status struct {
	State         State
	Started       bool
	Display       string
	AuthPath      string
	Socket        string
	SessionActive bool
	User          string
	ReloginArmed  bool
}

// Options configures a Display. Settings, Auth, Backend, Listener and
// Greeter are required.
type Options struct {
	DisplayID  int
	TerminalID int

	Settings Settings
	Auth     Authenticator
	Backend  DisplayBackend
	Listener Listener
	Greeter  Greeter

	// Pool runs credential checks. When nil the Display creates one with
	// MaxConcurrentLogins workers and shuts it down on exit.
	Pool                *workerpool.Pool
	MaxConcurrentLogins int

	// RestartDelay defaults to DefaultRestartDelay.
	RestartDelay time.Duration

	Health  *health.Monitor
	Metrics *metrics.Metrics
	// Audit records logins and session boundaries. May be nil.
	Audit   *audit.Logger
}

// Display owns one display slot. All state below the loop marker is only
// touched by the goroutine running Run; public methods hand work to it
// and wait for the result.
type Display struct {
	id      int
	vt      int
	name    string
	opts    Options
	log     *slog.Logger
	pool    *workerpool.Pool
	ownPool bool

	cmds     chan command
	results  chan checkResult
	ready    chan backendReady
	closing  chan struct{}
	loopDone chan struct{}

	runMu      sync.Mutex
	runStarted bool
	closed     bool
	closeOnce  sync.Once
	doneOnce   sync.Once

	// loop
	ctx           context.Context
	state         State
	started       bool
	authPath      string
	socket        string
	cookie        *secmem.SecureString
	relogin       bool
	sessionActive bool
	activeUser    string
	cycle         uint64
	restartTimer  *time.Timer
	restartGen    uint64

	// set while the display server of this cycle is starting
	startCancel  context.CancelFunc
	startDone    chan struct{}
	startWaiters []chan error
}

type command struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type checkResult struct {
	req   socketserver.Request
	cycle uint64
	err   error
}

type backendReady struct {
	cycle uint64
	err   error
}

// New validates opts and creates a Display. Call Run to start its event
// loop.
func New(opts Options) (*Display, error) {
	switch {
	case opts.Settings == nil:
		return nil, errors.New("display: settings required")
	case opts.Auth == nil:
		return nil, errors.New("display: authenticator required")
	case opts.Backend == nil:
		return nil, errors.New("display: display backend required")
	case opts.Listener == nil:
		return nil, errors.New("display: listener required")
	case opts.Greeter == nil:
		return nil, errors.New("display: greeter required")
	case opts.DisplayID < 0:
		return nil, fmt.Errorf("display: invalid display id %d", opts.DisplayID)
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.MaxConcurrentLogins <= 0 {
		opts.MaxConcurrentLogins = defaultMaxConcurrentLogins
	}

	name := fmt.Sprintf(":%d", opts.DisplayID)
	d := &Display{
		id:       opts.DisplayID,
		vt:       opts.TerminalID,
		name:     name,
		opts:     opts,
		log:      logging.WithDisplay(log, name, opts.TerminalID),
		pool:     opts.Pool,
		cmds:     make(chan command),
		results:  make(chan checkResult, loginQueueSize),
		ready:    make(chan backendReady, 1),
		closing:  make(chan struct{}),
		loopDone: make(chan struct{}),
		relogin:  true,
		ctx:      context.Background(),
	}
	if d.pool == nil {
		d.pool = workerpool.New(opts.MaxConcurrentLogins, loginQueueSize)
		d.ownPool = true
	}
	opts.Metrics.SetState(name, int(Stopped))
	return d, nil
}

func (d *Display) DisplayID() int { return d.id }
func (d *Display) TerminalID() int { return d.vt }
func (d *Display) Name() string { return d.name }

// Run is the event loop. It returns after a non-restarting stop once ctx
// is done or Close is called.
func (d *Display) Run(ctx context.Context) error {
	d.runMu.Lock()
	if d.closed {
		d.runMu.Unlock()
		return ErrClosed
	}
	if d.runStarted {
		d.runMu.Unlock()
		return ErrAlreadyRunning
	}
	d.runStarted = true
	d.runMu.Unlock()

	d.ctx = ctx
	defer d.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.closing:
			return nil

		case c := <-d.cmds:
			c.done <- c.fn(c.ctx)

		case req := <-d.opts.Listener.Requests():
			d.handleLogin(req)
		case res := <-d.results:
			d.handleCheckResult(res)
		case r := <-d.ready:
			d.onBackendReady(r)

		case ev := <-d.opts.Auth.Events():
			d.onSessionEnded(ev)
		case ev := <-d.opts.Backend.Events():
			d.onBackendExited(ev)
		case ev := <-d.opts.Greeter.Events():
			d.onGreeterExited(ev)
		}
	}
}

func (d *Display) shutdown() {
	d.stop(context.Background(), false, reasonShutdown)
	d.closeOnce.Do(func() { close(d.closing) })

	if d.ownPool {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		d.pool.Shutdown(ctx)
		cancel()
	}
	// Requests still queued or in flight get an answer.
	for {
		select {
		case res := <-d.results:
			res.req.Password.Zero()
			d.opts.Listener.LoginFailed(res.req.Conn)
		default:
			d.doneOnce.Do(func() { close(d.loopDone) })
			d.log.Info("display closed")
			return
		}
	}
}

// Close stops the display without restart and ends the event loop.
func (d *Display) Close(ctx context.Context) error {
	d.runMu.Lock()
	d.closed = true
	running := d.runStarted
	d.runMu.Unlock()

	d.closeOnce.Do(func() { close(d.closing) })
	if !running {
		d.doneOnce.Do(func() { close(d.loopDone) })
		if d.ownPool {
			d.pool.Shutdown(ctx)
		}
		return nil
	}

	select {
	case <-d.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start brings the display up and waits until the greeter or the
// autologin session runs. Starting a started display is a no-op. The loop
// keeps serving other calls while the display server gets ready; a Stop in
// that window aborts the start with ErrStartAborted.
func (d *Display) Start(ctx context.Context) error {
	var wait <-chan error
	err := d.do(ctx, func(context.Context) error {
		wait = d.start()
		return nil
	})
	if err != nil || wait == nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears the display down. With restart it starts again after the
// restart delay; without, any pending restart is cancelled. Stopping a
// stopped display is a no-op.
func (d *Display) Stop(ctx context.Context, restart bool) error {
	return d.do(ctx, func(ctx context.Context) error {
		d.stop(ctx, restart, reasonExplicit)
		return nil
	})
}

// Status returns a snapshot of the display.
func (d *Display) Status(ctx context.Context) (Status, error) {
	var st Status
	err := d.do(ctx, func(context.Context) error {
		st = Status{
			State:         d.state,
			Started:       d.started,
			Display:       d.name,
			AuthPath:      d.authPath,
			Socket:        d.socket,
			SessionActive: d.sessionActive,
			User:          d.activeUser,
			ReloginArmed:  d.relogin,
		}
		return nil
	})
	return st, err
}

// do runs fn on the event loop and waits for it to finish.
func (d *Display) do(ctx context.Context, fn func(context.Context) error) error {
	c := command{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case d.cmds <- c:
	case <-d.loopDone:
		return ErrClosed
	case <-d.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.done
}

func (d *Display) setState(s State) {
	if d.state == s {
		return
	}
	d.log.Debug("state change", "from", d.state.String(), "to", s.String())
	d.state = s
	d.opts.Metrics.SetState(d.name, int(s))
}

// start begins a cycle and returns a channel receiving its outcome, or
// nil when the display is already up. The display server is started off
// the loop; onBackendReady continues the cycle.
func (d *Display) start() <-chan error {
	if d.started {
		return nil
	}
	done := make(chan error, 1)
	d.startWaiters = append(d.startWaiters, done)
	if d.startCancel != nil {
		return done
	}

	d.cancelRestart()
	d.cycle++
	d.setState(Starting)

	if err := d.prepare(); err != nil {
		d.finishStart(err)
		return done
	}

	ctx, cancel := context.WithCancel(d.ctx)
	finished := make(chan struct{})
	d.startCancel = cancel
	d.startDone = finished

	cycle, name, authPath := d.cycle, d.name, d.authPath
	go func() {
		defer close(finished)
		err := d.opts.Backend.Start(ctx, name, authPath)
		d.ready <- backendReady{cycle: cycle, err: err}
	}()
	return done
}

// prepare generates the credentials of a cycle and writes the server
// authority file.
func (d *Display) prepare() error {
	suffix, err := credential.GenerateName(credential.NameLength)
	if err != nil {
		d.setState(Stopped)
		return err
	}
	socketSuffix, err := credential.GenerateName(credential.NameLength)
	if err != nil {
		d.setState(Stopped)
		return err
	}
	cookie, err := credential.GenerateCookie()
	if err != nil {
		d.setState(Stopped)
		return err
	}

	d.cookie = cookie
	d.authPath = filepath.Join(d.opts.Settings.AuthDir(), d.name+"-"+suffix)
	d.socket = "sddm-" + d.name + "-" + socketSuffix

	d.opts.Auth.SetDisplay(d.name, cookie)

	entry, err := xauth.CookieEntry(d.name, cookie)
	if err != nil {
		d.abortStart()
		return fmt.Errorf("display: authority entry: %w", err)
	}
	err = xauth.Write(d.authPath, entry)
	entry.Wipe()
	if err != nil {
		d.abortStart()
		return fmt.Errorf("display: write authority file: %w", err)
	}
	return nil
}

func (d *Display) onBackendReady(r backendReady) {
	if d.startCancel == nil || r.cycle != d.cycle {
		return
	}
	<-d.startDone
	d.startCancel()
	d.startCancel, d.startDone = nil, nil

	if r.err != nil {
		d.abortStart()
		d.finishStart(fmt.Errorf("display: start display server: %w", r.err))
		return
	}
	d.finishStart(d.bringUp(d.ctx))
}

// finishStart reports the outcome of a cycle to everyone waiting in Start.
func (d *Display) finishStart(err error) {
	d.opts.Metrics.DisplayStarted(d.name, err)
	if err != nil {
		d.log.Error("display start failed", logging.KeyError, err)
		d.setHealth(componentServer, health.Unhealthy, err.Error())
	}
	for _, w := range d.startWaiters {
		w <- err
	}
	d.startWaiters = nil
}

// abandonStart cancels a display server start that is still waiting for
// readiness. The loop waits for the start to return, which is bounded by
// the server's stop timeout.
func (d *Display) abandonStart(reason string) {
	d.startCancel()
	<-d.startDone
	d.startCancel, d.startDone = nil, nil
	select {
	case <-d.ready:
	default:
	}

	if err := d.opts.Backend.Stop(); err != nil {
		d.log.Warn("failed to stop display server", logging.KeyError, err)
	}
	d.abortStart()
	d.finishStart(fmt.Errorf("%w: %s", ErrStartAborted, reason))
}

// bringUp runs once the display server accepts connections: it starts the
// autologin session or the greeter.
func (d *Display) bringUp(ctx context.Context) error {
	settings := d.opts.Settings

	d.started = true
	d.setHealth(componentServer, health.Healthy, "")
	d.opts.Audit.Log(audit.EventDisplayStarted, d.name, "", map[string]any{"vt": d.vt})
	d.log.Info("display server started", "auth", d.authPath)

	autoUser, lastSession := settings.AutoUser(), settings.LastSession()
	if d.relogin && autoUser != "" && lastSession != "" {
		d.relogin = settings.AutoRelogin()
		err := d.opts.Auth.Start(ctx, autoUser, lastSession)
		if err == nil {
			d.sessionActive = true
			d.activeUser = autoUser
			d.opts.Metrics.SetSessionActive(d.name, true)
			d.setHealth(componentSession, health.Healthy, autoUser)
			d.setState(RunningAutologin)
			d.opts.Audit.Log(audit.EventSessionStarted, d.name, autoUser,
				map[string]any{"session": lastSession, "autologin": true})
			d.log.Info("autologin session started", logging.KeyUser, autoUser, logging.KeySession, lastSession)
			return nil
		}
		d.log.Warn("autologin failed, falling back to greeter", logging.KeyUser, autoUser,
			logging.KeySession, lastSession, logging.KeyError, err)
	}
	d.relogin = settings.AutoRelogin()

	if err := d.opts.Listener.Start(d.socket); err != nil {
		d.stop(ctx, false, reasonStartFailed)
		return fmt.Errorf("display: start socket server: %w", err)
	}

	theme := filepath.Join(settings.ThemesDir(), settings.CurrentTheme())
	err := d.opts.Greeter.Start(ctx, greeter.Params{
		Display:  d.name,
		AuthPath: d.authPath,
		Socket:   d.socket,
		Theme:    theme,
	})
	if err != nil {
		d.stop(ctx, false, reasonStartFailed)
		return fmt.Errorf("display: start greeter: %w", err)
	}

	d.setHealth(componentGreeter, health.Healthy, "")
	d.setState(RunningInteractive)
	d.log.Info("greeter started", "socket", d.socket, "theme", theme)
	return nil
}

// abortStart undoes a start that failed before the display server ran.
func (d *Display) abortStart() {
	if err := xauth.Remove(d.authPath); err != nil {
		d.log.Warn("failed to remove authority file", "path", d.authPath, logging.KeyError, err)
	}
	d.cookie.Zero()
	d.cookie = nil
	d.authPath = ""
	d.socket = ""
	d.drainEvents()
	d.setState(Stopped)
}

func (d *Display) stop(ctx context.Context, restart bool, reason string) {
	if !restart {
		d.cancelRestart()
	}
	if d.startCancel != nil {
		d.log.Info("aborting display start", "reason", reason, "restart", restart)
		d.abandonStart(reason)
		if restart {
			d.scheduleRestart()
		}
		return
	}
	if !d.started {
		return
	}
	d.setState(Stopping)
	d.log.Info("stopping display", "reason", reason, "restart", restart)

	if err := d.opts.Auth.Stop(); err != nil {
		d.log.Warn("failed to stop user session", logging.KeyError, err)
	}
	if d.sessionActive {
		d.opts.Audit.Log(audit.EventSessionEnded, d.name, d.activeUser, map[string]any{"reason": reason})
	}
	if err := d.opts.Greeter.Stop(); err != nil {
		d.log.Warn("failed to stop greeter", logging.KeyError, err)
	}
	if err := d.opts.Listener.Stop(); err != nil {
		d.log.Warn("failed to stop socket server", logging.KeyError, err)
	}
	if err := d.opts.Backend.Stop(); err != nil {
		d.log.Warn("failed to stop display server", logging.KeyError, err)
	}
	d.drainEvents()

	if err := xauth.Remove(d.authPath); err != nil {
		d.log.Warn("failed to remove authority file", "path", d.authPath, logging.KeyError, err)
	}
	d.cookie.Zero()
	d.cookie = nil
	d.started = false
	d.sessionActive = false
	d.activeUser = ""
	d.authPath = ""
	d.socket = ""

	d.opts.Metrics.SetSessionActive(d.name, false)
	d.opts.Metrics.DisplayStopped(d.name, reason)
	d.opts.Audit.Log(audit.EventDisplayStopped, d.name, "", map[string]any{"reason": reason, "restart": restart})
	d.removeHealth(componentGreeter)
	d.removeHealth(componentSession)
	d.setHealth(componentServer, health.Degraded, "stopped")
	d.setState(Stopped)

	if restart {
		d.scheduleRestart()
	}
}

// scheduleRestart posts a start onto the loop after the restart delay.
// The start never runs inline so the socket and authority file of the
// previous cycle are gone first.
func (d *Display) scheduleRestart() {
	d.cancelRestart()
	gen := d.restartGen
	delay := d.opts.RestartDelay
	d.log.Debug("restart scheduled", "delay", delay.String())

	d.restartTimer = time.AfterFunc(delay, func() {
		err := d.do(context.Background(), func(context.Context) error {
			if gen != d.restartGen {
				return nil
			}
			d.restartTimer = nil
			d.start()
			return nil
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			d.log.Error("restart not scheduled", logging.KeyError, err)
		}
	})
}

func (d *Display) cancelRestart() {
	d.restartGen++
	if d.restartTimer != nil {
		d.restartTimer.Stop()
		d.restartTimer = nil
	}
}

// drainEvents discards exits buffered by the children of the cycle being
// torn down. All of them are stopped by now, so nothing left on these
// channels belongs to the next cycle.
func (d *Display) drainEvents() {
	for _, ch := range []<-chan process.Exit{
		d.opts.Auth.Events(), d.opts.Greeter.Events(), d.opts.Backend.Events(),
	} {
	drain:
		for {
			select {
			case ev := <-ch:
				d.opts.Metrics.ChildExited(ev.Name)
				d.log.Debug("discarding exit of stopped child", "child", ev.Name, "code", ev.Code)
			default:
				break drain
			}
		}
	}
}

func (d *Display) onSessionEnded(ev process.Exit) {
	d.opts.Metrics.ChildExited(ev.Name)
	if !d.started {
		return
	}
	d.log.Info("user session ended", logging.KeyUser, d.activeUser, "code", ev.Code)
	d.stop(d.ctx, true, reasonSessionEnded)
}

func (d *Display) onBackendExited(ev process.Exit) {
	d.opts.Metrics.ChildExited(ev.Name)
	if !d.started {
		return
	}
	d.log.Error("display server exited", "code", ev.Code, "output", ev.Output)
	d.stop(d.ctx, true, reasonBackendExited)
	d.setHealth(componentServer, health.Unhealthy, fmt.Sprintf("exited with code %d", ev.Code))
}

func (d *Display) onGreeterExited(ev process.Exit) {
	d.opts.Metrics.ChildExited(ev.Name)
	if !d.started {
		return
	}
	if d.sessionActive {
		d.log.Debug("greeter exited after login", "code", ev.Code)
		d.removeHealth(componentGreeter)
		return
	}
	d.log.Warn("greeter exited without a login", "code", ev.Code, "output", ev.Output)
	d.stop(d.ctx, true, reasonGreeterExited)
}

func (d *Display) setHealth(component string, status health.Status, msg string) {
	if d.opts.Health != nil {
		d.opts.Health.Update(component, status, msg)
	}
}

func (d *Display) removeHealth(component string) {
	if d.opts.Health != nil {
		d.opts.Health.Remove(component)
	}
}
