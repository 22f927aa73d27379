package display

import (
	"context"
	"errors"
	"sync"

	"github.com/breeze-rmm/breeze-dm/internal/greeter"
	"github.com/breeze-rmm/breeze-dm/internal/process"
	"github.com/breeze-rmm/breeze-dm/internal/secmem"
	"github.com/breeze-rmm/breeze-dm/internal/socketserver"
)

var errBadPassword = errors.New("bad password")

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeAuth struct {
	rec       *recorder
	passwords map[string]string
	events    chan process.Exit

	mu        sync.Mutex
	gate      chan struct{}
	startErr  error
	display   string
	checks    int
	sessions  []string
	stopCalls int
}

func newFakeAuth(rec *recorder) *fakeAuth {
	return &fakeAuth{
		rec:       rec,
		passwords: map[string]string{"alice": "wonderland", "bob": "builder"},
		events:    make(chan process.Exit, 4),
	}
}

func (a *fakeAuth) SetDisplay(name string, cookie *secmem.SecureString) {
	a.mu.Lock()
	a.display = name
	a.mu.Unlock()
}

func (a *fakeAuth) Authenticate(ctx context.Context, user, password string) error {
	a.mu.Lock()
	a.checks++
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if want, ok := a.passwords[user]; !ok || want != password {
		return errBadPassword
	}
	return nil
}

func (a *fakeAuth) Start(ctx context.Context, user, session string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.sessions = append(a.sessions, user+"/"+session)
	return nil
}

func (a *fakeAuth) Stop() error {
	a.mu.Lock()
	a.stopCalls++
	a.mu.Unlock()
	a.rec.add("auth.stop")
	return nil
}

func (a *fakeAuth) Events() <-chan process.Exit { return a.events }

func (a *fakeAuth) checkCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checks
}

func (a *fakeAuth) startedSessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sessions...)
}

type fakeBackend struct {
	rec    *recorder
	events chan process.Exit

	mu       sync.Mutex
	startErr error
	gate     chan struct{}
	onStop   func()
	starts   int
	stops    int
	authPath string
}

func newFakeBackend(rec *recorder) *fakeBackend {
	return &fakeBackend{rec: rec, events: make(chan process.Exit, 4)}
}

func (b *fakeBackend) Start(ctx context.Context, display, authPath string) error {
	b.mu.Lock()
	if b.startErr != nil {
		b.mu.Unlock()
		return b.startErr
	}
	b.starts++
	b.authPath = authPath
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *fakeBackend) Stop() error {
	b.mu.Lock()
	b.stops++
	hook := b.onStop
	b.mu.Unlock()
	b.rec.add("backend.stop")
	if hook != nil {
		hook()
	}
	return nil
}

func (b *fakeBackend) setOnStop(fn func()) {
	b.mu.Lock()
	b.onStop = fn
	b.mu.Unlock()
}

func (b *fakeBackend) Events() <-chan process.Exit { return b.events }

func (b *fakeBackend) counts() (starts, stops int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.stops
}

type reply struct {
	conn string
	ok   bool
}

type fakeListener struct {
	rec      *recorder
	requests chan socketserver.Request
	replies  chan reply

	mu       sync.Mutex
	startErr error
	names    []string
}

func newFakeListener(rec *recorder) *fakeListener {
	return &fakeListener{
		rec:      rec,
		requests: make(chan socketserver.Request, 8),
		replies:  make(chan reply, 16),
	}
}

func (l *fakeListener) Start(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	l.names = append(l.names, name)
	return nil
}

func (l *fakeListener) Stop() error {
	l.rec.add("listener.stop")
	return nil
}

func (l *fakeListener) Requests() <-chan socketserver.Request { return l.requests }

func (l *fakeListener) LoginSucceeded(conn string) error {
	l.replies <- reply{conn: conn, ok: true}
	return nil
}

func (l *fakeListener) LoginFailed(conn string) error {
	l.replies <- reply{conn: conn, ok: false}
	return nil
}

func (l *fakeListener) started() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (l *fakeListener) send(conn, user, password, session string) {
	l.requests <- socketserver.Request{
		Conn:     conn,
		User:     user,
		Password: secmem.NewSecureString(password),
		Session:  session,
	}
}

type fakeGreeter struct {
	rec    *recorder
	events chan process.Exit

	mu       sync.Mutex
	startErr error
	params   []greeter.Params
}

func newFakeGreeter(rec *recorder) *fakeGreeter {
	return &fakeGreeter{rec: rec, events: make(chan process.Exit, 4)}
}

func (g *fakeGreeter) Start(ctx context.Context, p greeter.Params) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startErr != nil {
		return g.startErr
	}
	g.params = append(g.params, p)
	return nil
}

func (g *fakeGreeter) Stop() error {
	g.rec.add("greeter.stop")
	return nil
}

func (g *fakeGreeter) Events() <-chan process.Exit { return g.events }

func (g *fakeGreeter) started() []greeter.Params {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]greeter.Params(nil), g.params...)
}

type fakeSettings struct {
	authDir   string
	themesDir string

	mu          sync.Mutex
	theme       string
	autoUser    string
	autoRelogin bool
	lastUser    string
	lastSession string
	saveErr     error
	saves       int
}

func (s *fakeSettings) AuthDir() string   { return s.authDir }
func (s *fakeSettings) ThemesDir() string { return s.themesDir }

func (s *fakeSettings) CurrentTheme() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.theme
}

func (s *fakeSettings) AutoUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoUser
}

func (s *fakeSettings) AutoRelogin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRelogin
}

func (s *fakeSettings) LastUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUser
}

func (s *fakeSettings) LastSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSession
}

func (s *fakeSettings) SetLastUser(user string) {
	s.mu.Lock()
	s.lastUser = user
	s.mu.Unlock()
}

func (s *fakeSettings) SetLastSession(session string) {
	s.mu.Lock()
	s.lastSession = session
	s.mu.Unlock()
}

func (s *fakeSettings) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return s.saveErr
}

func (s *fakeSettings) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
