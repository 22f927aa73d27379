package display

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/breeze-dm/internal/audit"
	"github.com/breeze-rmm/breeze-dm/internal/health"
	"github.com/breeze-rmm/breeze-dm/internal/metrics"
	"github.com/breeze-rmm/breeze-dm/internal/process"
	"github.com/breeze-rmm/breeze-dm/internal/xauth"
)

const waitFor = 2 * time.Second

var (
	authNameRe   = regexp.MustCompile(`^:0-[a-zA-Z]{6}$`)
	socketNameRe = regexp.MustCompile(`^sddm-:0-[a-zA-Z]{6}$`)
)

type harness struct {
	t        *testing.T
	d        *Display
	rec      *recorder
	auth     *fakeAuth
	backend  *fakeBackend
	listener *fakeListener
	greeter  *fakeGreeter
	settings *fakeSettings
	health   *health.Monitor
}

func newHarness(t *testing.T, configure func(h *harness, opts *Options)) *harness {
	t.Helper()

	rec := &recorder{}
	h := &harness{
		t:        t,
		rec:      rec,
		auth:     newFakeAuth(rec),
		backend:  newFakeBackend(rec),
		listener: newFakeListener(rec),
		greeter:  newFakeGreeter(rec),
		settings: &fakeSettings{
			authDir:   t.TempDir(),
			themesDir: "/usr/share/breeze-dm/themes",
			theme:     "maui",
		},
		health: health.NewMonitor(),
	}
	opts := Options{
		DisplayID:  0,
		TerminalID: 7,
		Settings:   h.settings,
		Auth:       h.auth,
		Backend:    h.backend,
		Listener:   h.listener,
		Greeter:    h.greeter,
		Health:     h.health,
		Metrics:    metrics.New(prometheus.NewRegistry()),
	}
	if configure != nil {
		configure(h, &opts)
	}

	d, err := New(opts)
	require.NoError(t, err)
	h.d = d

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), waitFor)
		defer closeCancel()
		_ = d.Close(closeCtx)
		cancel()
		select {
		case <-runDone:
		case <-time.After(waitFor):
			t.Error("Run did not return")
		}
	})
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) start() Status {
	h.t.Helper()
	require.NoError(h.t, h.d.Start(h.ctx()))
	return h.status()
}

func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.d.Status(h.ctx())
	require.NoError(h.t, err)
	return st
}

func (h *harness) reply() reply {
	h.t.Helper()
	select {
	case r := <-h.listener.replies:
		return r
	case <-time.After(waitFor):
		h.t.Fatal("no reply sent to greeter")
		return reply{}
	}
}

func (h *harness) noReply() {
	h.t.Helper()
	select {
	case r := <-h.listener.replies:
		h.t.Fatalf("unexpected extra reply %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) login(user, password, session string) reply {
	h.t.Helper()
	h.listener.send("conn-1", user, password, session)
	return h.reply()
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{
		DisplayID: -1,
		Settings:  &fakeSettings{},
		Auth:      newFakeAuth(&recorder{}),
		Backend:   newFakeBackend(&recorder{}),
		Listener:  newFakeListener(&recorder{}),
		Greeter:   newFakeGreeter(&recorder{}),
	})
	require.Error(t, err)
}

func TestNameAndIDs(t *testing.T) {
	h := newHarness(t, func(_ *harness, opts *Options) { opts.DisplayID = 3 })
	assert.Equal(t, ":3", h.d.Name())
	assert.Equal(t, 3, h.d.DisplayID())
	assert.Equal(t, 7, h.d.TerminalID())
}

func TestStartInteractive(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start()

	assert.True(t, st.Started)
	assert.Equal(t, RunningInteractive, st.State)
	assert.Equal(t, ":0", st.Display)
	assert.Equal(t, h.settings.authDir, filepath.Dir(st.AuthPath))
	assert.Regexp(t, authNameRe, filepath.Base(st.AuthPath))
	assert.Regexp(t, socketNameRe, st.Socket)
	assert.False(t, st.ReloginArmed)

	entries, err := xauth.Read(st.AuthPath)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Equal(t, []string{st.Socket}, h.listener.started())
	params := h.greeter.started()
	require.Len(t, params, 1)
	assert.Equal(t, ":0", params[0].Display)
	assert.Equal(t, st.AuthPath, params[0].AuthPath)
	assert.Equal(t, st.Socket, params[0].Socket)
	assert.Equal(t, "/usr/share/breeze-dm/themes/maui", params[0].Theme)

	check, ok := h.health.Get(componentServer)
	require.True(t, ok)
	assert.Equal(t, health.Healthy, check.Status)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()
	second := h.start()

	assert.Equal(t, first.AuthPath, second.AuthPath)
	starts, _ := h.backend.counts()
	assert.Equal(t, 1, starts)
	assert.Len(t, h.greeter.started(), 1)
}

func TestStopNeverStartedIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.d.Stop(h.ctx(), false))
	require.NoError(t, h.d.Stop(h.ctx(), true))

	_, stops := h.backend.counts()
	assert.Zero(t, stops)
	assert.Empty(t, h.rec.list())
	assert.Equal(t, Stopped, h.status().State)
}

func TestStopTearsDownInOrder(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start()
	require.FileExists(t, st.AuthPath)

	require.NoError(t, h.d.Stop(h.ctx(), false))

	assert.Equal(t, []string{"auth.stop", "greeter.stop", "listener.stop", "backend.stop"}, h.rec.list())
	assert.NoFileExists(t, st.AuthPath)

	after := h.status()
	assert.False(t, after.Started)
	assert.Equal(t, Stopped, after.State)
	assert.Empty(t, after.AuthPath)
	assert.Empty(t, after.Socket)

	_, ok := h.health.Get(componentGreeter)
	assert.False(t, ok)
}

func TestFreshCredentialsEachCycle(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()
	require.NoError(t, h.d.Stop(h.ctx(), false))
	second := h.start()

	assert.NotEqual(t, first.AuthPath, second.AuthPath)
	assert.NotEqual(t, first.Socket, second.Socket)
	assert.Regexp(t, authNameRe, filepath.Base(second.AuthPath))
	assert.Regexp(t, socketNameRe, second.Socket)
	assert.NoFileExists(t, first.AuthPath)
	assert.FileExists(t, second.AuthPath)
}

func TestStopWithRestartStartsAgain(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()

	require.NoError(t, h.d.Stop(h.ctx(), true))

	require.Eventually(t, func() bool {
		st := h.status()
		return st.Started && st.AuthPath != first.AuthPath
	}, waitFor, 5*time.Millisecond)

	starts, _ := h.backend.counts()
	assert.Equal(t, 2, starts)
	assert.NoFileExists(t, first.AuthPath)
}

func TestStopWithoutRestartCancelsPendingRestart(t *testing.T) {
	h := newHarness(t, func(_ *harness, opts *Options) {
		opts.RestartDelay = 150 * time.Millisecond
	})
	h.start()

	require.NoError(t, h.d.Stop(h.ctx(), true))
	require.NoError(t, h.d.Stop(h.ctx(), false))

	time.Sleep(300 * time.Millisecond)
	assert.False(t, h.status().Started)
	starts, _ := h.backend.counts()
	assert.Equal(t, 1, starts)
}

func TestWrongPasswordFails(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	r := h.login("alice", "nope", "plasma")
	assert.Equal(t, reply{conn: "conn-1", ok: false}, r)
	h.noReply()

	assert.Zero(t, h.settings.saveCount())
	assert.Empty(t, h.auth.startedSessions())
	assert.False(t, h.status().SessionActive)
}

func TestCorrectPasswordStartsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	r := h.login("alice", "wonderland", "plasma")
	assert.Equal(t, reply{conn: "conn-1", ok: true}, r)
	h.noReply()

	assert.Equal(t, []string{"alice/plasma"}, h.auth.startedSessions())
	assert.Equal(t, "alice", h.settings.LastUser())
	assert.Equal(t, "plasma", h.settings.LastSession())
	assert.Equal(t, 1, h.settings.saveCount())

	st := h.status()
	assert.True(t, st.SessionActive)
	assert.Equal(t, "alice", st.User)
}

func TestEmptyFieldsRejectedWithoutCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	assert.False(t, h.login("", "wonderland", "plasma").ok)
	assert.False(t, h.login("alice", "wonderland", "").ok)
	assert.Zero(t, h.auth.checkCount())
}

func TestLoginWhileStoppedRejected(t *testing.T) {
	h := newHarness(t, nil)

	assert.False(t, h.login("alice", "wonderland", "plasma").ok)
	assert.Zero(t, h.auth.checkCount())
}

func TestLoginWhileSessionActiveRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	require.True(t, h.login("alice", "wonderland", "plasma").ok)

	assert.False(t, h.login("bob", "builder", "gnome").ok)
	assert.Equal(t, []string{"alice/plasma"}, h.auth.startedSessions())
}

func TestConcurrentSuccessesStartOneSession(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness, _ *Options) { h.auth.gate = gate })
	h.start()

	h.listener.send("conn-a", "alice", "wonderland", "plasma")
	h.listener.send("conn-b", "bob", "builder", "gnome")
	require.Eventually(t, func() bool { return h.auth.checkCount() == 2 }, waitFor, 5*time.Millisecond)
	close(gate)

	got := map[bool]int{}
	for i := 0; i < 2; i++ {
		got[h.reply().ok]++
	}
	assert.Equal(t, map[bool]int{true: 1, false: 1}, got)
	assert.Len(t, h.auth.startedSessions(), 1)
	assert.Equal(t, 1, h.settings.saveCount())
}

func TestSaveFailureStillReportsSuccess(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newHarness(t, func(h *harness, opts *Options) {
		h.settings.saveErr = errors.New("read-only filesystem")
		opts.Metrics = m
	})
	h.start()

	assert.True(t, h.login("alice", "wonderland", "plasma").ok)
	assert.True(t, h.status().SessionActive)
	assert.Equal(t, 1, h.settings.saveCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateSaveFailures.WithLabelValues(":0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginAttempts.WithLabelValues(":0", metrics.LoginSucceeded)))
}

func TestSessionStartFailureReportsFailure(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.auth.startErr = errors.New("exec failed")
	})
	h.start()

	assert.False(t, h.login("alice", "wonderland", "plasma").ok)
	assert.False(t, h.status().SessionActive)
	assert.Zero(t, h.settings.saveCount())
}

func TestSessionEndRestartsDisplay(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()
	require.True(t, h.login("alice", "wonderland", "plasma").ok)

	h.auth.events <- process.Exit{Name: "session", Code: 0}

	require.Eventually(t, func() bool {
		st := h.status()
		return st.Started && st.AuthPath != first.AuthPath && !st.SessionActive
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, RunningInteractive, h.status().State)
	assert.NoFileExists(t, first.AuthPath)
}

func TestBackendExitRestartsDisplay(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()

	h.backend.events <- process.Exit{Name: "xserver", Code: 1}

	require.Eventually(t, func() bool {
		st := h.status()
		return st.Started && st.AuthPath != first.AuthPath
	}, waitFor, 5*time.Millisecond)
}

func TestGreeterExitWithoutSessionRestarts(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()

	h.greeter.events <- process.Exit{Name: "greeter", Code: 1}

	require.Eventually(t, func() bool {
		st := h.status()
		return st.Started && st.AuthPath != first.AuthPath
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, h.greeter.started(), 2)
}

func TestGreeterExitAfterLoginIgnored(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()
	require.True(t, h.login("alice", "wonderland", "plasma").ok)

	h.greeter.events <- process.Exit{Name: "greeter", Code: 0}

	require.Never(t, func() bool {
		st := h.status()
		return !st.SessionActive || st.AuthPath != first.AuthPath
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestEventsWhileStoppedIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.backend.events <- process.Exit{Name: "xserver", Code: 1}

	require.Never(t, func() bool { return h.status().Started }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestStartFailureDoesNotRestart(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.backend.startErr = errors.New("no such binary")
	})

	err := h.d.Start(h.ctx())
	require.Error(t, err)

	st := h.status()
	assert.False(t, st.Started)
	assert.Equal(t, Stopped, st.State)

	files, err := os.ReadDir(h.settings.authDir)
	require.NoError(t, err)
	assert.Empty(t, files)

	check, ok := h.health.Get(componentServer)
	require.True(t, ok)
	assert.Equal(t, health.Unhealthy, check.Status)
}

func TestGreeterStartFailureTearsDown(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.greeter.startErr = errors.New("greeter missing")
	})

	require.Error(t, h.d.Start(h.ctx()))

	st := h.status()
	assert.False(t, st.Started)
	_, stops := h.backend.counts()
	assert.Equal(t, 1, stops)

	files, err := os.ReadDir(h.settings.authDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLoopServesCallsWhileServerStarting(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness, _ *Options) { h.backend.gate = gate })

	started := make(chan error, 1)
	go func() { started <- h.d.Start(context.Background()) }()

	require.Eventually(t, func() bool { return h.status().State == Starting }, waitFor, 5*time.Millisecond)
	assert.False(t, h.status().Started)
	assert.False(t, h.login("alice", "wonderland", "plasma").ok)
	assert.Zero(t, h.auth.checkCount())

	close(gate)
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	st := h.status()
	assert.True(t, st.Started)
	assert.Equal(t, RunningInteractive, st.State)
	assert.Len(t, h.greeter.started(), 1)
}

func TestStopWhileServerStartingAbortsStart(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) { h.backend.gate = make(chan struct{}) })

	started := make(chan error, 1)
	go func() { started <- h.d.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.status().State == Starting }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.d.Stop(h.ctx(), false))

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrStartAborted)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}

	st := h.status()
	assert.False(t, st.Started)
	assert.Equal(t, Stopped, st.State)
	assert.Empty(t, st.AuthPath)
	_, stops := h.backend.counts()
	assert.Equal(t, 1, stops)
	assert.Empty(t, h.greeter.started())

	files, err := os.ReadDir(h.settings.authDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStaleSessionExitDoesNotStopNextCycle(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start()
	require.True(t, h.login("alice", "wonderland", "plasma").ok)

	// The session dies on its own while the server exit is being handled.
	h.backend.setOnStop(func() {
		h.auth.events <- process.Exit{Name: "session"}
	})
	h.backend.events <- process.Exit{Name: "xserver", Code: 1}

	var second Status
	require.Eventually(t, func() bool {
		second = h.status()
		return second.Started && second.AuthPath != first.AuthPath
	}, waitFor, 5*time.Millisecond)
	h.backend.setOnStop(nil)

	require.Never(t, func() bool {
		return h.status().AuthPath != second.AuthPath
	}, 100*time.Millisecond, 10*time.Millisecond)
	starts, stops := h.backend.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
}

func TestAutologinStartsSessionWithoutGreeter(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.settings.autoUser = "alice"
		h.settings.lastSession = "plasma"
	})
	st := h.start()

	assert.Equal(t, RunningAutologin, st.State)
	assert.True(t, st.SessionActive)
	assert.False(t, st.ReloginArmed)
	assert.Equal(t, []string{"alice/plasma"}, h.auth.startedSessions())
	assert.Empty(t, h.listener.started())
	assert.Empty(t, h.greeter.started())

	// Relogin is disarmed, so the next cycle shows the greeter.
	h.auth.events <- process.Exit{Name: "session"}
	require.Eventually(t, func() bool {
		return h.status().State == RunningInteractive
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, h.auth.startedSessions(), 1)
}

func TestAutologinRelogin(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.settings.autoUser = "alice"
		h.settings.lastSession = "plasma"
		h.settings.autoRelogin = true
	})
	st := h.start()
	assert.True(t, st.ReloginArmed)

	h.auth.events <- process.Exit{Name: "session"}
	require.Eventually(t, func() bool {
		return len(h.auth.startedSessions()) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.greeter.started())
}

func TestAutologinNeedsLastSession(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.settings.autoUser = "alice"
	})
	st := h.start()

	assert.Equal(t, RunningInteractive, st.State)
	assert.Empty(t, h.auth.startedSessions())
}

func TestAutologinFailureFallsBackToGreeter(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.settings.autoUser = "alice"
		h.settings.lastSession = "plasma"
		h.auth.startErr = errors.New("no such session")
	})
	st := h.start()

	assert.True(t, st.Started)
	assert.Equal(t, RunningInteractive, st.State)
	assert.False(t, st.SessionActive)
	assert.Len(t, h.greeter.started(), 1)
}

func TestCloseStopsAndRejectsFurtherCalls(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start()

	require.NoError(t, h.d.Close(h.ctx()))

	assert.NoFileExists(t, st.AuthPath)
	assert.ErrorIs(t, h.d.Start(h.ctx()), ErrClosed)
	_, err := h.d.Status(h.ctx())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.d.Run(context.Background()), ErrClosed)
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	assert.ErrorIs(t, h.d.Run(context.Background()), ErrAlreadyRunning)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "running-interactive", RunningInteractive.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestAuditTrail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	trail, err := audit.NewLogger(path, 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	h := newHarness(t, func(_ *harness, opts *Options) { opts.Audit = trail })
	h.start()
	require.False(t, h.login("bob", "wrong", "gnome").ok)
	require.True(t, h.login("alice", "wonderland", "plasma").ok)
	require.NoError(t, h.d.Stop(h.ctx(), false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var events []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e audit.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e.EventType+":"+e.User)
	}
	assert.Equal(t, []string{
		audit.EventDisplayStarted + ":",
		audit.EventLoginFailed + ":bob",
		audit.EventLoginSucceeded + ":alice",
		audit.EventSessionEnded + ":alice",
		audit.EventDisplayStopped + ":",
	}, events)

	n, err := audit.Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestCheckFinishingAfterRestartRejected(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(h *harness, _ *Options) { h.auth.gate = gate })
	h.start()

	h.listener.send("conn-1", "alice", "wonderland", "plasma")
	require.Eventually(t, func() bool { return h.auth.checkCount() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.d.Stop(h.ctx(), false))
	h.start()
	close(gate)

	assert.False(t, h.reply().ok)
	assert.Empty(t, h.auth.startedSessions())
	assert.False(t, h.status().SessionActive)
}
