package socketserver

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/breeze-dm/internal/greeter"
	"github.com/breeze-rmm/breeze-dm/internal/ipc"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "bdm")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s := New(Options{Dir: dir, Display: ":0"})
	require.NoError(t, s.Start("sddm-:0-abcdef"))
	t.Cleanup(func() { s.Stop() })
	return s, filepath.Join(dir, "sddm-:0-abcdef")
}

func nextRequest(t *testing.T, s *Server) Request {
	t.Helper()
	select {
	case req := <-s.Requests():
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no login request")
		return Request{}
	}
}

func TestSocketFileMode(t *testing.T) {
	s, path := startServer(t)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0660), info.Mode().Perm())
	assert.Equal(t, path, s.Path())
}

func TestHelloReturnsCapabilities(t *testing.T) {
	_, path := startServer(t)
	c, err := greeter.Dial(path)
	require.NoError(t, err)
	defer c.Close()

	caps, err := c.Hello()
	require.NoError(t, err)
	assert.Equal(t, ipc.ProtocolVersion, caps.ProtocolVersion)
	assert.Equal(t, ":0", caps.Display)
}

func TestLoginExchange(t *testing.T) {
	s, path := startServer(t)
	c, err := greeter.Dial(path)
	require.NoError(t, err)
	defer c.Close()

	type result struct {
		ok  bool
		err error
	}
	results := make(chan result, 2)

	go func() {
		ok, err := c.Login("alice", "wrong", "plasma")
		results <- result{ok, err}
	}()
	req := nextRequest(t, s)
	assert.Equal(t, "alice", req.User)
	assert.Equal(t, "wrong", req.Password.Reveal())
	assert.Equal(t, "plasma", req.Session)
	require.NoError(t, s.LoginFailed(req.Conn))
	r := <-results
	require.NoError(t, r.err)
	assert.False(t, r.ok)

	// Exactly one reply per request.
	assert.ErrorIs(t, s.LoginFailed(req.Conn), ErrUnknownConn)

	go func() {
		ok, err := c.Login("alice", "secret", "plasma")
		results <- result{ok, err}
	}()
	req = nextRequest(t, s)
	require.NoError(t, s.LoginSucceeded(req.Conn))
	r = <-results
	require.NoError(t, r.err)
	assert.True(t, r.ok)
}

func TestSecondLoginWhilePendingRejected(t *testing.T) {
	s, path := startServer(t)
	raw, err := net.Dial("unix", path)
	require.NoError(t, err)
	conn := ipc.NewConn(raw)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.SendTyped("1", ipc.TypeLogin, ipc.Login{User: "alice", Password: "pw", Session: "xfce"}))
	req := nextRequest(t, s)

	require.NoError(t, conn.SendTyped("2", ipc.TypeLogin, ipc.Login{User: "bob", Password: "x", Session: "xfce"}))
	env, err := conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, "2", env.ID)
	assert.Equal(t, ipc.TypeLoginFailed, env.Type)
	assert.NotEmpty(t, env.Error)

	select {
	case extra := <-s.Requests():
		t.Fatalf("second login reached the orchestrator: %+v", extra)
	default:
	}

	require.NoError(t, s.LoginSucceeded(req.Conn))
	env, err = conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, "1", env.ID)
	assert.Equal(t, ipc.TypeLoginSucceeded, env.Type)
}

func TestThrottledLogins(t *testing.T) {
	s, path := startServer(t)
	c, err := greeter.Dial(path)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < LoginBurst; i++ {
		done := make(chan struct{})
		go func() {
			c.Login("alice", "pw", "xfce")
			close(done)
		}()
		req := nextRequest(t, s)
		require.NoError(t, s.LoginFailed(req.Conn))
		<-done
	}

	ok, err := c.Login("alice", "pw", "xfce")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, greeter.ErrRejected), "got %v", err)
}

func TestStopClosesConnectionsAndRemovesSocket(t *testing.T) {
	s, path := startServer(t)
	c, err := greeter.Dial(path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Hello()
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = c.Hello()
	assert.Error(t, err)
	assert.ErrorIs(t, s.LoginFailed("whatever"), ErrNotRunning)
}

func TestRestartAfterStop(t *testing.T) {
	s, _ := startServer(t)
	require.ErrorIs(t, s.Start("again"), ErrAlreadyListening)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start("sddm-:0-zzzzzz"))

	c, err := greeter.Dial(s.Path())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Hello()
	require.NoError(t, err)
}

func TestInvalidSocketName(t *testing.T) {
	s := New(Options{Dir: t.TempDir()})
	assert.Error(t, s.Start("../escape"))
	assert.Error(t, s.Start(""))
}
