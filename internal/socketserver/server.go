package socketserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/breeze-rmm/breeze-dm/internal/ipc"
	"github.com/breeze-rmm/breeze-dm/internal/logging"
	"github.com/breeze-rmm/breeze-dm/internal/metrics"
	"github.com/breeze-rmm/breeze-dm/internal/secmem"
)

var log = logging.L("socketserver")

const (
	// HandshakeTimeout is the deadline for the first message after connecting.
	HandshakeTimeout = 10 * time.Second

	// MaxConnections caps concurrent greeter connections.
	MaxConnections = 8

	// RateLimitAttempts is max connection attempts per UID per window.
	RateLimitAttempts = 10

	// RateLimitWindow is the sliding window for connection rate limiting.
	RateLimitWindow = 60 * time.Second

	// LoginBurst logins are accepted back to back on one connection, then
	// one per LoginInterval.
	LoginBurst    = 3
	LoginInterval = 2 * time.Second

	requestQueue = 16
)

// Request is a login request received from a greeter. Conn identifies the
// connection the reply must go to.
type Request struct {
	Conn     string
	User     string
	Password *secmem.SecureString
	Session  string
}

// Options configures a Server.
type Options struct {
	// Dir is where the socket is created.
	Dir string
	// Display is reported to greeters in the capabilities reply.
	Display string
	// Owner, when set, is applied to the socket file so an unprivileged
	// greeter can connect.
	Owner   *Owner
	Metrics *metrics.Metrics
}

// Owner is the uid and gid the socket file is chowned to.
type Owner struct {
	UID int
	GID int
}

// Server accepts greeter connections on a Unix socket and turns their
// login messages into Requests. Every Request gets exactly one reply via
// LoginSucceeded or LoginFailed.
type Server struct {
	opts        Options
	requests    chan Request
	rateLimiter *ipc.RateLimiter
	hostname    string

	mu       sync.Mutex
	listener net.Listener
	path     string
	quit     chan struct{}
	conns    map[string]*greeterConn
	wg       sync.WaitGroup
}

// New creates a Server. It does not listen until Start.
func New(opts Options) *Server {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	hostname, _ := os.Hostname()
	return &Server{
		opts:        opts,
		requests:    make(chan Request, requestQueue),
		rateLimiter: ipc.NewRateLimiter(RateLimitAttempts, RateLimitWindow),
		hostname:    hostname,
		conns:       make(map[string]*greeterConn),
	}
}

// Requests delivers login requests. The channel stays valid across
// Start/Stop cycles.
func (s *Server) Requests() <-chan Request {
	return s.requests
}

// Path returns the socket path while listening.
func (s *Server) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Start binds <Dir>/<name>, replacing a stale socket file.
func (s *Server) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyListening
	}
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("socketserver: invalid socket name %q", name)
	}

	path := filepath.Join(s.opts.Dir, name)
	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		return fmt.Errorf("socketserver: mkdir %s: %w", s.opts.Dir, err)
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("socketserver: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		ln.Close()
		os.Remove(path)
		return fmt.Errorf("socketserver: chmod %s: %w", path, err)
	}
	if o := s.opts.Owner; o != nil {
		if err := os.Chown(path, o.UID, o.GID); err != nil {
			ln.Close()
			os.Remove(path)
			return fmt.Errorf("socketserver: chown %s: %w", path, err)
		}
	}

	// Requests queued by a previous cycle refer to connections that no
	// longer exist.
	for drained := false; !drained; {
		select {
		case req := <-s.requests:
			req.Password.Zero()
		default:
			drained = true
		}
	}
	s.rateLimiter.Reset()

	s.listener = ln
	s.path = path
	s.quit = make(chan struct{})

	s.wg.Add(1)
	go s.acceptLoop(ln, s.quit)

	log.Info("greeter socket listening", "path", path)
	return nil
}

// Stop closes the listener and every connection, then removes the socket
// file. Stopping a server that is not listening is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln, path, quit := s.listener, s.path, s.quit
	if ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.listener = nil
	s.path = ""
	close(quit)
	conns := make([]*greeterConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ln.Close()
	for _, c := range conns {
		c.conn.Close()
	}
	s.wg.Wait()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove socket", "path", path, logging.KeyError, err)
	}
	log.Info("greeter socket closed", "path", path)
	return nil
}

// LoginSucceeded answers the pending login on conn.
func (s *Server) LoginSucceeded(conn string) error {
	return s.reply(conn, ipc.TypeLoginSucceeded)
}

// LoginFailed answers the pending login on conn.
func (s *Server) LoginFailed(conn string) error {
	return s.reply(conn, ipc.TypeLoginFailed)
}

func (s *Server) reply(id, msgType string) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	c := s.conns[id]
	s.mu.Unlock()
	if c == nil {
		return ErrUnknownConn
	}

	envID, ok := c.takePending()
	if !ok {
		return ErrUnknownConn
	}
	if err := c.conn.SendTyped(envID, msgType, nil); err != nil {
		return fmt.Errorf("socketserver: reply to %s: %w", id, err)
	}
	log.Debug("login reply sent", logging.KeyConn, id, "type", msgType)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, quit chan struct{}) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("accept error", logging.KeyError, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c, ok := s.admit(raw)
		if !ok {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(c, quit)
		}()
	}
}

// admit checks the peer and registers the connection.
func (s *Server) admit(raw net.Conn) (*greeterConn, bool) {
	creds, err := ipc.GetPeerCredentials(raw)
	if err != nil {
		log.Warn("peer credential check failed", logging.KeyError, err)
		s.opts.Metrics.GreeterConnected(metrics.ConnPeerError)
		raw.Close()
		return nil, false
	}

	if !s.rateLimiter.Allow(creds.IdentityKey()) {
		log.Warn("connection rate limited", "uid", creds.UID, logging.KeyPID, creds.PID)
		s.opts.Metrics.GreeterConnected(metrics.ConnRateLimited)
		raw.Close()
		return nil, false
	}

	c := &greeterConn{
		id:      uuid.NewString(),
		conn:    ipc.NewConn(raw),
		uid:     creds.UID,
		pid:     creds.PID,
		limiter: rate.NewLimiter(rate.Every(LoginInterval), LoginBurst),
	}

	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		raw.Close()
		return nil, false
	}
	if len(s.conns) >= MaxConnections {
		n := len(s.conns)
		s.mu.Unlock()
		log.Warn("max greeter connections exceeded", "uid", creds.UID, "count", n)
		s.opts.Metrics.GreeterConnected(metrics.ConnTooMany)
		raw.Close()
		return nil, false
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.opts.Metrics.GreeterConnected(metrics.ConnAccepted)
	log.Info("greeter connected", logging.KeyConn, c.id, "uid", creds.UID, logging.KeyPID, creds.PID,
		"binary", creds.BinaryPath)
	return c, true
}

func (s *Server) serve(c *greeterConn, quit chan struct{}) {
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.opts.Metrics.GreeterDisconnected()
		log.Info("greeter disconnected", logging.KeyConn, c.id, "uid", c.uid)
	}()

	c.conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	first := true

	for {
		env, err := c.conn.Recv()
		if err != nil {
			log.Debug("greeter recv loop ended", logging.KeyConn, c.id, logging.KeyError, err)
			return
		}
		if first {
			c.conn.SetReadDeadline(time.Time{})
			first = false
		}

		switch env.Type {
		case ipc.TypeHello:
			var hello ipc.Hello
			if err := env.Decode(&hello); err != nil {
				log.Warn("invalid hello", logging.KeyConn, c.id, logging.KeyError, err)
				return
			}
			if hello.ProtocolVersion != ipc.ProtocolVersion {
				log.Warn("greeter protocol mismatch", logging.KeyConn, c.id,
					"got", hello.ProtocolVersion, "want", ipc.ProtocolVersion)
			}
			c.conn.SendTyped(env.ID, ipc.TypeCapabilities, ipc.Capabilities{
				ProtocolVersion: ipc.ProtocolVersion,
				Hostname:        s.hostname,
				Display:         s.opts.Display,
			})

		case ipc.TypeLogin:
			if !s.handleLogin(c, env, quit) {
				return
			}

		case ipc.TypeDisconnect:
			log.Debug("greeter disconnecting", logging.KeyConn, c.id)
			return

		default:
			log.Warn("unexpected message from greeter", logging.KeyConn, c.id, "type", env.Type)
		}
	}
}

// handleLogin queues a login request. It returns false when the server is
// shutting down.
func (s *Server) handleLogin(c *greeterConn, env *ipc.Envelope, quit chan struct{}) bool {
	var login ipc.Login
	err := env.Decode(&login)
	password := secmem.NewSecureString(login.Password)
	login.Wipe()
	if err != nil {
		password.Zero()
		log.Warn("invalid login payload", logging.KeyConn, c.id, logging.KeyError, err)
		c.conn.SendError(env.ID, ipc.TypeLoginFailed, "malformed request")
		return true
	}

	if !c.limiter.Allow() {
		password.Zero()
		log.Warn("login throttled", logging.KeyConn, c.id, logging.KeyUser, login.User)
		s.opts.Metrics.Login(s.opts.Display, metrics.LoginThrottled)
		c.conn.SendError(env.ID, ipc.TypeLoginFailed, "too many attempts")
		return true
	}

	if !c.setPending(env.ID) {
		password.Zero()
		log.Warn("login already pending", logging.KeyConn, c.id, logging.KeyUser, login.User)
		c.conn.SendError(env.ID, ipc.TypeLoginFailed, "login already pending")
		return true
	}

	req := Request{Conn: c.id, User: login.User, Password: password, Session: login.Session}
	select {
	case s.requests <- req:
		log.Debug("login request queued", logging.KeyConn, c.id, logging.KeyUser, login.User,
			logging.KeySession, login.Session)
		return true
	case <-quit:
		password.Zero()
		return false
	}
}

type greeterConn struct {
	id      string
	conn    *ipc.Conn
	uid     uint32
	pid     int
	limiter *rate.Limiter

	mu        sync.Mutex
	pendingID string
	pending   bool
}

func (c *greeterConn) setPending(envID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return false
	}
	c.pending = true
	c.pendingID = envID
	return true
}

func (c *greeterConn) takePending() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending {
		return "", false
	}
	c.pending = false
	id := c.pendingID
	c.pendingID = ""
	return id, true
}
