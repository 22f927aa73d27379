package greeter

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/breeze-dm/internal/ipc"
)

// DefaultReplyTimeout bounds how long the client waits for a reply. A
// login reply only arrives after the session has been started.
const DefaultReplyTimeout = 60 * time.Second

// ErrRejected is returned by Login when the daemon refused the request
// before authenticating it (throttled, already pending, malformed).
var ErrRejected = errors.New("greeter: login rejected")

// Client is the greeter side of the login socket.
type Client struct {
	conn         *ipc.Conn
	nextID       atomic.Uint64
	ReplyTimeout time.Duration
}

// Dial connects to the daemon's greeter socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("greeter: connect to %s: %w", path, err)
	}
	return &Client{conn: ipc.NewConn(conn), ReplyTimeout: DefaultReplyTimeout}, nil
}

// Hello announces the greeter and returns the daemon's capabilities.
func (c *Client) Hello() (ipc.Capabilities, error) {
	var caps ipc.Capabilities
	env, err := c.roundTrip(ipc.TypeHello, ipc.Hello{ProtocolVersion: ipc.ProtocolVersion, Client: "breeze-greeter"})
	if err != nil {
		return caps, err
	}
	if env.Type != ipc.TypeCapabilities {
		return caps, fmt.Errorf("greeter: expected %s, got %s", ipc.TypeCapabilities, env.Type)
	}
	if err := env.Decode(&caps); err != nil {
		return caps, err
	}
	return caps, nil
}

// Login submits credentials and waits for the verdict. It returns false
// with a nil error when authentication failed, and ErrRejected wrapped
// with the daemon's reason when the request was refused outright.
func (c *Client) Login(user, password, session string) (bool, error) {
	env, err := c.roundTrip(ipc.TypeLogin, ipc.Login{User: user, Password: password, Session: session})
	if err != nil {
		return false, err
	}
	switch env.Type {
	case ipc.TypeLoginSucceeded:
		return true, nil
	case ipc.TypeLoginFailed:
		if env.Error != "" {
			return false, fmt.Errorf("%w: %s", ErrRejected, env.Error)
		}
		return false, nil
	default:
		return false, fmt.Errorf("greeter: unexpected reply %s", env.Type)
	}
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.SendTyped(c.newID(), ipc.TypeDisconnect, nil)
	return c.conn.Close()
}

func (c *Client) roundTrip(msgType string, payload any) (*ipc.Envelope, error) {
	id := c.newID()
	if err := c.conn.SendTyped(id, msgType, payload); err != nil {
		return nil, err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.ReplyTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		env, err := c.conn.Recv()
		if err != nil {
			return nil, err
		}
		if env.ID == id {
			return env, nil
		}
	}
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}
