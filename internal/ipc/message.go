package ipc

import "encoding/json"

// Message types exchanged between the daemon and a greeter.
const (
	TypeHello          = "hello"
	TypeCapabilities   = "capabilities"
	TypeLogin          = "login"
	TypeLoginSucceeded = "login_succeeded"
	TypeLoginFailed    = "login_failed"
	TypeDisconnect     = "disconnect"
)

// MaxMessageSize is the maximum size of a JSON IPC message (64KB). Login
// messages carry a user name, password and session identifier only.
const MaxMessageSize = 64 * 1024

// ProtocolVersion is the current greeter protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Hello is the first message a greeter sends after connecting.
type Hello struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Client          string `json:"client,omitempty"`
}

// Capabilities answers Hello.
type Capabilities struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Hostname        string `json:"hostname"`
	Display         string `json:"display,omitempty"`
}

// Login asks the daemon to authenticate User and start Session for them.
// It is answered by exactly one login_succeeded or login_failed envelope
// carrying the same ID.
type Login struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Session  string `json:"session"`
}

// Wipe clears the password field. The backing string memory cannot be
// overwritten, so callers should move it into secure memory first.
func (l *Login) Wipe() {
	l.Password = ""
}
