package display

import (
	"context"

	"github.com/breeze-rmm/breeze-dm/internal/greeter"
	"github.com/breeze-rmm/breeze-dm/internal/process"
	"github.com/breeze-rmm/breeze-dm/internal/secmem"
	"github.com/breeze-rmm/breeze-dm/internal/socketserver"
)

// Authenticator checks credentials and runs the user session.
type Authenticator interface {
	// SetDisplay tells the authenticator which display and cookie the next
	// session should use. The cookie stays owned by the Display.
	SetDisplay(name string, cookie *secmem.SecureString)
	// Authenticate must be safe for concurrent use.
	Authenticate(ctx context.Context, user, password string) error
	Start(ctx context.Context, user, session string) error
	Stop() error
	// Events reports sessions that ended on their own.
	Events() <-chan process.Exit
}

// DisplayBackend runs the display server.
type DisplayBackend interface {
	// Start returns once the server accepts connections. It is called off
	// the event loop and must give up when ctx is done.
	Start(ctx context.Context, display, authPath string) error
	Stop() error
	Events() <-chan process.Exit
}

// Listener receives login requests from greeters.
type Listener interface {
	Start(name string) error
	Stop() error
	Requests() <-chan socketserver.Request
	LoginSucceeded(conn string) error
	LoginFailed(conn string) error
}

// Greeter runs the login UI.
type Greeter interface {
	Start(ctx context.Context, p greeter.Params) error
	Stop() error
	Events() <-chan process.Exit
}

// Settings is the shared daemon configuration.
type Settings interface {
	AuthDir() string
	ThemesDir() string
	CurrentTheme() string
	AutoUser() string
	AutoRelogin() bool
	LastUser() string
	LastSession() string
	SetLastUser(user string)
	SetLastSession(session string)
	Save() error
}
