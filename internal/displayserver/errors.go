package displayserver

import "errors"

var (
	// ErrDisplayInUse is returned when the display's lock file belongs to
	// a live process.
	ErrDisplayInUse = errors.New("displayserver: display already in use")
	// ErrNotReady is returned when the server did not create its socket in
	// time or exited during startup.
	ErrNotReady = errors.New("displayserver: server not ready")
)
