package socketserver

import "errors"

var (
	ErrUnknownConn      = errors.New("socketserver: unknown connection or no login pending")
	ErrNotRunning       = errors.New("socketserver: not running")
	ErrAlreadyListening = errors.New("socketserver: already listening")
)
