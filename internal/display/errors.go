package display

import "errors"

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("display: closed")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("display: event loop already running")
	// ErrStartAborted is returned by a Start cut short by Stop or Close.
	ErrStartAborted = errors.New("display: start aborted")
)
