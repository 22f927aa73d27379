package process

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while a previous child is alive.
	ErrAlreadyRunning = errors.New("process: already running")
	// ErrNoCommand is returned by Start when Spec.Path is empty.
	ErrNoCommand = errors.New("process: no command")
)
