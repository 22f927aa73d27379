package auth

import "errors"

var (
	// ErrAuthFailed covers every credential failure: unknown user, wrong
	// password, unreadable user database.
	ErrAuthFailed = errors.New("auth: authentication failed")
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("auth: a user session is already active")
	// ErrUnknownSession is returned for a session identifier with no
	// matching .desktop file.
	ErrUnknownSession = errors.New("auth: unknown session")
	// ErrNoDisplay is returned by Start before SetDisplay was called.
	ErrNoDisplay = errors.New("auth: no display set")
)
