package display

import (
	"errors"
	"time"

	"github.com/breeze-rmm/breeze-dm/internal/audit"
	"github.com/breeze-rmm/breeze-dm/internal/health"
	"github.com/breeze-rmm/breeze-dm/internal/logging"
	"github.com/breeze-rmm/breeze-dm/internal/metrics"
	"github.com/breeze-rmm/breeze-dm/internal/socketserver"
)

var (
	errEmptyField     = errors.New("display: empty user or session")
	errSessionRunning = errors.New("display: a session is already running")
	errStaleCycle     = errors.New("display: display restarted during check")
)

// handleLogin validates a greeter request on the loop and hands the
// password check to the pool. The reply is sent by handleCheckResult.
func (d *Display) handleLogin(req socketserver.Request) {
	l := d.log.With(logging.KeyConn, req.Conn, logging.KeyUser, req.User, logging.KeySession, req.Session)

	switch {
	case !d.started:
		d.reject(req, metrics.LoginRejected)
		l.Debug("login rejected, display not started")
		return
	case req.User == "" || req.Session == "":
		d.reject(req, metrics.LoginRejected)
		l.Info("login rejected", logging.KeyError, errEmptyField)
		return
	case d.sessionActive:
		d.reject(req, metrics.LoginRejected)
		l.Info("login rejected", logging.KeyError, errSessionRunning)
		return
	}

	cycle := d.cycle
	ok := d.pool.Submit(func() {
		start := time.Now()
		password := req.Password.Reveal()
		req.Password.Zero()
		err := d.opts.Auth.Authenticate(d.pool.Context(), req.User, password)
		d.opts.Metrics.ObserveCredentialCheck(time.Since(start))

		res := checkResult{req: req, cycle: cycle, err: err}
		select {
		case d.results <- res:
		case <-d.closing:
			_ = d.opts.Listener.LoginFailed(req.Conn)
		}
	})
	if !ok {
		l.Warn("login rejected, credential check queue full")
		d.reject(req, metrics.LoginThrottled)
		return
	}
	l.Debug("credential check queued")
}

func (d *Display) handleCheckResult(res checkResult) {
	req := res.req
	l := d.log.With(logging.KeyConn, req.Conn, logging.KeyUser, req.User, logging.KeySession, req.Session)

	err := res.err
	switch {
	case err != nil:
	case !d.started || res.cycle != d.cycle:
		err = errStaleCycle
	case d.sessionActive:
		err = errSessionRunning
	}
	if err != nil {
		l.Info("login failed", logging.KeyError, err)
		d.opts.Audit.Log(audit.EventLoginFailed, d.name, req.User, map[string]any{"session": req.Session})
		d.fail(req, metrics.LoginFailed)
		return
	}

	if err := d.opts.Auth.Start(d.ctx, req.User, req.Session); err != nil {
		l.Error("failed to start user session", logging.KeyError, err)
		d.opts.Audit.Log(audit.EventLoginFailed, d.name, req.User,
			map[string]any{"session": req.Session, "error": err.Error()})
		d.fail(req, metrics.LoginFailed)
		return
	}
	d.sessionActive = true
	d.activeUser = req.User
	d.opts.Metrics.SetSessionActive(d.name, true)
	d.setHealth(componentSession, health.Healthy, req.User)
	d.opts.Audit.Log(audit.EventLoginSucceeded, d.name, req.User, map[string]any{"session": req.Session})

	settings := d.opts.Settings
	settings.SetLastUser(req.User)
	settings.SetLastSession(req.Session)
	if err := settings.Save(); err != nil {
		l.Error("failed to persist last user", logging.KeyError, err)
		d.opts.Metrics.StateSaveFailed(d.name)
	}

	if err := d.opts.Listener.LoginSucceeded(req.Conn); err != nil {
		l.Warn("failed to notify greeter", logging.KeyError, err)
	}
	d.opts.Metrics.Login(d.name, metrics.LoginSucceeded)
	l.Info("login succeeded")
}

func (d *Display) reject(req socketserver.Request, result string) {
	req.Password.Zero()
	d.fail(req, result)
}

func (d *Display) fail(req socketserver.Request, result string) {
	if err := d.opts.Listener.LoginFailed(req.Conn); err != nil {
		d.log.Debug("failed to notify greeter", logging.KeyConn, req.Conn, logging.KeyError, err)
	}
	d.opts.Metrics.Login(d.name, result)
}
