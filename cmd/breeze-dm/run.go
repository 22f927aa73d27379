package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breeze-rmm/breeze-dm/internal/audit"
	"github.com/breeze-rmm/breeze-dm/internal/auth"
	"github.com/breeze-rmm/breeze-dm/internal/config"
	"github.com/breeze-rmm/breeze-dm/internal/display"
	"github.com/breeze-rmm/breeze-dm/internal/displayserver"
	"github.com/breeze-rmm/breeze-dm/internal/greeter"
	"github.com/breeze-rmm/breeze-dm/internal/health"
	"github.com/breeze-rmm/breeze-dm/internal/logging"
	"github.com/breeze-rmm/breeze-dm/internal/metrics"
	"github.com/breeze-rmm/breeze-dm/internal/secmem"
	"github.com/breeze-rmm/breeze-dm/internal/socketserver"
)

var log = logging.L("main")

const shutdownTimeout = 15 * time.Second

func runDaemon(displayID, vt int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFile, err := initLogging(cfg)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}
	defer secmem.Purge()

	log.Info("starting breeze-dm", "version", version, logging.KeyDisplay, displayID, logging.KeyVT, vt)

	store, err := config.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	mon := health.NewMonitor()

	var trail *audit.Logger
	if cfg.AuditFile != "" {
		trail, err = audit.NewLogger(cfg.AuditFile, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
		if err != nil {
			log.Warn("audit log disabled", logging.KeyError, err)
		}
		defer trail.Close()
	}

	owner, err := greeterOwner(cfg.GreeterUser)
	if err != nil {
		return err
	}

	stopTimeout := time.Duration(cfg.StopTimeoutSeconds) * time.Second
	name := fmt.Sprintf(":%d", displayID)

	d, err := display.New(display.Options{
		DisplayID:  displayID,
		TerminalID: vt,
		Settings:   store,
		Auth: auth.NewLocal(auth.Options{
			UsersFile:      cfg.UsersFile,
			SessionsDir:    cfg.SessionsDir,
			SessionWrapper: cfg.SessionWrapper,
			TerminalID:     vt,
			StopTimeout:    stopTimeout,
		}),
		Backend: displayserver.New(displayserver.Options{
			ServerPath:   cfg.ServerPath,
			ServerArgs:   cfg.ServerArgs,
			TerminalID:   vt,
			SocketDir:    cfg.X11SocketDir,
			LockDir:      cfg.X11LockDir,
			ReadyTimeout: time.Duration(cfg.ServerReadyTimeoutSeconds) * time.Second,
			StopTimeout:  stopTimeout,
		}),
		Listener: socketserver.New(socketserver.Options{
			Dir:     cfg.SocketDir,
			Display: name,
			Owner:   owner,
			Metrics: m,
		}),
		Greeter: greeter.New(greeter.Options{
			Path:        cfg.GreeterPath,
			SocketDir:   cfg.SocketDir,
			User:        cfg.GreeterUser,
			StopTimeout: stopTimeout,
		}),
		MaxConcurrentLogins: cfg.MaxConcurrentLogins,
		RestartDelay:        time.Duration(cfg.RestartDelayMs) * time.Millisecond,
		Health:              mon,
		Metrics:             m,
		Audit:               trail,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = serveMetrics(cfg.MetricsAddr, reg, mon)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	if err := d.Start(ctx); err != nil {
		cancel()
		<-runErr
		shutdownHTTP(srv)
		return fmt.Errorf("failed to start display %s: %w", name, err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if logFile != nil {
				if err := logFile.Reopen(); err != nil {
					log.Error("failed to reopen log file", logging.KeyError, err)
				} else {
					log.Info("log file reopened")
				}
			}
		case err := <-runErr:
			shutdownHTTP(srv)
			return err
		case <-ctx.Done():
			log.Info("shutting down")
			closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := d.Close(closeCtx)
			closeCancel()
			if err != nil {
				log.Warn("display did not close cleanly", logging.KeyError, err)
			}
			<-runErr
			shutdownHTTP(srv)
			return nil
		}
	}
}

// initLogging configures slog. With log_file set, output goes to stdout
// and the rotating file.
func initLogging(cfg *config.Config) (*logging.RotatingWriter, error) {
	var out io.Writer = os.Stdout
	var rw *logging.RotatingWriter
	if cfg.LogFile != "" {
		var err error
		rw, err = logging.NewRotatingWriter(cfg.LogFile, 10, 3)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = logging.Tee(os.Stdout, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return rw, nil
}

// greeterOwner resolves the account the greeter socket is handed to.
func greeterOwner(name string) (*socketserver.Owner, error) {
	if name == "" {
		return nil, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("greeter_user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("greeter_user %q: bad uid %q", name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("greeter_user %q: bad gid %q", name, u.Gid)
	}
	return &socketserver.Owner{UID: uid, GID: gid}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, mon *health.Monitor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", mon)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logging.KeyError, err)
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("metrics server shutdown", logging.KeyError, err)
	}
}
