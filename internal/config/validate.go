package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Out-of-range timeouts and limits are clamped to safe values. Other
// validation errors are logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	for key, p := range map[string]string{
		"auth_dir":       c.AuthDir,
		"socket_dir":     c.SocketDir,
		"x11_socket_dir": c.X11SocketDir,
		"x11_lock_dir":   c.X11LockDir,
	} {
		if p == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", key))
		} else if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute path", key, p))
		}
	}

	if c.AuditFile != "" && !filepath.IsAbs(c.AuditFile) {
		errs = append(errs, fmt.Errorf("audit_file %q is not an absolute path, disabling audit log", c.AuditFile))
		c.AuditFile = ""
	}

	if c.ServerPath == "" {
		errs = append(errs, fmt.Errorf("server_path must not be empty"))
	}
	if c.GreeterPath == "" {
		errs = append(errs, fmt.Errorf("greeter_path must not be empty"))
	}

	if strings.ContainsAny(c.CurrentTheme, "/\x00") {
		errs = append(errs, fmt.Errorf("current_theme %q must be a plain directory name, resetting", c.CurrentTheme))
		c.CurrentTheme = Default().CurrentTheme
	}

	if c.AutoUser != "" {
		for _, r := range c.AutoUser {
			if unicode.IsControl(r) || unicode.IsSpace(r) {
				errs = append(errs, fmt.Errorf("auto_user contains whitespace or control characters, disabling autologin"))
				c.AutoUser = ""
				break
			}
		}
	}

	c.ServerReadyTimeoutSeconds = clamp(&errs, "server_ready_timeout_seconds", c.ServerReadyTimeoutSeconds, 1, 120)
	c.StopTimeoutSeconds = clamp(&errs, "stop_timeout_seconds", c.StopTimeoutSeconds, 1, 60)
	c.RestartDelayMs = clamp(&errs, "restart_delay_ms", c.RestartDelayMs, 1, 60000)
	c.MaxConcurrentLogins = clamp(&errs, "max_concurrent_logins", c.MaxConcurrentLogins, 1, 64)
	c.AuditMaxSizeMB = clamp(&errs, "audit_max_size_mb", c.AuditMaxSizeMB, 1, 1024)
	c.AuditMaxBackups = clamp(&errs, "audit_max_backups", c.AuditMaxBackups, 1, 20)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}

func clamp(errs *[]error, key string, v, lo, hi int) int {
	if v < lo {
		*errs = append(*errs, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		*errs = append(*errs, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
