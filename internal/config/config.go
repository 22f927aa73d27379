package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigDir holds breeze-dm.yaml and the user database.
	DefaultConfigDir = "/etc/breeze-dm"

	configName = "breeze-dm"
	envPrefix  = "BREEZE_DM"
)

// Config is the daemon configuration read from breeze-dm.yaml and
// BREEZE_DM_* environment variables.
type Config struct {
	AuthDir      string `mapstructure:"auth_dir"`
	SocketDir    string `mapstructure:"socket_dir"`
	ThemesDir    string `mapstructure:"themes_dir"`
	CurrentTheme string `mapstructure:"current_theme"`
	AutoUser     string `mapstructure:"auto_user"`
	AutoRelogin  bool   `mapstructure:"auto_relogin"`
	StateFile    string `mapstructure:"state_file"`

	UsersFile      string `mapstructure:"users_file"`
	SessionsDir    string `mapstructure:"sessions_dir"`
	SessionWrapper string `mapstructure:"session_wrapper"`

	ServerPath                string   `mapstructure:"server_path"`
	ServerArgs                []string `mapstructure:"server_args"`
	X11SocketDir              string   `mapstructure:"x11_socket_dir"`
	X11LockDir                string   `mapstructure:"x11_lock_dir"`
	ServerReadyTimeoutSeconds int      `mapstructure:"server_ready_timeout_seconds"`

	GreeterPath string `mapstructure:"greeter_path"`
	GreeterUser string `mapstructure:"greeter_user"`

	StopTimeoutSeconds  int `mapstructure:"stop_timeout_seconds"`
	RestartDelayMs      int `mapstructure:"restart_delay_ms"`
	MaxConcurrentLogins int `mapstructure:"max_concurrent_logins"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	AuditFile       string `mapstructure:"audit_file"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`

	// Testing writes authority files to the working directory so the
	// daemon can run unprivileged.
	Testing bool `mapstructure:"testing"`
}

// Default returns the configuration used for unset keys.
func Default() *Config {
	return &Config{
		AuthDir:                   "/var/run/breeze-dm",
		SocketDir:                 "/tmp",
		ThemesDir:                 "/usr/share/breeze-dm/themes",
		CurrentTheme:              "maui",
		StateFile:                 "/var/lib/breeze-dm/state.yaml",
		UsersFile:                 filepath.Join(DefaultConfigDir, "users.yaml"),
		SessionsDir:               "/usr/share/xsessions",
		ServerPath:                "/usr/bin/X",
		X11SocketDir:              "/tmp/.X11-unix",
		X11LockDir:                "/tmp",
		ServerReadyTimeoutSeconds: 10,
		GreeterPath:               "/usr/local/bin/breeze-greeter",
		StopTimeoutSeconds:        5,
		RestartDelayMs:            1,
		MaxConcurrentLogins:       4,
		LogLevel:                  "info",
		LogFormat:                 "text",
		AuditFile:                 "/var/log/breeze-dm/audit.jsonl",
		AuditMaxSizeMB:            50,
		AuditMaxBackups:           3,
	}
}

// Load reads cfgFile, or breeze-dm.yaml from the default locations when
// cfgFile is empty. A missing default file is not an error; every key can
// also be set through BREEZE_DM_<KEY> environment variables.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv also applies to keys
// absent from the file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("auth_dir", cfg.AuthDir)
	v.SetDefault("socket_dir", cfg.SocketDir)
	v.SetDefault("themes_dir", cfg.ThemesDir)
	v.SetDefault("current_theme", cfg.CurrentTheme)
	v.SetDefault("auto_user", cfg.AutoUser)
	v.SetDefault("auto_relogin", cfg.AutoRelogin)
	v.SetDefault("state_file", cfg.StateFile)
	v.SetDefault("users_file", cfg.UsersFile)
	v.SetDefault("sessions_dir", cfg.SessionsDir)
	v.SetDefault("session_wrapper", cfg.SessionWrapper)
	v.SetDefault("server_path", cfg.ServerPath)
	v.SetDefault("server_args", cfg.ServerArgs)
	v.SetDefault("x11_socket_dir", cfg.X11SocketDir)
	v.SetDefault("x11_lock_dir", cfg.X11LockDir)
	v.SetDefault("server_ready_timeout_seconds", cfg.ServerReadyTimeoutSeconds)
	v.SetDefault("greeter_path", cfg.GreeterPath)
	v.SetDefault("greeter_user", cfg.GreeterUser)
	v.SetDefault("stop_timeout_seconds", cfg.StopTimeoutSeconds)
	v.SetDefault("restart_delay_ms", cfg.RestartDelayMs)
	v.SetDefault("max_concurrent_logins", cfg.MaxConcurrentLogins)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("audit_file", cfg.AuditFile)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)
	v.SetDefault("testing", cfg.Testing)
}

// SaveTo writes cfg as YAML to cfgFile with owner-only permissions.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("auth_dir", cfg.AuthDir)
	v.Set("socket_dir", cfg.SocketDir)
	v.Set("themes_dir", cfg.ThemesDir)
	v.Set("current_theme", cfg.CurrentTheme)
	v.Set("auto_user", cfg.AutoUser)
	v.Set("auto_relogin", cfg.AutoRelogin)
	v.Set("state_file", cfg.StateFile)
	v.Set("users_file", cfg.UsersFile)
	v.Set("sessions_dir", cfg.SessionsDir)
	v.Set("session_wrapper", cfg.SessionWrapper)
	v.Set("server_path", cfg.ServerPath)
	v.Set("server_args", cfg.ServerArgs)
	v.Set("x11_socket_dir", cfg.X11SocketDir)
	v.Set("x11_lock_dir", cfg.X11LockDir)
	v.Set("server_ready_timeout_seconds", cfg.ServerReadyTimeoutSeconds)
	v.Set("greeter_path", cfg.GreeterPath)
	v.Set("greeter_user", cfg.GreeterUser)
	v.Set("stop_timeout_seconds", cfg.StopTimeoutSeconds)
	v.Set("restart_delay_ms", cfg.RestartDelayMs)
	v.Set("max_concurrent_logins", cfg.MaxConcurrentLogins)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("metrics_addr", cfg.MetricsAddr)
	v.Set("audit_file", cfg.AuditFile)
	v.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.Set("audit_max_backups", cfg.AuditMaxBackups)
	v.Set("testing", cfg.Testing)

	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := v.WriteConfigAs(cfgFile); err != nil {
		return err
	}
	return os.Chmod(cfgFile, 0644)
}

// EffectiveAuthDir is the directory authority files are written to.
func (c *Config) EffectiveAuthDir() string {
	if c.Testing {
		return "."
	}
	return c.AuthDir
}
