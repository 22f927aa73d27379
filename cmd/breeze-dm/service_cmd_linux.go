//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	linuxBinaryPath  = "/usr/local/bin/breeze-dm"
	linuxUnitDst     = "/etc/systemd/system/breeze-dm.service"
	linuxConfigDir   = "/etc/breeze-dm"
	linuxStateDir    = "/var/lib/breeze-dm"
	linuxRuntimeDir  = "/var/run/breeze-dm"
	linuxServiceName = "breeze-dm"
)

const linuxUnit = `[Unit]
Description=Breeze Display Manager
Conflicts=getty@tty7.service plymouth-quit.service
After=systemd-user-sessions.service getty@tty7.service plymouth-quit.service

[Service]
Type=simple
ExecStart=/usr/local/bin/breeze-dm run --display 0 --vt 7
Restart=always
RestartSec=2

StandardOutput=journal
StandardError=journal
SyslogIdentifier=breeze-dm

[Install]
Alias=display-manager.service
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the breeze-dm system service (systemd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root (sudo breeze-dm service %s)", action)
	}
	return nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install breeze-dm as the systemd display manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("install"); err != nil {
			return err
		}

		for _, dir := range []string{linuxConfigDir, linuxStateDir, linuxRuntimeDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.Chmod(linuxRuntimeDir, 0711); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", linuxRuntimeDir, err)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if out, err := exec.Command("systemctl", "daemon-reload").CombinedOutput(); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", strings.TrimSpace(string(out)))
		}
		if out, err := exec.Command("systemctl", "enable", linuxServiceName).CombinedOutput(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %s\n", strings.TrimSpace(string(out)))
		}

		fmt.Println()
		fmt.Println("breeze-dm installed and enabled.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Add a user:  sudo breeze-dm hash-password --user <name>")
		fmt.Println("  2. Start:       sudo breeze-dm service start")
		fmt.Println("  3. Logs:        journalctl -u breeze-dm -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the breeze-dm systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("uninstall"); err != nil {
			return err
		}

		exec.Command("systemctl", "stop", linuxServiceName).Run()
		exec.Command("systemctl", "disable", linuxServiceName).Run()
		os.Remove(linuxUnitDst)
		exec.Command("systemctl", "daemon-reload").Run()
		os.Remove(linuxBinaryPath)

		fmt.Println("breeze-dm service uninstalled.")
		fmt.Printf("Config at %s and state at %s were preserved.\n", linuxConfigDir, linuxStateDir)
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the display manager service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("start"); err != nil {
			return err
		}
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'sudo breeze-dm service install' first")
		}
		out, err := exec.Command("systemctl", "start", linuxServiceName).CombinedOutput()
		if err != nil {
			return fmt.Errorf("failed to start service: %s", strings.TrimSpace(string(out)))
		}
		fmt.Println("breeze-dm service started.")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the display manager service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("stop"); err != nil {
			return err
		}
		out, err := exec.Command("systemctl", "stop", linuxServiceName).CombinedOutput()
		if err != nil {
			return fmt.Errorf("failed to stop service: %s", strings.TrimSpace(string(out)))
		}
		fmt.Println("breeze-dm service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show display manager service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// systemctl status exits non-zero for a stopped unit.
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
