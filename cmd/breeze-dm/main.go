package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/breeze-dm/internal/auth"
	"github.com/breeze-rmm/breeze-dm/internal/config"
)

var (
	version   = "0.1.0"
	cfgFile   string
	displayID int
	vtNumber  int
)

var rootCmd = &cobra.Command{
	Use:   "breeze-dm",
	Short: "Breeze display manager",
	Long:  `breeze-dm - runs an X server, a greeter and the user session for one display`,
	// Errors are printed once by main.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the display manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(displayID, vtNumber)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("breeze-dm v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, last login and available sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze-dm/breeze-dm.yaml)")
	runCmd.Flags().IntVar(&displayID, "display", 0, "X display number to manage")
	runCmd.Flags().IntVar(&vtNumber, "vt", 7, "virtual terminal for the X server (0 to let the server pick)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Validate()
	return cfg, nil
}

func printStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := config.NewStore(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Auth dir:\t%s\n", store.AuthDir())
	fmt.Fprintf(w, "Socket dir:\t%s\n", cfg.SocketDir)
	fmt.Fprintf(w, "X server:\t%s\n", cfg.ServerPath)
	fmt.Fprintf(w, "Greeter:\t%s\n", cfg.GreeterPath)
	fmt.Fprintf(w, "Theme:\t%s/%s\n", store.ThemesDir(), store.CurrentTheme())
	if user := store.AutoUser(); user != "" {
		fmt.Fprintf(w, "Autologin:\t%s (relogin %t)\n", user, store.AutoRelogin())
	} else {
		fmt.Fprintf(w, "Autologin:\tdisabled\n")
	}
	fmt.Fprintf(w, "Last user:\t%s\n", orNone(store.LastUser()))
	fmt.Fprintf(w, "Last session:\t%s\n", orNone(store.LastSession()))
	w.Flush()

	sessions, err := auth.ListSessions(cfg.SessionsDir)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	fmt.Printf("\nSessions in %s:\n", cfg.SessionsDir)
	if len(sessions) == 0 {
		fmt.Println("  (none)")
	}
	for _, s := range sessions {
		fmt.Printf("  %-16s %s\n", s.ID, s.Name)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
