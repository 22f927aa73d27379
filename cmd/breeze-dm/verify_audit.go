package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/breeze-dm/internal/audit"
)

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit [file]",
	Short: "Check the hash chain of the login audit log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.AuditFile
		}
		if path == "" {
			return fmt.Errorf("audit log is disabled (audit_file is empty)")
		}

		n, err := audit.Verify(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: %d entries, chain intact\n", path, n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyAuditCmd)
}
