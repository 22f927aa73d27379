package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/breeze-rmm/breeze-dm/internal/auth"
)

var (
	hashUser      string
	hashUsersFile string
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for the user database",
	Long: `Reads a password from the terminal and prints its argon2id hash.
With --user the hash is written to the user database instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readNewPassword()
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		if hashUser == "" {
			fmt.Println(hash)
			return nil
		}

		path := hashUsersFile
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.UsersFile
		}
		if err := setUserHash(path, hashUser, hash); err != nil {
			return err
		}
		fmt.Printf("Password for %s written to %s\n", hashUser, path)
		return nil
	},
}

func init() {
	hashPasswordCmd.Flags().StringVar(&hashUser, "user", "", "store the hash for this user in the user database")
	hashPasswordCmd.Flags().StringVar(&hashUsersFile, "users-file", "", "user database to update (default from config)")
	rootCmd.AddCommand(hashPasswordCmd)
}

func readNewPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	if len(first) == 0 {
		return "", errors.New("empty password")
	}
	return string(first), nil
}

func setUserHash(path, name, hash string) error {
	users, err := auth.LoadUsers(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		users = map[string]string{}
	}
	users[name] = hash

	names := make([]string, 0, len(users))
	for n := range users {
		names = append(names, n)
	}
	sort.Strings(names)
	records := make([]auth.UserRecord, 0, len(names))
	for _, n := range names {
		records = append(records, auth.UserRecord{Name: n, Password: users[n]})
	}
	return auth.SaveUsers(path, records)
}
