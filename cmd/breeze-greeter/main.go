// Command breeze-greeter is a terminal greeter. It talks to breeze-dm over
// the greeter socket and is mostly used for testing and headless setups.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/breeze-rmm/breeze-dm/internal/greeter"
)

var (
	socketPath string
	themePath  string
	session    string
	attempts   int
)

var rootCmd = &cobra.Command{
	Use:           "breeze-greeter",
	Short:         "Terminal greeter for breeze-dm",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "greeter socket of the display")
	rootCmd.Flags().StringVar(&themePath, "theme", "", "theme directory (informational)")
	rootCmd.Flags().StringVar(&session, "session", "", "session to start (prompted when empty)")
	rootCmd.Flags().IntVar(&attempts, "attempts", 3, "login attempts before giving up")
	rootCmd.MarkFlagRequired("socket")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(in *os.File, out io.Writer) error {
	client, err := greeter.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	caps, err := client.Hello()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s login (display %s)\n", caps.Hostname, caps.Display)
	if themePath != "" {
		fmt.Fprintf(out, "Theme: %s\n", themePath)
	}

	reader := bufio.NewReader(in)
	for i := 0; i < attempts; i++ {
		user, err := prompt(reader, out, "Login: ")
		if err != nil {
			return err
		}
		sess := session
		if sess == "" {
			if sess, err = prompt(reader, out, "Session: "); err != nil {
				return err
			}
		}
		password, err := readPassword(in, reader, out)
		if err != nil {
			return err
		}

		ok, err := client.Login(user, password, sess)
		switch {
		case errors.Is(err, greeter.ErrRejected):
			fmt.Fprintf(out, "%v\n\n", err)
		case err != nil:
			return err
		case ok:
			fmt.Fprintln(out, "Login succeeded.")
			return nil
		default:
			fmt.Fprintln(out, "Login incorrect.")
			fmt.Fprintln(out)
		}
	}
	return fmt.Errorf("giving up after %d attempts", attempts)
}

func prompt(r *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func readPassword(in *os.File, r *bufio.Reader, out io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return prompt(r, out, "Password: ")
	}
	fmt.Fprint(out, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
