package auth

import (
	"bufio"
	"os"
	"strings"
)

// loginShell reads the user's shell from /etc/passwd, defaulting to
// /bin/sh. os/user does not expose it.
func loginShell(username string) string {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "/bin/sh"
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ":")
		if len(fields) == 7 && fields[0] == username && fields[6] != "" {
			return fields[6]
		}
	}
	return "/bin/sh"
}
