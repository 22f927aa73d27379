package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// Session describes an X session from a .desktop file.
type Session struct {
	ID           string
	Name         string
	Exec         string
	DesktopNames string
}

// LoadSession parses <dir>/<id>.desktop. Identifiers may not contain path
// separators or "..".
func LoadSession(dir, id string) (Session, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return Session{}, fmt.Errorf("%w: invalid identifier %q", ErrUnknownSession, id)
	}
	id = strings.TrimSuffix(id, ".desktop")

	path := filepath.Join(dir, id+".desktop")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
		}
		return Session{}, fmt.Errorf("auth: stat %s: %w", path, err)
	}

	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return Session{}, fmt.Errorf("auth: parse %s: %w", path, err)
	}
	sec, err := f.GetSection("Desktop Entry")
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s has no [Desktop Entry]", ErrUnknownSession, id)
	}

	s := Session{
		ID:           id,
		Name:         sec.Key("Name").String(),
		Exec:         strings.TrimSpace(sec.Key("Exec").String()),
		DesktopNames: sec.Key("DesktopNames").String(),
	}
	if s.Exec == "" {
		return Session{}, fmt.Errorf("%w: %s has no Exec", ErrUnknownSession, id)
	}
	if s.Name == "" {
		s.Name = id
	}
	if hidden, _ := sec.Key("Hidden").Bool(); hidden {
		return Session{}, fmt.Errorf("%w: %s is hidden", ErrUnknownSession, id)
	}
	return s, nil
}

// ListSessions returns the sessions available in dir, sorted by ID.
// Unparsable files are skipped.
func ListSessions(dir string) ([]Session, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.desktop"))
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, m := range matches {
		s, err := LoadSession(dir, strings.TrimSuffix(filepath.Base(m), ".desktop"))
		if err != nil {
			log.Debug("skipping session file", "path", m, "error", err)
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
