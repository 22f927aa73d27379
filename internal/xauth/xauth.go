package xauth

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/breeze-rmm/breeze-dm/internal/logging"
	"github.com/breeze-rmm/breeze-dm/internal/secmem"
)

var log = logging.L("xauth")

// ErrNotRegular is returned for an authority path that is not a plain
// file owned by a single name.
var ErrNotRegular = errors.New("xauth: not a regular file")

const (
	// FamilyLocal marks an entry bound to a host name on the local machine.
	FamilyLocal uint16 = 256
	// FamilyWild matches any address.
	FamilyWild uint16 = 0xFFFF

	// MagicCookie is the authorization protocol name written for every entry.
	MagicCookie = "MIT-MAGIC-COOKIE-1"
)

// Entry is one record of an X authority file.
type Entry struct {
	Family  uint16
	Address string
	Number  string
	Name    string
	Data    []byte
}

// CookieEntry builds the MIT-MAGIC-COOKIE-1 entry binding display (":0",
// ":1.0") on this host to cookie. The caller owns the returned Data and
// should call Entry.Wipe once it has been written.
func CookieEntry(display string, cookie *secmem.SecureString) (Entry, error) {
	if cookie.Len() == 0 {
		return Entry{}, errors.New("xauth: empty cookie")
	}
	number, err := DisplayNumber(display)
	if err != nil {
		return Entry{}, err
	}
	host, err := os.Hostname()
	if err != nil {
		return Entry{}, fmt.Errorf("xauth: hostname: %w", err)
	}
	return Entry{
		Family:  FamilyLocal,
		Address: host,
		Number:  number,
		Name:    MagicCookie,
		Data:    cookie.Bytes(),
	}, nil
}

// DisplayNumber extracts "0" from ":0" or ":0.1".
func DisplayNumber(display string) (string, error) {
	i := strings.LastIndexByte(display, ':')
	if i < 0 || i == len(display)-1 {
		return "", fmt.Errorf("xauth: invalid display name %q", display)
	}
	number := display[i+1:]
	if dot := strings.IndexByte(number, '.'); dot >= 0 {
		number = number[:dot]
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("xauth: invalid display name %q", display)
		}
	}
	return number, nil
}

// Wipe zeroes the entry's cookie data.
func (e *Entry) Wipe() {
	for i := range e.Data {
		e.Data[i] = 0
	}
}

// Write atomically replaces path with the given entries. The file is
// created with mode 0600 in the same directory and renamed into place, so
// readers never observe a partial file.
func Write(path string, entries ...Entry) error {
	return write(path, -1, -1, entries)
}

// write is Write with an owner. When uid is not negative the temp file is
// chowned before the rename, so the path itself is never chowned.
func write(path string, uid, gid int, entries []Entry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("xauth: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".xauth-*")
	if err != nil {
		return fmt.Errorf("xauth: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("xauth: chmod: %w", err)
	}
	if uid >= 0 {
		if err := tmp.Chown(uid, gid); err != nil {
			tmp.Close()
			return fmt.Errorf("xauth: chown: %w", err)
		}
	}

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		if err := e.encode(w); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("xauth: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("xauth: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("xauth: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("xauth: rename: %w", err)
	}
	return nil
}

// Merge writes entry into the authority file at path, replacing any
// existing entries for the same family, address and display number, and
// keeping all others. A missing file is created. When uid is not negative
// the new file is owned by uid:gid.
//
// Only a regular file with a single link is merged. A symlink, hard link
// or other special file at path is not read; it is replaced by a file
// holding entry alone.
func Merge(path string, entry Entry, uid, gid int) error {
	existing, err := readOwn(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case errors.Is(err, ErrNotRegular):
		log.Warn("replacing untrusted authority file", "path", path, logging.KeyError, err)
		existing = nil
	case err != nil:
		return err
	}

	merged := make([]Entry, 0, len(existing)+1)
	merged = append(merged, entry)
	for _, e := range existing {
		if e.Family == entry.Family && e.Address == entry.Address && e.Number == entry.Number {
			e.Wipe()
			continue
		}
		merged = append(merged, e)
	}

	err = write(path, uid, gid, merged)
	for i := 1; i < len(merged); i++ {
		merged[i].Wipe()
	}
	return err
}

// readOwn reads path without following a final symlink and refuses
// anything but a regular file with one link.
func readOwn(path string) ([]Entry, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
	if errors.Is(err, unix.ELOOP) {
		return nil, fmt.Errorf("%w: %s is a symlink", ErrNotRegular, path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("xauth: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s has mode %s", ErrNotRegular, path, info.Mode())
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Nlink > 1 {
		return nil, fmt.Errorf("%w: %s has %d links", ErrNotRegular, path, st.Nlink)
	}
	return parse(f, path)
}

// Read parses every entry of the authority file at path.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f, path)
}

func parse(f io.Reader, path string) ([]Entry, error) {
	r := bufio.NewReader(f)
	var entries []Entry
	for {
		e, err := decode(r)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("xauth: parse %s: %w", path, err)
		}
		entries = append(entries, e)
	}
}

// Remove deletes the authority file. A file that is already gone is not
// an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("xauth: remove %s: %w", path, err)
	}
	return nil
}

func (e Entry) encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, e.Family); err != nil {
		return fmt.Errorf("xauth: write family: %w", err)
	}
	for _, field := range [][]byte{[]byte(e.Address), []byte(e.Number), []byte(e.Name), e.Data} {
		if len(field) > 0xFFFF {
			return fmt.Errorf("xauth: field too long: %d bytes", len(field))
		}
		if err := binary.Write(w, binary.BigEndian, uint16(len(field))); err != nil {
			return fmt.Errorf("xauth: write length: %w", err)
		}
		if _, err := w.Write(field); err != nil {
			return fmt.Errorf("xauth: write field: %w", err)
		}
	}
	return nil
}

func decode(r io.Reader) (Entry, error) {
	var e Entry
	if err := binary.Read(r, binary.BigEndian, &e.Family); err != nil {
		// A clean EOF before the family marks the end of the file.
		return e, err
	}

	fields := make([][]byte, 4)
	for i := range fields {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return e, io.ErrUnexpectedEOF
		}
		fields[i] = make([]byte, n)
		if _, err := io.ReadFull(r, fields[i]); err != nil {
			return e, io.ErrUnexpectedEOF
		}
	}
	e.Address = string(fields[0])
	e.Number = string(fields[1])
	e.Name = string(fields[2])
	e.Data = fields[3]
	return e, nil
}
