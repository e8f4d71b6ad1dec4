package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by Create when a live process owns the file
var ErrAlreadyRunning = errors.New("daemon already running")

// PIDFile guards a single locfixd instance per path
type PIDFile struct {
	path  string
	pid   int
	alive func(pid int) bool
}

// New creates a PIDFile for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Create writes the current PID. A file left by a dead process is replaced;
// one owned by a live process yields ErrAlreadyRunning.
func (p *PIDFile) Create() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", p.pid)
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("failed to write PID file: %w", werr)
			}
			return cerr
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		running, pid, cerr := p.CheckRunning()
		if running {
			return fmt.Errorf("%w with PID %d", ErrAlreadyRunning, pid)
		}
		if cerr != nil && !errors.Is(cerr, errInvalidPID) {
			return cerr
		}
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return fmt.Errorf("failed to create PID file %s: raced with another instance", p.path)
}

// Remove deletes the file if it still holds our PID
func (p *PIDFile) Remove() error {
	existing, err := p.GetPID()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && existing != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existing, p.pid)
	}
	return os.Remove(p.path)
}

var errInvalidPID = errors.New("invalid PID in file")

// GetPID returns the PID stored in the file
func (p *PIDFile) GetPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}

	raw := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", errInvalidPID, raw)
	}
	return pid, nil
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// CheckRunning reports whether the PID in the file belongs to a live process
// other than this one.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.GetPID()
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	if pid == p.pid {
		return false, pid, nil
	}
	return p.alive(pid), pid, nil
}

// ForceRemove removes the file regardless of ownership
func (p *PIDFile) ForceRemove() error {
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// processAlive probes pid with signal 0. EPERM means the process exists
// under another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
