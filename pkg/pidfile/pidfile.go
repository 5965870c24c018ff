// Package pidfile keeps a single ridemeterd instance per PID file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another process holds the PID file lock
var ErrAlreadyRunning = errors.New("daemon already running")

// PIDFile is a PID file held under an exclusive flock for the life of the daemon
type PIDFile struct {
	path string
	pid  int
	file *os.File
}

// New creates a PIDFile for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path: path,
		pid:  os.Getpid(),
	}
}

// Create writes the PID and takes the lock; a stale file from a dead process
// is taken over
func (p *PIDFile) Create() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open PID file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid, rerr := ReadPID(p.path); rerr == nil {
				return fmt.Errorf("%w with PID %d", ErrAlreadyRunning, pid)
			}
			return ErrAlreadyRunning
		}
		return fmt.Errorf("failed to lock PID file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("failed to truncate PID file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", p.pid)), 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync PID file: %w", err)
	}

	p.file = f
	return nil
}

// Remove releases the lock and deletes the file if it still holds our PID
func (p *PIDFile) Remove() error {
	if p.file == nil {
		return nil
	}
	defer func() {
		p.file.Close()
		p.file = nil
	}()

	existing, err := ReadPID(p.path)
	if err == nil && existing != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existing, p.pid)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// ReadPID reads the PID stored at path
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}
	return pid, nil
}

// CheckRunning reports whether the process named in path is alive
func CheckRunning(path string) (bool, int, error) {
	pid, err := ReadPID(path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return processAlive(pid), pid, nil
}

// processAlive probes pid with signal 0; EPERM means it exists under another user
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
