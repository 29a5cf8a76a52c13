// Package pidfile records the daemon's PID for process supervisors.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Pidfile manages one PID file for the lifetime of the process.
type Pidfile struct {
	path string
}

// New creates a PID file handle. Nothing is written until Write.
func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Write records the current PID, refusing to clobber a live process's file.
func (p *Pidfile) Write() error {
	if pid, err := p.read(); err == nil && processAlive(pid) {
		return fmt.Errorf("pidfile %s already held by running process %d", p.path, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Remove deletes the PID file. Missing files are not an error.
func (p *Pidfile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

func (p *Pidfile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
