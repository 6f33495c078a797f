// Package daemon tracks long-running devkit processes (serve, convo watch)
// through PID files in the state directory.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by Acquire when a live process holds the
// PID file.
var ErrAlreadyRunning = errors.New("already running")

// PIDFile manages a PID file for one named process.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file, creating its directory.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Acquire records the current process in the PID file. A file left behind
// by a dead process is replaced; a live one fails with ErrAlreadyRunning.
// The returned release func removes the file if it still names this
// process.
func (p *PIDFile) Acquire() (release func(), err error) {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := p.Write(); err != nil {
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	self := os.Getpid()
	return func() {
		if pid, err := p.Read(); err == nil && pid == self {
			_ = p.Remove()
		}
	}, nil
}
