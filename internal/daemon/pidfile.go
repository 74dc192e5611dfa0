// Package daemon tracks the watcher process through a PID file so only one
// watcher runs per database.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile manages a PID file for the watch daemon.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire writes the current process's PID, failing if another live watcher
// already holds the file. A PID file left behind by a dead process is
// overwritten.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running {
		return fmt.Errorf("watcher already running (pid %d)", pid)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// Release removes the PID file.
func (p *PIDFile) Release() error {
	return os.Remove(p.Path)
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
