// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pidfile keeps a single supervisor per PID file. The file holds the
// owner's PID and stays flock-ed for as long as the owner runs, so a file
// left behind by a dead process is detected and replaced.
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

var (
	// ErrLocked is returned when a live process holds the PID file.
	ErrLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file does not hold a PID.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// File is a held PID file.
type File struct {
	path string
	f    *os.File
}

// Acquire writes the current PID to path and locks it. A stale file whose
// owner died is taken over; a file locked by a live owner yields an error
// wrapping ErrLocked that names the owner's PID.
func Acquire(path string) (*File, error) {
	dir := filepath.Dir(path)
	if err := checkDirectory(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create PID file directory: %w", err)
	}

	// O_NOFOLLOW refuses a symlink planted at path.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|syscall.O_NOFOLLOW, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, rerr := Read(path); rerr == nil {
				return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock PID file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		return nil, release(f, fmt.Errorf("failed to truncate PID file: %w", err))
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return nil, release(f, fmt.Errorf("failed to write PID: %w", err))
	}
	if err := f.Sync(); err != nil {
		return nil, release(f, fmt.Errorf("failed to sync PID file: %w", err))
	}

	return &File{path: path, f: f}, nil
}

func release(f *os.File, err error) error {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
	return err
}

// Path returns the file location.
func (p *File) Path() string { return p.path }

// Release removes the file and drops the lock.
func (p *File) Release() error {
	if p.f == nil {
		return nil
	}
	// Remove while still locked.
	rmErr := os.Remove(p.path)
	release(p.f, nil)
	p.f = nil
	if rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("failed to remove PID file: %w", rmErr)
	}
	return nil
}

// Read returns the PID stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, s)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

func checkDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if info.Mode()&0o002 != 0 && info.Mode()&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, info.Mode()&os.ModePerm)
	}
	return nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
