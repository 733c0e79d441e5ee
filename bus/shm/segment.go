//go:build unix

// Package shm maps named shared-memory segments and provides the futex and
// liveness primitives used by cross-process workers.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Segment is a file-backed shared mapping. The creator owns the backing file
// and removes it on Remove.
type Segment struct {
	name  string
	path  string
	file  *os.File
	data  []byte
	owner bool
}

// Dir returns the directory holding segment files: /dev/shm when present,
// the temp dir otherwise.
func Dir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create makes a new segment of size bytes. A stale file with the same name is
// replaced.
func Create(name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: segment %q: size must be > 0, got %d", name, size)
	}
	path := filepath.Join(Dir(), name)
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %q: %w", name, err)
	}
	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: truncate %q to %d: %w", name, size, err)
	}
	data, err := mapFile(f, size)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: map %q: %w", name, err)
	}
	return &Segment{name: name, path: path, file: f, data: data, owner: true}, nil
}

// Open maps an existing segment created by another process.
func Open(name string) (*Segment, error) {
	path := filepath.Join(Dir(), name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %q: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %q: %w", name, err)
	}
	data, err := mapFile(f, int(fi.Size()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: map %q: %w", name, err)
	}
	return &Segment{name: name, path: path, file: f, data: data}, nil
}

func mapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (s *Segment) Name() string  { return s.name }
func (s *Segment) Bytes() []byte { return s.data }

// Close unmaps the segment. The backing file survives until Remove.
func (s *Segment) Close() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// Remove closes the segment and, for the creator, deletes the backing file.
func (s *Segment) Remove() error {
	err := s.Close()
	if s.owner {
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

// ProcessAlive reports whether pid still exists.
func ProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
