//go:build !unix

// Package shm maps named shared-memory segments and provides the futex and
// liveness primitives used by cross-process workers.
package shm

import (
	"errors"
	"os"
)

// ErrUnsupported is returned on platforms without shared mappings.
var ErrUnsupported = errors.New("shm: shared memory segments are not supported on this platform")

type Segment struct{}

func Dir() string { return os.TempDir() }

func Create(name string, size int) (*Segment, error) { return nil, ErrUnsupported }
func Open(name string) (*Segment, error)             { return nil, ErrUnsupported }

func (s *Segment) Name() string  { return "" }
func (s *Segment) Bytes() []byte { return nil }
func (s *Segment) Close() error  { return nil }
func (s *Segment) Remove() error { return nil }

func ProcessAlive(pid int) bool { return true }
