package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
)

// pidfile is an exclusively locked file holding the supervisor's pid.
type pidfile struct {
	path string
	f    *os.File
}

// acquirePidfile creates or opens path, takes a non-blocking exclusive lock
// and writes the current pid. It fails if another process holds the lock.
func acquirePidfile(path string) (*pidfile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, eris.Wrap(err, "pidfile: open")
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, eris.Errorf("pidfile: %s is locked by another process", path)
		}
		return nil, eris.Wrap(err, "pidfile: lock")
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, eris.Wrap(err, "pidfile: truncate")
	}
	if _, err := fmt.Fprintln(f, strconv.Itoa(os.Getpid())); err != nil {
		_ = f.Close()
		return nil, eris.Wrap(err, "pidfile: write")
	}

	return &pidfile{path: path, f: f}, nil
}

// Release removes the file and drops the lock.
func (p *pidfile) Release() error {
	rmErr := os.Remove(p.path)
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	if err := p.f.Close(); err != nil {
		return eris.Wrap(err, "pidfile: close")
	}
	if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return eris.Wrap(rmErr, "pidfile: remove")
	}
	return nil
}
