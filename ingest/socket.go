//go:build linux

package ingest

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// maxSocketPath is the usable length of sockaddr_un.sun_path
const maxSocketPath = 107

// validateSocketPath rejects paths the kernel cannot bind
func validateSocketPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if len(path) > maxSocketPath {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidPath, len(path), maxSocketPath)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	return nil
}

// unixgram is one bound Unix datagram socket and the identity of the file it
// created, so release never unlinks a file that a later bind replaced
type unixgram struct {
	fd   int
	path string
	dev  uint64
	ino  uint64
}

// bindUnixgram creates a non-blocking datagram socket bound to path.
// A stale socket file is removed first; a live one is never touched.
func bindUnixgram(path string) (*unixgram, error) {
	if err := removeStale(path); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &BindError{Path: path, Op: "socket", Err: err}
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, &BindError{Path: path, Op: "bind", Err: err}
	}

	s := &unixgram{fd: fd, path: path}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err == nil {
		s.dev, s.ino = uint64(st.Dev), uint64(st.Ino)
	}
	return s, nil
}

// removeStale unlinks path when it is a socket file nobody is bound to
func removeStale(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return &BindError{Path: path, Op: "stat", Err: err}
	}

	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return &BindError{Path: path, Op: "stat", Err: ErrNotSocket}
	}

	if err := probe(path); err == nil {
		return &BindError{Path: path, Op: "probe", Err: unix.EADDRINUSE}
	} else if !errors.Is(err, unix.ECONNREFUSED) {
		return &BindError{Path: path, Op: "probe", Err: err}
	}

	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return &BindError{Path: path, Op: "unlink", Err: err}
	}
	return nil
}

// probe connects a throwaway datagram socket to path. A nil error means a
// live socket is bound there; ECONNREFUSED means the file is stale.
func probe(path string) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Connect(fd, &unix.SockaddrUnix{Name: path})
}

// release closes the descriptor and unlinks the socket file if it is still
// the one this socket created. Errors are returned for logging only.
func (s *unixgram) release() error {
	var errs []error
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd %d: %w", s.fd, err))
		}
		s.fd = -1
	}

	var st unix.Stat_t
	if err := unix.Lstat(s.path, &st); err == nil {
		if s.ino == 0 || (uint64(st.Dev) == s.dev && uint64(st.Ino) == s.ino) {
			if err := unix.Unlink(s.path); err != nil && !errors.Is(err, unix.ENOENT) {
				errs = append(errs, fmt.Errorf("unlink %s: %w", s.path, err))
			}
		}
	}
	return errors.Join(errs...)
}

// classify maps an errno to the BindError sentinel it represents
func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotSocket):
		return nil
	case errors.Is(err, unix.EADDRINUSE), errors.Is(err, unix.EPROTOTYPE):
		// EPROTOTYPE: a live stream socket owns the path
		return ErrAddressInUse
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, unix.EROFS):
		return ErrPermission
	default:
		return nil
	}
}
