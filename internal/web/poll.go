package web

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// fdOf returns the descriptor of a socket. The socket stays owned by the
// runtime; the descriptor is only used for readiness polling.
func fdOf(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// pollReadable reports, without blocking, which descriptors have data,
// a pending connection, a hangup or an error to collect.
func pollReadable(fds []int) ([]bool, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	for {
		_, err := unix.Poll(pfds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		break
	}

	ready := make([]bool, len(fds))
	for i, p := range pfds {
		ready[i] = p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
	}
	return ready, nil
}
