//go:build linux

package procfs

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ppiankov/procwatch/internal/model"
)

// pidfdHandle wraps a pidfd (Linux 5.3+). The fd becomes readable once the
// process terminates.
type pidfdHandle struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// OpenHandle opens a pidfd for pid. Kernels without pidfd_open return
// ErrUnavailable; callers fall back to start-token comparison.
func OpenHandle(pid int) (Handle, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ESRCH):
			return nil, model.NewProcessError("open handle", pid, model.ErrNotFound)
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return nil, model.NewProcessError("open handle", pid, model.ErrPermissionDenied)
		case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL):
			return nil, fmt.Errorf("pidfd_open: %w", model.ErrUnavailable)
		default:
			return nil, model.NewProcessError("open handle", pid, fmt.Errorf("%w: %v", model.ErrInternal, err))
		}
	}
	return &pidfdHandle{fd: fd}, nil
}

func (h *pidfdHandle) Exited() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, fmt.Errorf("pidfd: %w", model.ErrInternal)
	}

	fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll pidfd: %w", err)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

func (h *pidfdHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return unix.Close(h.fd)
}
