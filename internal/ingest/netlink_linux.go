//go:build linux

package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ppiankov/procwatch/internal/model"
)

// recvTimeoutUsec bounds each blocking read so cancellation is observed.
const recvTimeoutUsec = 250_000

// Probe opens and binds a proc connector socket, then closes it. Binding
// the multicast group needs CAP_NET_ADMIN.
func (c *ProcConnector) Probe() error {
	fd, err := c.open()
	if err != nil {
		return err
	}
	return unix.Close(fd)
}

// Run subscribes to proc events and blocks until ctx is done or the socket
// fails.
func (c *ProcConnector) Run(ctx context.Context, out Emitter) error {
	fd, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = unix.Close(fd) }()

	tv := unix.Timeval{Usec: recvTimeoutUsec}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set receive timeout: %w", err)
	}

	kernel := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Sendto(fd, subscribeMessage(true), 0, kernel); err != nil {
		return fmt.Errorf("subscribe proc events: %w", err)
	}
	defer func() { _ = unix.Sendto(fd, subscribeMessage(false), 0, kernel) }()

	c.log.Info("proc connector subscribed")
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, _, err := unix.Recvfrom(fd, buf, 0)
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ENOBUFS):
			// Kernel dropped events; polling covers the gap.
			out.Warn(fmt.Errorf("proc connector overrun: %w", err))
			continue
		default:
			return fmt.Errorf("receive proc events: %w", err)
		}

		events, err := parseMessages(buf[:n])
		if err != nil {
			c.log.Debug("malformed proc connector datagram", zap.Error(err))
		}
		for _, ev := range events {
			if sig, ok := c.translate(ev); ok {
				out.Emit(sig)
			}
		}
	}
}

func (c *ProcConnector) open() (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return -1, fmt.Errorf("%w: netlink connector socket: %v", model.ErrUnavailable, err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cnIdxProc}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return -1, fmt.Errorf("%w: %w: bind proc connector needs CAP_NET_ADMIN: %v", model.ErrUnavailable, model.ErrPermissionDenied, err)
		}
		return -1, fmt.Errorf("%w: bind proc connector: %v", model.ErrUnavailable, err)
	}
	return fd, nil
}
