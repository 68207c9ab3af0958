//go:build linux

package canbus

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// socketCAN implements Bus over a Linux SocketCAN CAN_RAW socket.
type socketCAN struct {
	fd     int
	closed chan struct{}
}

// DialSocketCAN opens a raw CAN_RAW socket bound to the given interface name
// (e.g. "can0") and returns it as a Bus.
func DialSocketCAN(iface string) (Bus, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: socket: %w", err)
	}
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: netIf.Index}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: bind %q: %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: nonblock: %w", err)
	}
	return &socketCAN{fd: fd, closed: make(chan struct{})}, nil
}

func (s *socketCAN) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return unix.Close(s.fd)
}

// Send writes one frame using the Linux can_frame binary layout.
func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		n, werr := unix.Write(s.fd, buf)
		if werr == nil {
			if n != len(buf) {
				return fmt.Errorf("canbus: short write (%d of %d bytes)", n, len(buf))
			}
			return nil
		}
		if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
			if err := s.wait(ctx, false, true); err != nil {
				return err
			}
			continue
		}
		return werr
	}
}

// Receive reads one frame (blocking, respecting context).
func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	var f Frame
	buf := make([]byte, 16)
	for {
		n, rerr := unix.Read(s.fd, buf)
		if rerr == nil {
			if n != len(buf) {
				return Frame{}, fmt.Errorf("canbus: short read (%d of %d bytes)", n, len(buf))
			}
			if err := f.UnmarshalBinary(buf); err != nil {
				return Frame{}, err
			}
			return f, nil
		}
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			if err := s.wait(ctx, true, false); err != nil {
				return Frame{}, err
			}
			continue
		}
		return Frame{}, rerr
	}
}

// wait blocks until the socket is ready for the requested operation or ctx
// is done, polling in short slices so cancellation is noticed promptly.
func (s *socketCAN) wait(ctx context.Context, r, w bool) error {
	for {
		timeout := unix.Timeval{Sec: 0, Usec: 50_000}
		if deadline, ok := ctx.Deadline(); ok {
			d := time.Until(deadline)
			if d <= 0 {
				return ctx.Err()
			}
			if d < 50*time.Millisecond {
				timeout = unix.Timeval{Sec: int64(d / time.Second), Usec: int64((d % time.Second) / time.Microsecond)}
			}
		}
		var readfds, writefds unix.FdSet
		if r {
			fdSetAdd(&readfds, s.fd)
		}
		if w {
			fdSetAdd(&writefds, s.fd)
		}
		_, err := unix.Select(s.fd+1, &readfds, &writefds, nil, &timeout)
		if err == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return nil
			}
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func fdSetAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= int64(1) << (uint(fd) % 64)
}

