//go:build linux

package canbus

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// J1939Addr identifies the far end of a J1939 datagram: its PGN and source
// or destination address, as reported by the kernel's CAN_J1939 socket
// family rather than decoded from a raw 29-bit identifier.
type J1939Addr struct {
	PGN  uint32
	Addr uint8
}

// J1939Frame pairs a J1939 payload with the addressing information the
// kernel's CAN_J1939 protocol extracts for it on receive, or that the
// caller supplies on send.
type J1939Frame struct {
	J1939Addr
	Data []byte
}

// J1939Socket is a datagram-oriented CAN_J1939 socket. Unlike the raw
// CAN_RAW Bus, the kernel itself performs PGN/address demultiplexing and
// (for broadcast PGNs) the >8-byte transport protocol segmentation, so
// J1939Socket exchanges whole datagrams rather than individual frames.
type J1939Socket struct {
	fd         int
	ifaceIndex int
	closed     chan struct{}
}

// DialJ1939 opens a CAN_J1939 socket on iface and binds it, with no NAME,
// to source address addr exactly as given: a zero addr binds address 0,
// and no dynamic-assignment address is substituted for it. LocalAddr reads
// back the address the socket ended up bound to.
func DialJ1939(iface string, addr uint8) (*J1939Socket, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, unix.CAN_J1939)
	if err != nil {
		return nil, fmt.Errorf("canbus: j1939 socket: %w", err)
	}
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: j1939 %q: %w", iface, err)
	}
	sa := &unix.SockaddrCANJ1939{
		Ifindex: netIf.Index,
		Name:    0, // J1939_NO_NAME
		PGN:     0, // J1939_NO_PGN: wildcard for reception
		Addr:    addr,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: j1939 bind %q: %w", iface, err)
	}
	return &J1939Socket{fd: fd, ifaceIndex: netIf.Index, closed: make(chan struct{})}, nil
}

// LocalAddr returns the source address the kernel bound this socket to,
// which may differ from the address requested in DialJ1939 if the kernel
// performed dynamic assignment.
func (s *J1939Socket) LocalAddr() (uint8, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, fmt.Errorf("canbus: j1939 getsockname: %w", err)
	}
	j, ok := sa.(*unix.SockaddrCANJ1939)
	if !ok {
		return 0, fmt.Errorf("canbus: j1939 getsockname: unexpected sockaddr type %T", sa)
	}
	return j.Addr, nil
}

// Close releases the underlying socket.
func (s *J1939Socket) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return unix.Close(s.fd)
}

// SendTo transmits data as a single J1939 datagram for the given PGN and
// destination address; the kernel handles segmentation for payloads larger
// than a single frame.
func (s *J1939Socket) SendTo(ctx context.Context, pgn uint32, dest uint8, data []byte) error {
	to := &unix.SockaddrCANJ1939{Ifindex: s.ifaceIndex, PGN: pgn, Addr: dest}
	return unix.Sendto(s.fd, data, 0, to)
}

// Receive blocks for the next inbound J1939 datagram.
func (s *J1939Socket) Receive(ctx context.Context) (J1939Frame, error) {
	buf := make([]byte, 2048)
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return J1939Frame{}, err
	}
	sa, ok := from.(*unix.SockaddrCANJ1939)
	if !ok {
		return J1939Frame{}, fmt.Errorf("canbus: j1939 recvfrom: unexpected sockaddr type %T", from)
	}
	data := make([]byte, n)
	copy(data, buf[:n])
	return J1939Frame{J1939Addr: J1939Addr{PGN: sa.PGN, Addr: sa.Addr}, Data: data}, nil
}
