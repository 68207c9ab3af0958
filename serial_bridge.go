package canbus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialBridge implements Bus over a serial-port adapter that tunnels CAN
// frames as carriage-return-terminated ASCII records (a line feed is also
// accepted as a terminator on receive), the same style used by SLCAN and
// similar USB-CAN-to-serial dongles:
//
//	T<8-hex-id><1-hex-len><data-hex>\r   -- extended data frame
//	t<3-hex-id><1-hex-len><data-hex>\r   -- standard data frame
//
// It is intended for hardware that exposes a CAN channel only through a
// UART, as opposed to a native SocketCAN or J1939 interface.
type SerialBridge struct {
	port    serial.Port
	scanner *bufio.Scanner
	closed  chan struct{}
}

// SerialBridgeConfig configures the underlying serial port.
type SerialBridgeConfig struct {
	PortName string
	BaudRate int // defaults to 115200 when zero
}

// OpenSerialBridge opens the named serial port and returns a Bus backed by
// the SLCAN-style ASCII framing described on SerialBridge.
func OpenSerialBridge(cfg SerialBridgeConfig) (Bus, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("canbus: serial open %s: %w", cfg.PortName, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("canbus: serial timeout: %w", err)
	}
	scanner := bufio.NewScanner(port)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	})
	return &SerialBridge{
		port:    port,
		scanner: scanner,
		closed:  make(chan struct{}),
	}, nil
}

func (b *SerialBridge) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
	}
	close(b.closed)
	return b.port.Close()
}

// Send encodes frame and writes it to the port with a single Write call;
// ctx is not consulted.
func (b *SerialBridge) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	var line string
	if frame.Extended {
		line = fmt.Sprintf("T%08X%X%s\r", frame.ID, frame.Len, hex.EncodeToString(frame.Data[:frame.Len]))
	} else {
		line = fmt.Sprintf("t%03X%X%s\r", frame.ID, frame.Len, hex.EncodeToString(frame.Data[:frame.Len]))
	}
	_, err := b.port.Write([]byte(line))
	return err
}

// Receive blocks for the next frame line from the adapter, skipping any
// line it cannot parse (status/ack lines adapters emit are ignored rather
// than surfaced as errors).
func (b *SerialBridge) Receive(ctx context.Context) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-b.closed:
			return Frame{}, ErrClosed
		default:
		}
		if !b.scanner.Scan() {
			if err := b.scanner.Err(); err != nil {
				return Frame{}, fmt.Errorf("canbus: serial read: %w", err)
			}
			return Frame{}, ErrClosed
		}
		f, ok := parseSLCANLine(b.scanner.Text())
		if ok {
			return f, nil
		}
	}
}

func parseSLCANLine(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 2 {
		return Frame{}, false
	}
	var f Frame
	var idLen int
	switch line[0] {
	case 'T':
		f.Extended = true
		idLen = 8
	case 't':
		idLen = 3
	default:
		return Frame{}, false
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, false
	}
	id, err := parseHexUint(line[1 : 1+idLen])
	if err != nil {
		return Frame{}, false
	}
	f.ID = uint32(id)
	dlc, err := parseHexUint(line[1+idLen : 1+idLen+1])
	if err != nil || dlc > 8 {
		return Frame{}, false
	}
	f.Len = uint8(dlc)
	dataHex := line[1+idLen+1:]
	want := int(f.Len) * 2
	if len(dataHex) < want {
		return Frame{}, false
	}
	data, err := hex.DecodeString(dataHex[:want])
	if err != nil {
		return Frame{}, false
	}
	copy(f.Data[:], data)
	if f.Validate() != nil {
		return Frame{}, false
	}
	return f, true
}

func parseHexUint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%X", &v)
	return v, err
}
