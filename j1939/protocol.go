package j1939

// Protocol is the contract a higher-level transport protocol (BAM,
// CM-RTS/CTS, ETP, Fast Packet, or anything else the core defers
// multi-frame messages to) implements to participate in the send
// pipeline (§4.5). The core never implements an application PGN or a
// segmentation scheme itself; it only offers messages to registered
// Protocols in registration order and lets the first acceptor own them.
type Protocol interface {
	// Initialize is called once when the protocol is registered with a
	// NetworkManager, before any Transmit call.
	Initialize(network *NetworkManager)

	// Update is called once per pump tick so the protocol can drive its
	// own timers (BAM inter-frame gaps, CTS/RTS timeouts, and so on).
	Update()

	// Transmit offers a message to the protocol. A return of true means
	// the protocol has taken ownership of delivering payload and will
	// invoke onComplete (if non-nil) itself; the core's own single-frame
	// send path is skipped. A return of false means the protocol declines
	// and the core tries the next registered Protocol, falling back to a
	// direct single-frame send if payload fits in eight bytes.
	Transmit(pgn uint32, payload []byte, source, destination *ControlFunction, onComplete func(success bool)) bool
}
