package j1939

import "errors"

// Sentinel errors surfaced to callers. Callers should compare against these
// with errors.Is; call sites that need more detail wrap them with
// fmt.Errorf("...: %w", ...).
var (
	ErrMalformedIdentifier               = errors.New("j1939: identifier exceeds 29 bits")
	ErrBroadcastOfDestinationSpecificPGN = errors.New("j1939: destination-specific PGN sent to the global address")
	ErrDestinationOnBroadcastPGN         = errors.New("j1939: broadcast PGN sent to a specific address")
	ErrPayloadTooLong                    = errors.New("j1939: payload exceeds the maximum message length")
	ErrSourceCFNotClaimed                = errors.New("j1939: source control function has no claimed address")
	ErrNoTransportProtocolForLength      = errors.New("j1939: payload exceeds one frame and no transport protocol accepted it")
	ErrInterfaceNotRunning               = errors.New("j1939: hardware interface is not running")
	ErrPluginIOFailure                   = errors.New("j1939: hardware plugin I/O failure")
	ErrDuplicateNAME                     = errors.New("j1939: another internal control function already claims this NAME")
	ErrAddressClaimFailed                = errors.New("j1939: address claim failed")
)
