package j1939

import "time"

// ClaimState is one state of the per-internal-control-function address
// claim state machine. Step is its transition method: it updates the
// claimer's state and the control function's address and returns a single
// Action for the caller to transmit. The NetworkManager drives it from its
// own pump tick by calling Step, rather than the claimer running its own
// timer goroutine.
type ClaimState int

const (
	ClaimNone ClaimState = iota
	ClaimWaitOnRequest
	ClaimSendRequestForClaim
	ClaimWaitForRequestContentionPeriod
	ClaimSendPreferredAddressClaim
	ClaimContendForPreferredAddress
	ClaimSendArbitraryAddressClaim
	ClaimSendReclaimAddressOnRequest
	ClaimUnableToClaim
	ClaimAddressClaimingComplete
)

func (s ClaimState) String() string {
	switch s {
	case ClaimNone:
		return "None"
	case ClaimWaitOnRequest:
		return "WaitOnRequest"
	case ClaimSendRequestForClaim:
		return "SendRequestForClaim"
	case ClaimWaitForRequestContentionPeriod:
		return "WaitForRequestContentionPeriod"
	case ClaimSendPreferredAddressClaim:
		return "SendPreferredAddressClaim"
	case ClaimContendForPreferredAddress:
		return "ContendForPreferredAddress"
	case ClaimSendArbitraryAddressClaim:
		return "SendArbitraryAddressClaim"
	case ClaimSendReclaimAddressOnRequest:
		return "SendReclaimAddressOnRequest"
	case ClaimUnableToClaim:
		return "UnableToClaim"
	case ClaimAddressClaimingComplete:
		return "AddressClaimingComplete"
	default:
		return "Unknown"
	}
}

// Action tells the driving NetworkManager what to put on the bus this tick,
// if anything.
type Action int

const (
	ActionNone Action = iota
	ActionSendRequestForClaim
	ActionSendAddressClaim
	// ActionSendCannotClaim tells the caller to emit a Cannot Claim
	// Address message (an Address Claim frame with source NullAddress)
	// once this control function gives up: it lost contention and is not
	// arbitrary-address-capable, or the arbitrary range is exhausted.
	ActionSendCannotClaim
)

// arbitraryAddressLow and arbitraryAddressHigh bound the range a device that
// is ArbitraryAddressCapable may self-assign when its preferred address is
// already claimed by a control function with a smaller NAME.
const (
	arbitraryAddressLow  = 0x80
	arbitraryAddressHigh = 0xF7
)

// ClaimObservation is one address-claim-relevant frame seen on the bus
// during the interval since the last Step call.
type ClaimObservation struct {
	// RequestForClaim is true if a request for the address-claim PGN was
	// seen (addressed to us or broadcast).
	RequestForClaim bool
	// ConflictingClaim is set if another control function claimed our
	// current candidate address; ConflictingName carries its NAME so the
	// tie-break can run.
	ConflictingClaim bool
	ConflictingName  NAME
	// Commanded and CommandedAddr are set if a Commanded Address message
	// named our NAME.
	Commanded     bool
	CommandedAddr uint8
}

// AddressClaimer runs the address-claim state machine for one internal
// control function.
type AddressClaimer struct {
	cf               *ControlFunction
	name             NAME
	preferredAddress uint8
	candidate        uint8
	state            ClaimState
	deadline         time.Time
	contentionWindow time.Duration
	// occupantName looks up the NAME currently occupying an address in the
	// network manager's address table, if any. Arbitrary-address selection
	// uses it to skip addresses already legitimately held by a smaller
	// NAME; nil is treated as "nothing known occupies any address" (used
	// only by tests exercising the state machine in isolation).
	occupantName func(addr uint8) (NAME, bool)
}

// NewAddressClaimer creates a claimer for cf, which must already carry the
// NAME it intends to claim. contentionWindow is the settle time after
// sending a claim before it is considered uncontested (250ms per the J1939
// address-claim procedure). occupantName is consulted during arbitrary-
// address selection (§4.2); it may be nil.
func NewAddressClaimer(cf *ControlFunction, preferredAddress uint8, contentionWindow time.Duration, occupantName func(addr uint8) (NAME, bool)) *AddressClaimer {
	return &AddressClaimer{
		cf:               cf,
		name:             cf.NAME(),
		preferredAddress: preferredAddress,
		candidate:        preferredAddress,
		state:            ClaimWaitOnRequest,
		contentionWindow: contentionWindow,
		occupantName:     occupantName,
	}
}

// selectArbitraryAddress returns the first address from start through
// arbitraryAddressHigh not already held by a control function with a
// smaller NAME than ours — per §4.2, an address is only skipped if we would
// certainly lose contention for it; a free address or one held by a larger
// NAME is fair game. Returns arbitraryAddressHigh+1 if the range is
// exhausted, matching the sentinel the caller already checks for.
func (a *AddressClaimer) selectArbitraryAddress(start uint8) uint8 {
	for candidate := start; candidate <= arbitraryAddressHigh; candidate++ {
		if a.occupantName != nil {
			if occupant, ok := a.occupantName(candidate); ok && occupant < a.name {
				continue
			}
		}
		return candidate
	}
	return arbitraryAddressHigh + 1
}

// State returns the claimer's current state.
func (a *AddressClaimer) State() ClaimState { return a.state }

// CandidateAddress returns the address the claimer is currently trying for,
// or has successfully claimed once State is AddressClaimingComplete.
func (a *AddressClaimer) CandidateAddress() uint8 { return a.candidate }

// Step advances the state machine by one pump tick and reports what, if
// anything, the caller should transmit.
func (a *AddressClaimer) Step(now time.Time, obs ClaimObservation) Action {
	if obs.Commanded {
		a.candidate = obs.CommandedAddr
		a.cf.setAddress(a.candidate)
		a.state = ClaimSendPreferredAddressClaim
	}

	switch a.state {
	case ClaimNone:
		a.state = ClaimWaitOnRequest
		return ActionNone

	case ClaimWaitOnRequest:
		// J1939 recommends a node send a request for the address-claim
		// PGN on startup so it learns the bus's occupants before
		// claiming, but proceeding straight to claim is also valid;
		// this core takes the conservative request-first path.
		a.state = ClaimSendRequestForClaim
		return ActionNone

	case ClaimSendRequestForClaim:
		a.deadline = now.Add(a.contentionWindow)
		a.state = ClaimWaitForRequestContentionPeriod
		return ActionSendRequestForClaim

	case ClaimWaitForRequestContentionPeriod:
		if now.Before(a.deadline) {
			return ActionNone
		}
		a.candidate = a.preferredAddress
		a.state = ClaimSendPreferredAddressClaim
		return ActionNone

	case ClaimSendPreferredAddressClaim:
		a.cf.setAddress(a.candidate)
		a.deadline = now.Add(a.contentionWindow)
		a.state = ClaimContendForPreferredAddress
		return ActionSendAddressClaim

	case ClaimContendForPreferredAddress:
		if obs.ConflictingClaim {
			if a.name < obs.ConflictingName {
				// We win. Re-assert: the losing contender's own claim
				// may have just overwritten the registry's address-table
				// slot (table bookkeeping tracks the most recently
				// received claim for a slot, not who numerically wins),
				// so reclaim both the local address field and the slot.
				a.cf.setAddress(a.candidate)
				return ActionSendAddressClaim
			}
			// We lose. Try an arbitrary address if we're allowed
			// to, otherwise give up.
			a.cf.setAddress(NullAddress)
			if a.name.ArbitraryAddressCapable() {
				start := uint8(arbitraryAddressLow)
				if a.candidate >= arbitraryAddressLow {
					start = a.candidate + 1
				}
				a.candidate = a.selectArbitraryAddress(start)
				a.state = ClaimSendArbitraryAddressClaim
				return ActionNone
			}
			a.state = ClaimUnableToClaim
			return ActionSendCannotClaim
		}
		if obs.RequestForClaim {
			a.state = ClaimSendReclaimAddressOnRequest
			return ActionNone
		}
		if !now.Before(a.deadline) {
			a.state = ClaimAddressClaimingComplete
			return ActionNone
		}
		return ActionNone

	case ClaimSendArbitraryAddressClaim:
		if a.candidate > arbitraryAddressHigh {
			a.state = ClaimUnableToClaim
			return ActionSendCannotClaim
		}
		a.cf.setAddress(a.candidate)
		a.deadline = now.Add(a.contentionWindow)
		a.state = ClaimContendForPreferredAddress
		return ActionSendAddressClaim

	case ClaimSendReclaimAddressOnRequest:
		a.state = ClaimContendForPreferredAddress
		return ActionSendAddressClaim

	case ClaimUnableToClaim:
		a.cf.setAddress(NullAddress)
		return ActionNone

	case ClaimAddressClaimingComplete:
		if obs.ConflictingClaim && obs.ConflictingName != a.name {
			// Another NAME claimed our address: settle it with the same
			// NAME comparison used while contending.
			a.state = ClaimContendForPreferredAddress
			a.deadline = now
			return a.Step(now, ClaimObservation{ConflictingClaim: true, ConflictingName: obs.ConflictingName})
		}
		if obs.RequestForClaim {
			return ActionSendAddressClaim
		}
		if obs.ConflictingClaim && obs.ConflictingName == a.name {
			// Someone else is claiming our NAME with a losing
			// address; defend by reclaiming.
			return ActionSendAddressClaim
		}
		return ActionNone

	default:
		return ActionNone
	}
}
