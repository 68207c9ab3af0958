package j1939

import (
	"encoding/binary"
	"testing"
	"time"
)

func testName(identity uint32, arbitraryCapable bool, functionCode uint8) NAME {
	return BuildNAME(NAMEFields{
		IdentityNumber:          identity,
		FunctionCode:            functionCode,
		ArbitraryAddressCapable: arbitraryCapable,
	})
}

func addressClaimFrame(t *testing.T, name NAME, source uint8) Frame {
	t.Helper()
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(name))
	raw, err := ConstructControlFrame(PriorityDefault, PGNAddressClaim, source, payload)
	if err != nil {
		t.Fatalf("ConstructControlFrame() error = %v", err)
	}
	return frameFromRaw(raw)
}

// driveSelfLoopback runs Update at 1ms steps, immediately looping every
// frame the network emits back into its own deliverFrame — the behaviour
// of a shared CAN bus where every transmitter also receives its own (and
// every other) frame. It stops early once cond reports true.
func driveSelfLoopback(nm *NetworkManager, steps int, cond func() bool) {
	now := time.Unix(0, 0)
	for i := 0; i < steps; i++ {
		nm.Update(now)
		for {
			item, ok := nm.peekOutbound()
			if !ok {
				break
			}
			nm.popOutbound()
			nm.deliverFrame(frameFromRaw(item.frame))
			if item.onComplete != nil {
				item.onComplete(true)
			}
		}
		if cond != nil && cond() {
			return
		}
		now = now.Add(time.Millisecond)
	}
}

// bridge forwards every frame each of a, b just queued to the other, as if
// both NetworkManagers were nodes on the same physical bus.
func bridge(a, b *NetworkManager) {
	forward := func(from, to *NetworkManager) {
		for {
			item, ok := from.peekOutbound()
			if !ok {
				return
			}
			from.popOutbound()
			to.deliverFrame(frameFromRaw(item.frame))
			if item.onComplete != nil {
				item.onComplete(true)
			}
		}
	}
	forward(a, b)
	forward(b, a)
}

func TestNetworkManager_InternalCF_ClaimsPreferredAddress(t *testing.T) {
	cfg := Config{AddressClaimContentionWindow: 5 * time.Millisecond}
	nm := NewNetworkManager(cfg, discardLogger())
	cf, err := nm.AddInternalControlFunction(testName(1, true, 0), 0x80)
	if err != nil {
		t.Fatalf("AddInternalControlFunction() error = %v", err)
	}

	driveSelfLoopback(nm, 2000, func() bool { return cf.ClaimState() == ClaimAddressClaimingComplete })

	if cf.ClaimState() != ClaimAddressClaimingComplete {
		t.Fatalf("claim state = %v, want AddressClaimingComplete", cf.ClaimState())
	}
	if cf.Address() != 0x80 {
		t.Fatalf("Address() = %#x, want 0x80", cf.Address())
	}
	if got, ok := nm.LookupByAddress(0x80); !ok || got != cf {
		t.Fatalf("LookupByAddress(0x80) = %v, %v, want cf, true", got, ok)
	}
	if err := cf.ClaimError(); err != nil {
		t.Fatalf("ClaimError() = %v, want nil once claimed", err)
	}
}

// TestNetworkManager_Contention_LowerNAMEWins matches the contention
// scenario: two Internal CFs on the same bus both prefer 0x80, and the one
// with the numerically smaller NAME keeps it while the other falls back to
// the next arbitrary address.
func TestNetworkManager_Contention_LowerNAMEWins(t *testing.T) {
	cfg := Config{AddressClaimContentionWindow: 5 * time.Millisecond}
	nm := NewNetworkManager(cfg, discardLogger())

	lower, err := nm.AddInternalControlFunction(testName(1, true, 0), 0x80)
	if err != nil {
		t.Fatalf("AddInternalControlFunction(lower) error = %v", err)
	}
	higher, err := nm.AddInternalControlFunction(testName(2, true, 0), 0x80)
	if err != nil {
		t.Fatalf("AddInternalControlFunction(higher) error = %v", err)
	}

	driveSelfLoopback(nm, 5000, func() bool {
		return lower.ClaimState() == ClaimAddressClaimingComplete && higher.ClaimState() == ClaimAddressClaimingComplete
	})

	if lower.Address() != 0x80 {
		t.Fatalf("lower-NAME CF address = %#x, want 0x80", lower.Address())
	}
	if higher.Address() != 0x81 {
		t.Fatalf("higher-NAME CF address = %#x, want 0x81", higher.Address())
	}
}

// TestNetworkManager_EvictionOnForeignClaim matches the eviction scenario:
// an Address-Claim frame from an already-occupied address, carrying a
// different NAME, evicts the current occupant to the inactive list.
func TestNetworkManager_EvictionOnForeignClaim(t *testing.T) {
	nm := NewNetworkManager(Config{}, discardLogger())

	nameX := testName(10, false, 0)
	nm.deliverFrame(addressClaimFrame(t, nameX, 0x20))
	cfX, ok := nm.LookupByName(nameX)
	if !ok {
		t.Fatalf("control function for nameX not found after preload")
	}
	if cfX.Address() != 0x20 {
		t.Fatalf("preloaded CF address = %#x, want 0x20", cfX.Address())
	}

	nameY := testName(11, false, 0)
	nm.deliverFrame(addressClaimFrame(t, nameY, 0x20))

	if cfX.Address() != NullAddress {
		t.Fatalf("evicted CF address = %#x, want NullAddress", cfX.Address())
	}
	cfAt20, ok := nm.LookupByAddress(0x20)
	if !ok || cfAt20 == cfX || cfAt20.NAME() != nameY {
		t.Fatalf("LookupByAddress(0x20) after eviction = %v, %v, want the new claimant", cfAt20, ok)
	}
}

func TestNetworkManager_DestroyControlFunction(t *testing.T) {
	nm := NewNetworkManager(Config{AddressClaimContentionWindow: 5 * time.Millisecond}, discardLogger())
	cf, err := nm.AddInternalControlFunction(testName(1, true, 0), 0x40)
	if err != nil {
		t.Fatalf("AddInternalControlFunction() error = %v", err)
	}
	driveSelfLoopback(nm, 2000, func() bool { return cf.ClaimState() == ClaimAddressClaimingComplete })

	if nm.DestroyControlFunction(cf, 2) {
		t.Fatalf("destroy with wrong expected ref count should fail")
	}
	if !nm.DestroyControlFunction(cf, 1) {
		t.Fatalf("destroy with matching ref count should succeed")
	}

	stub, ok := nm.LookupByAddress(0x40)
	if !ok {
		t.Fatalf("expected a replacement stub at 0x40 after destroying a running network's claimed CF")
	}
	if stub == cf || stub.NAME() != cf.NAME() || stub.Type() != External {
		t.Fatalf("replacement stub = %+v, want a new External CF with the same NAME", stub)
	}
}

// TestNetworkManager_PartneredRendezvous matches the partnered-claim
// rendezvous scenario across two bridged NetworkManagers.
func TestNetworkManager_PartneredRendezvous(t *testing.T) {
	cfg := Config{AddressClaimContentionWindow: 5 * time.Millisecond}
	nm1 := NewNetworkManager(cfg, discardLogger())
	nm2 := NewNetworkManager(cfg, discardLogger())

	const cabClimateControl uint8 = 40
	const seatControl uint8 = 41

	cf1, err := nm1.AddInternalControlFunction(testName(1, true, cabClimateControl), 0x1C)
	if err != nil {
		t.Fatalf("nm1 AddInternalControlFunction() error = %v", err)
	}
	cf2, err := nm2.AddInternalControlFunction(testName(2, true, seatControl), 0x1D)
	if err != nil {
		t.Fatalf("nm2 AddInternalControlFunction() error = %v", err)
	}

	partner1 := nm1.AddPartneredControlFunction([]NAMEFilter{{Parameter: ParamFunctionCode, Value: uint32(seatControl)}})
	partner2 := nm2.AddPartneredControlFunction([]NAMEFilter{{Parameter: ParamFunctionCode, Value: uint32(cabClimateControl)}})

	now := time.Unix(0, 0)
	for i := 0; i < 2000; i++ {
		nm1.Update(now)
		nm2.Update(now)
		bridge(nm1, nm2)
		if cf1.AddressValid() && cf2.AddressValid() && partner1.AddressValid() && partner2.AddressValid() {
			break
		}
		now = now.Add(time.Millisecond)
	}

	if !cf1.AddressValid() || !cf2.AddressValid() {
		t.Fatalf("internal CFs did not both claim: cf1=%v(%v) cf2=%v(%v)", cf1.Address(), cf1.ClaimState(), cf2.Address(), cf2.ClaimState())
	}
	if !partner1.AddressValid() || partner1.Address() != cf2.Address() {
		t.Fatalf("partner1 = %#x, want bound to cf2's address %#x", partner1.Address(), cf2.Address())
	}
	if !partner2.AddressValid() || partner2.Address() != cf1.Address() {
		t.Fatalf("partner2 = %#x, want bound to cf1's address %#x", partner2.Address(), cf1.Address())
	}
}

func TestNetworkManager_DispatchOrder_GlobalAndAnyCF(t *testing.T) {
	nm := NewNetworkManager(Config{}, discardLogger())
	internal, err := nm.AddInternalControlFunction(testName(1, true, 0), 0x10)
	if err != nil {
		t.Fatalf("AddInternalControlFunction() error = %v", err)
	}
	internal.setAddress(0x10)

	const testBroadcastPGN uint32 = 0x00FEF1

	var order []string
	nm.AddProtocolCallback(testBroadcastPGN, func(Message) { order = append(order, "protocol") })
	nm.AddAnyControlFunctionCallback(testBroadcastPGN, func(Message) { order = append(order, "anyCF") })
	nm.AddGlobalCallback(testBroadcastPGN, func(Message) { order = append(order, "global") })

	nm.deliverFrame(Frame{Identifier: mustGlobalID(t, testBroadcastPGN, 0x55), Extended: true, Len: 1})
	nm.Update(time.Unix(0, 0))

	want := []string{"protocol", "anyCF", "global"}
	if len(order) != len(want) {
		t.Fatalf("dispatch order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func mustGlobalID(t *testing.T, pgn uint32, source uint8) uint32 {
	t.Helper()
	raw, err := ConstructFrame(PriorityDefault, pgn, source, GlobalAddress, []byte{0})
	if err != nil {
		t.Fatalf("ConstructFrame() error = %v", err)
	}
	return raw.Identifier
}

func TestNetworkManager_Send_RejectsUnclaimedSource(t *testing.T) {
	nm := NewNetworkManager(Config{}, discardLogger())
	cf, err := nm.AddInternalControlFunction(testName(1, true, 0), 0x10)
	if err != nil {
		t.Fatalf("AddInternalControlFunction() error = %v", err)
	}
	if err := nm.Send(999, []byte{1}, cf, nil, PriorityDefault, nil); err != ErrSourceCFNotClaimed {
		t.Fatalf("Send() with unclaimed source: got %v, want ErrSourceCFNotClaimed", err)
	}
}

func TestNetworkManager_Send_QueuesSingleFrame(t *testing.T) {
	nm := NewNetworkManager(Config{}, discardLogger())
	cf, err := nm.AddInternalControlFunction(testName(1, true, 0), 0x10)
	if err != nil {
		t.Fatalf("AddInternalControlFunction() error = %v", err)
	}
	cf.setAddress(0x10)

	done := make(chan bool, 1)
	if err := nm.Send(0x00FEF1, []byte{1, 2, 3}, cf, nil, PriorityDefault, func(ok bool) { done <- ok }); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	item, ok := nm.peekOutbound()
	if !ok {
		t.Fatalf("expected a queued outbound frame")
	}
	if item.frame.Identifier == 0 {
		t.Fatalf("queued frame has zero identifier")
	}
}

// TestNetworkManager_ArbitraryAddress_SkipsQuietSmallerNAMEOccupant matches
// §4.2's arbitrary-address selection rule: a CF falling back to an
// arbitrary address must skip any address already held by a smaller NAME,
// even one that never retransmits to trigger the reactive ConflictingClaim
// path. Address 0x80, the first arbitrary address, is preloaded with a
// one-shot claim from a quiet smaller-NAME CF that never claims again; the
// losing contender's arbitrary fallback must pass over it and land on 0x81.
func TestNetworkManager_ArbitraryAddress_SkipsQuietSmallerNAMEOccupant(t *testing.T) {
	cfg := Config{AddressClaimContentionWindow: 5 * time.Millisecond}
	nm := NewNetworkManager(cfg, discardLogger())

	quietName := testName(5, false, 0)
	nm.deliverFrame(addressClaimFrame(t, quietName, 0x80))

	lower, err := nm.AddInternalControlFunction(testName(1, true, 0), 0x10)
	if err != nil {
		t.Fatalf("AddInternalControlFunction(lower) error = %v", err)
	}
	higher, err := nm.AddInternalControlFunction(testName(50, true, 0), 0x10)
	if err != nil {
		t.Fatalf("AddInternalControlFunction(higher) error = %v", err)
	}

	driveSelfLoopback(nm, 5000, func() bool {
		return lower.ClaimState() == ClaimAddressClaimingComplete && higher.ClaimState() == ClaimAddressClaimingComplete
	})

	if lower.Address() != 0x10 {
		t.Fatalf("lower-NAME CF address = %#x, want 0x10", lower.Address())
	}
	if higher.Address() != 0x81 {
		t.Fatalf("higher-NAME CF address = %#x, want 0x81 (0x80 held by a smaller NAME)", higher.Address())
	}
	quiet, ok := nm.LookupByAddress(0x80)
	if !ok || quiet.NAME() != quietName {
		t.Fatalf("LookupByAddress(0x80) = %v, %v, want the quiet occupant untouched", quiet, ok)
	}
}
