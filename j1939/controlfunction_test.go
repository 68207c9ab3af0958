package j1939

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_ClaimEvictsOccupant(t *testing.T) {
	r := newRegistry(discardLogger())
	x := NewControlFunction(NAME(100), NullAddress, External)
	r.addInactive(x)
	r.claim(x, 0x20)

	y := NewControlFunction(NAME(200), NullAddress, External)
	r.addInactive(y)
	r.claim(y, 0x20)

	if x.Address() != NullAddress {
		t.Fatalf("evicted CF address = %#x, want NullAddress", x.Address())
	}
	got, ok := r.byAddressLookup(0x20)
	if !ok || got != y {
		t.Fatalf("byAddressLookup(0x20) = %v, %v, want y", got, ok)
	}
	found := false
	for _, c := range r.inactive {
		if c == x {
			found = true
		}
	}
	if !found {
		t.Fatalf("evicted CF not moved to inactive list")
	}
}

func TestRegistry_Destroy_RefCountAndPresence(t *testing.T) {
	r := newRegistry(discardLogger())
	cf := NewControlFunction(NAME(1), NullAddress, Internal)
	r.addInactive(cf)

	if r.destroy(cf, 2) {
		t.Fatalf("destroy with wrong expected ref count should fail")
	}
	if !r.destroy(cf, 1) {
		t.Fatalf("destroy with matching ref count should succeed")
	}
	if _, ok := r.byNameLookup(NAME(1)); ok {
		t.Fatalf("destroyed CF should no longer be findable")
	}

	stray := NewControlFunction(NAME(2), NullAddress, External)
	if r.destroy(stray, 1) {
		t.Fatalf("destroy of a CF never added to this registry should fail")
	}
}

func TestControlFunction_RetainRelease(t *testing.T) {
	cf := NewControlFunction(NAME(1), NullAddress, Internal)
	if cf.RefCount() != 1 {
		t.Fatalf("initial RefCount() = %d, want 1", cf.RefCount())
	}
	if got := cf.Retain(); got != 2 {
		t.Fatalf("Retain() = %d, want 2", got)
	}
	if got := cf.Release(); got != 1 {
		t.Fatalf("Release() = %d, want 1", got)
	}
}

func TestControlFunction_TryBind_FirstWriterWins(t *testing.T) {
	cf := newPartneredControlFunction(nil)
	if !cf.tryBind() {
		t.Fatalf("first tryBind() should succeed")
	}
	if cf.tryBind() {
		t.Fatalf("second tryBind() should fail")
	}
}

func TestControlFunction_PartnerCallback_DuplicateRegistrationIsNoop(t *testing.T) {
	cf := newPartneredControlFunction(nil)
	cb := func(Message) {}
	if !cf.AddPartnerCallback(1234, cb, nil) {
		t.Fatalf("first AddPartnerCallback() should return true")
	}
	if cf.AddPartnerCallback(1234, cb, nil) {
		t.Fatalf("duplicate AddPartnerCallback() should return false")
	}
	if !cf.RemovePartnerCallback(1234, cb) {
		t.Fatalf("RemovePartnerCallback() should find the registration")
	}
	if cf.RemovePartnerCallback(1234, cb) {
		t.Fatalf("second RemovePartnerCallback() should find nothing")
	}
}

func TestControlFunction_PartnerCallback_DestinationFilter(t *testing.T) {
	cf := newPartneredControlFunction(nil)
	dst1 := NewControlFunction(NAME(1), 0x10, Internal)
	dst2 := NewControlFunction(NAME(2), 0x11, Internal)

	var gotAny, gotDst1 int
	cf.AddPartnerCallback(1, func(Message) { gotAny++ }, nil)
	cf.AddPartnerCallback(1, func(Message) { gotDst1++ }, dst1)

	cbs := cf.partnerCallbacksFor(1, dst1)
	for _, cb := range cbs {
		cb(Message{})
	}
	if gotAny != 1 || gotDst1 != 1 {
		t.Fatalf("destined to dst1: gotAny=%d gotDst1=%d, want 1,1", gotAny, gotDst1)
	}

	cbs = cf.partnerCallbacksFor(1, dst2)
	for _, cb := range cbs {
		cb(Message{})
	}
	if gotAny != 2 || gotDst1 != 1 {
		t.Fatalf("destined to dst2: gotAny=%d gotDst1=%d, want 2,1", gotAny, gotDst1)
	}
}
