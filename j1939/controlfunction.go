package j1939

import (
	"log/slog"
	"reflect"
	"sync"
)

// Type distinguishes the three kinds of control function a network manager
// tracks.
type Type int

const (
	// Internal control functions are owned by this node and drive the
	// address-claim state machine.
	Internal Type = iota
	// External control functions represent any other node observed on
	// the bus; the manager only learns their NAME and address.
	External
	// Partnered control functions are External control functions this
	// node has expressed interest in via a NAME filter, and are reported
	// through the partner-specific callback registry.
	Partnered
)

func (t Type) String() string {
	switch t {
	case Internal:
		return "Internal"
	case External:
		return "External"
	case Partnered:
		return "Partnered"
	default:
		return "Unknown"
	}
}

// ControlFunction is one node on the bus as known to a NetworkManager: its
// claimed NAME, its address (NullAddress if unclaimed), and its type.
//
// A ControlFunction's address can change as claims are won and lost; callers
// needing a stable handle should hold the *ControlFunction rather than
// copying its address out, but must not assume the pointer stays resident in
// the network's address table once evicted.
type ControlFunction struct {
	mu      sync.RWMutex
	name    NAME
	address uint8
	typ     Type
	refs    int

	// network is the NetworkManager this control function is registered
	// with, stored as a plain pointer rather than a back-reference the
	// network also holds strongly — the network never reaches a
	// ControlFunction through this field, so no retain cycle exists to
	// break (see the design notes on cyclic references).
	network *NetworkManager

	// filters is populated for Partnered control functions: the NAME
	// filter set this node registered interest against. bound is set once
	// a Partnered control function has matched and adopted a claimant's
	// NAME, so a later claim from some other NAME that also happens to
	// satisfy the filter set is ignored instead of rebinding.
	filters []NAMEFilter
	bound   bool

	// claimer is non-nil for Internal control functions: the address-claim
	// state machine driving this control function's address.
	claimer *AddressClaimer

	// pcbMu guards pcallbacks, kept separate from mu so dispatch never
	// blocks on the name/address/type lock (§5).
	pcbMu      sync.Mutex
	pcallbacks map[uint32][]partnerCallback
}

// partnerCallback is one per-PGN callback registered on a Partnered control
// function, optionally scoped to messages destined to a specific Internal
// control function.
type partnerCallback struct {
	ptr               uintptr
	cb                MessageCallback
	destinationFilter *ControlFunction
}

// NewControlFunction constructs a control function with the given identity.
// It does not register it with any NetworkManager; callers use
// NetworkManager.AddInternalControlFunction /
// NetworkManager.AddPartneredControlFunction for that.
func NewControlFunction(name NAME, address uint8, typ Type) *ControlFunction {
	return &ControlFunction{name: name, address: address, typ: typ, refs: 1}
}

func newPartneredControlFunction(filters []NAMEFilter) *ControlFunction {
	return &ControlFunction{name: 0, address: NullAddress, typ: Partnered, filters: append([]NAMEFilter(nil), filters...)}
}

// NAME returns the control function's claimed NAME.
func (cf *ControlFunction) NAME() NAME {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.name
}

// Address returns the control function's current address.
func (cf *ControlFunction) Address() uint8 {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.address
}

// AddressValid reports whether Address returns a usable bus address, as
// opposed to NullAddress or GlobalAddress.
func (cf *ControlFunction) AddressValid() bool {
	a := cf.Address()
	return a < NullAddress
}

// Type returns the control function's kind.
func (cf *ControlFunction) Type() Type {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.typ
}

// AssociatedNetwork returns the NetworkManager cf was registered with, or
// nil if it was never registered with one.
func (cf *ControlFunction) AssociatedNetwork() *NetworkManager {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.network
}

// ClaimState returns the address-claim state machine's current state for an
// Internal control function, or ClaimNone for any other type.
func (cf *ControlFunction) ClaimState() ClaimState {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	if cf.claimer == nil {
		return ClaimNone
	}
	return cf.claimer.State()
}

// ClaimError returns ErrAddressClaimFailed once cf's address-claim state
// machine has given up (ClaimUnableToClaim), and nil otherwise.
func (cf *ControlFunction) ClaimError() error {
	if cf.ClaimState() == ClaimUnableToClaim {
		return ErrAddressClaimFailed
	}
	return nil
}

// Retain increments cf's live reference count and returns the new count.
// Callers holding an outstanding reference beyond the one returned by a
// factory function should Retain it and Release when done, so that
// NetworkManager.DestroyControlFunction's expectedRefCount check reflects
// reality.
func (cf *ControlFunction) Retain() int {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.refs++
	return cf.refs
}

// Release decrements cf's live reference count and returns the new count.
func (cf *ControlFunction) Release() int {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.refs > 0 {
		cf.refs--
	}
	return cf.refs
}

// RefCount reports cf's current live reference count.
func (cf *ControlFunction) RefCount() int {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.refs
}

func (cf *ControlFunction) setAddress(a uint8) {
	cf.mu.Lock()
	cf.address = a
	cf.mu.Unlock()
}

func (cf *ControlFunction) setName(n NAME) {
	cf.mu.Lock()
	cf.name = n
	cf.mu.Unlock()
}

func (cf *ControlFunction) matchesFilters(n NAME) bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return MatchesAll(n, cf.filters)
}

// tryBind marks a Partnered control function bound, returning true the
// first time it is called and false on every subsequent call — so a
// partner binds to the first claimant that satisfies its filter set and
// ignores any other claimant that happens to also match.
func (cf *ControlFunction) tryBind() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.bound {
		return false
	}
	cf.bound = true
	return true
}

// AddPartnerCallback registers cb to fire for messages of pgn received from
// this Partnered control function. If destinationFilter is non-nil, cb only
// fires for messages destined to that particular Internal control function;
// nil matches any destination. Returns true on first registration of this
// (pgn, cb) pair, false if it was already registered (see open question (c)
// in the design notes: duplicate registration is a no-op, not a count).
func (cf *ControlFunction) AddPartnerCallback(pgn uint32, cb MessageCallback, destinationFilter *ControlFunction) bool {
	ptr := reflect.ValueOf(cb).Pointer()
	cf.pcbMu.Lock()
	defer cf.pcbMu.Unlock()
	if cf.pcallbacks == nil {
		cf.pcallbacks = make(map[uint32][]partnerCallback)
	}
	for _, existing := range cf.pcallbacks[pgn] {
		if existing.ptr == ptr {
			return false
		}
	}
	cf.pcallbacks[pgn] = append(cf.pcallbacks[pgn], partnerCallback{ptr: ptr, cb: cb, destinationFilter: destinationFilter})
	return true
}

// RemovePartnerCallback reverses AddPartnerCallback. Returns true if a
// matching registration was found and removed.
func (cf *ControlFunction) RemovePartnerCallback(pgn uint32, cb MessageCallback) bool {
	ptr := reflect.ValueOf(cb).Pointer()
	cf.pcbMu.Lock()
	defer cf.pcbMu.Unlock()
	entries := cf.pcallbacks[pgn]
	for i, existing := range entries {
		if existing.ptr == ptr {
			cf.pcallbacks[pgn] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// partnerCallbacksFor snapshots the callbacks registered for pgn whose
// destination filter accepts destination, under the lock, for the caller to
// invoke after releasing it.
func (cf *ControlFunction) partnerCallbacksFor(pgn uint32, destination *ControlFunction) []MessageCallback {
	cf.pcbMu.Lock()
	defer cf.pcbMu.Unlock()
	var out []MessageCallback
	for _, entry := range cf.pcallbacks[pgn] {
		if entry.destinationFilter == nil || entry.destinationFilter == destination {
			out = append(out, entry.cb)
		}
	}
	return out
}

// registry tracks every control function a NetworkManager knows about: a
// 254-entry address table (index by address, NullAddress/GlobalAddress never
// stored), plus the set of control functions with no current address.
//
// registry mirrors the control-function tables the original ISOBUS stack
// guards with a single global mutex; here each NetworkManager owns its own
// registry and mutex instead of sharing one process-wide lock.
type registry struct {
	mu        sync.Mutex
	byAddress [256]*ControlFunction
	inactive  []*ControlFunction
	logger    *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{logger: logger}
}

// claim installs cf at address a, evicting whatever control function
// currently occupies that slot. The evicted control function's identifying
// information is captured before its slot is cleared, so the eviction log
// line reports who was actually displaced rather than a zeroed-out struct.
func (r *registry) claim(cf *ControlFunction, a uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a < NullAddress {
		if evicted := r.byAddress[a]; evicted != nil && evicted != cf {
			evictedName := evicted.NAME()
			evictedType := evicted.Type()
			evicted.setAddress(NullAddress)
			r.inactive = append(r.inactive, evicted)
			if r.logger != nil {
				r.logger.Info("control function evicted by new address claim",
					"address", a, "evicted_name", evictedName, "evicted_type", evictedType.String())
			}
		}
		r.byAddress[a] = cf
	}
	cf.setAddress(a)
	r.removeInactiveLocked(cf)
}

// installSelf writes cf into address-table slot a the moment cf's own
// AddressClaimer transmits a claim for it. The slot may already hold any
// control function — another of this manager's own Internal control
// functions mid-contention for the same address, or an External control
// function discovered from an earlier foreign claim — so installSelf
// compares NAMEs before touching it: a smaller-NAME occupant outranks cf and
// keeps the slot untouched, leaving cf reachable only via its existing
// inactive-list entry until AddressClaimer.Step's own NAME comparison on a
// later tick sorts out the contention. Unlike claim, it never clears a
// displaced occupant's address field: the displaced occupant is moved to
// the inactive list so it stays reachable by NAME lookup, but whether it
// actually lost the address is for Step to decide.
func (r *registry) installSelf(cf *ControlFunction, a uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a < NullAddress {
		if occupant := r.byAddress[a]; occupant != nil && occupant != cf {
			if occupant.NAME() < cf.NAME() {
				return
			}
			r.inactive = append(r.inactive, occupant)
		}
		r.byAddress[a] = cf
	}
	cf.setAddress(a)
	r.removeInactiveLocked(cf)
}

// addInactive records a freshly constructed control function as inactive
// (no address yet), without touching any address-table slot.
func (r *registry) addInactive(cf *ControlFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inactive = append(r.inactive, cf)
}

// release clears cf's occupied address slot, if any, and records it as
// inactive.
func (r *registry) release(cf *ControlFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := cf.Address()
	if a < NullAddress && r.byAddress[a] == cf {
		r.byAddress[a] = nil
	}
	cf.setAddress(NullAddress)
	r.inactive = append(r.inactive, cf)
}

// releaseAt clears knownAddr's slot if it still holds cf and records cf as
// inactive. It exists alongside release for callers (the address-claim
// state machine driving its own cf.setAddress calls) that have already
// observed cf's address become NullAddress and so can no longer recover
// which slot to clear from cf.Address() itself.
func (r *registry) releaseAt(cf *ControlFunction, knownAddr uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if knownAddr < NullAddress && r.byAddress[knownAddr] == cf {
		r.byAddress[knownAddr] = nil
	}
	cf.setAddress(NullAddress)
	r.removeInactiveLocked(cf)
	r.inactive = append(r.inactive, cf)
}

func (r *registry) removeInactiveLocked(cf *ControlFunction) {
	for i, c := range r.inactive {
		if c == cf {
			r.inactive = append(r.inactive[:i], r.inactive[i+1:]...)
			return
		}
	}
}

// byAddressLookup returns the control function currently occupying address
// a, if any.
func (r *registry) byAddressLookup(a uint8) (*ControlFunction, bool) {
	if a >= NullAddress {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cf := r.byAddress[a]
	return cf, cf != nil
}

// byNameLookup scans every known control function, active or inactive, for
// one claiming name.
func (r *registry) byNameLookup(name NAME) (*ControlFunction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cf := range r.byAddress {
		if cf != nil && cf.NAME() == name {
			return cf, true
		}
	}
	for _, cf := range r.inactive {
		if cf.NAME() == name {
			return cf, true
		}
	}
	return nil, false
}

// destroy removes cf from the registry entirely, provided its live
// reference count matches expectedRefCount. This mirrors
// CanControlFunction::destroy: if the live count differs from
// expectedRefCount (for example because another caller still holds a
// reference to cf), the check fails and cf remains registered.
func (r *registry) destroy(cf *ControlFunction, expectedRefCount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	if a := cf.Address(); a < NullAddress && r.byAddress[a] == cf {
		found = true
	}
	for _, c := range r.inactive {
		if c == cf {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	cf.mu.Lock()
	refs := cf.refs
	cf.mu.Unlock()
	if refs != expectedRefCount {
		return false
	}
	if a := cf.Address(); a < NullAddress && r.byAddress[a] == cf {
		r.byAddress[a] = nil
	}
	r.removeInactiveLocked(cf)
	return true
}

// partnersMatching returns every Partnered control function in partners
// whose filter set accepts name.
func (r *registry) partnersMatching(name NAME, partners []*ControlFunction) []*ControlFunction {
	var matched []*ControlFunction
	for _, p := range partners {
		if p.matchesFilters(name) {
			matched = append(matched, p)
		}
	}
	return matched
}
