package j1939

import (
	"encoding/binary"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// MessageCallback receives one decoded, dispatched message.
type MessageCallback func(msg Message)

// Message is a decoded frame resolved against the control-function
// registry, queued by the receive pipeline (§4.6) for dispatch on the next
// Update.
type Message struct {
	PGN         uint32
	Priority    Priority
	Payload     []byte
	Source      *ControlFunction // nil if the sender's address is unclaimed/unknown
	Destination *ControlFunction // nil if the destination address has no known control function
	Broadcast   bool
}

// callbackRegistry is a PGN-keyed set of callbacks guarded by its own lock,
// never held while invoking user code: Snapshot copies the relevant slice
// under the lock and returns it for the caller to iterate after releasing.
type callbackRegistry struct {
	mu      sync.Mutex
	ptrs    map[uint32][]uintptr
	entries map[uint32][]MessageCallback
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{ptrs: make(map[uint32][]uintptr), entries: make(map[uint32][]MessageCallback)}
}

// Add returns true on first registration of (pgn, cb), false if an
// identical pair is already registered. Callback identity is the
// function's code pointer via reflect, the usual Go idiom for
// deduplicating callbacks that can't be compared with ==.
func (r *callbackRegistry) Add(pgn uint32, cb MessageCallback) bool {
	ptr := reflect.ValueOf(cb).Pointer()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.ptrs[pgn] {
		if p == ptr {
			return false
		}
	}
	r.ptrs[pgn] = append(r.ptrs[pgn], ptr)
	r.entries[pgn] = append(r.entries[pgn], cb)
	return true
}

// Remove returns true if a matching registration was found and removed.
func (r *callbackRegistry) Remove(pgn uint32, cb MessageCallback) bool {
	ptr := reflect.ValueOf(cb).Pointer()
	r.mu.Lock()
	defer r.mu.Unlock()
	ptrs := r.ptrs[pgn]
	for i, p := range ptrs {
		if p == ptr {
			r.ptrs[pgn] = append(ptrs[:i], ptrs[i+1:]...)
			entries := r.entries[pgn]
			r.entries[pgn] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot copies the callbacks registered for pgn.
func (r *callbackRegistry) Snapshot(pgn uint32) []MessageCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.entries[pgn]
	out := make([]MessageCallback, len(entries))
	copy(out, entries)
	return out
}

type outboundItem struct {
	frame      RawFrame
	onComplete func(success bool)
	attempts   int
}

// claimState pairs an AddressClaimer with the observations accumulated on
// its behalf since the last Update: a NetworkManager drives every internal
// control function's claimer from its own pump tick rather than each
// claimer running a private timer goroutine (§4.2, §9).
type claimState struct {
	claimer *AddressClaimer
	obs     ClaimObservation
}

// NetworkManager is the per-bus singleton described in §2 item 6: it owns
// the address table, the inactive and partner lists, the registered
// protocol list, the global/any-CF/protocol callback registries, and the
// busload estimator, and drives the send/receive pipelines and every
// internal control function's address-claim state machine.
//
// Nothing here is package-level global state; multiple independent
// NetworkManagers (one per bus) can run in the same process.
type NetworkManager struct {
	logger *slog.Logger
	config Config

	reg *registry

	// cfMu is the control-function processing lock (§5): held across the
	// whole promotion/eviction step and the claim-stepping portion of
	// Update, so both observe a consistent view of internal/partners.
	cfMu     sync.Mutex
	internal []*ControlFunction
	partners []*ControlFunction
	claimers map[*ControlFunction]*claimState

	protocolsMu sync.Mutex
	protocols   []Protocol

	globalCallbacks   *callbackRegistry
	anyCFCallbacks    *callbackRegistry
	protocolCallbacks *callbackRegistry

	inboundMu sync.Mutex
	inbound   []Message

	outboundMu sync.Mutex
	outbound   []outboundItem

	busloadMu sync.Mutex
	busload   *BusloadEstimator

	running atomic.Bool

	wakeMu sync.Mutex
	wake   func()
}

// NewNetworkManager constructs a NetworkManager with no control functions
// and no registered protocols. logger may be nil, in which case
// slog.Default() is used.
func NewNetworkManager(config Config, logger *slog.Logger) *NetworkManager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := config.withDefaults()
	nm := &NetworkManager{
		logger:            logger,
		config:            cfg,
		reg:               newRegistry(logger),
		claimers:          make(map[*ControlFunction]*claimState),
		globalCallbacks:   newCallbackRegistry(),
		anyCFCallbacks:    newCallbackRegistry(),
		protocolCallbacks: newCallbackRegistry(),
		busload:           NewBusloadEstimator(cfg.BusloadSampleWindow, cfg.BusloadUpdateInterval, time.Now()),
	}
	nm.running.Store(true)
	return nm
}

func (n *NetworkManager) setWake(f func()) {
	n.wakeMu.Lock()
	n.wake = f
	n.wakeMu.Unlock()
}

func (n *NetworkManager) callWake() {
	n.wakeMu.Lock()
	w := n.wake
	n.wakeMu.Unlock()
	if w != nil {
		w()
	}
}

func (n *NetworkManager) setRunning(v bool) { n.running.Store(v) }

// Running reports whether this network accepts sends: true from
// construction until its HardwareInterface channel is stopped, and true
// again once that channel's RX goroutine starts.
func (n *NetworkManager) Running() bool { return n.running.Load() }

// Logger returns the logger this manager was constructed with.
func (n *NetworkManager) Logger() *slog.Logger { return n.logger }

// Busload returns the estimated percentage (0-100) of the 250kbit/s bus
// consumed over the trailing sample window.
func (n *NetworkManager) Busload() float64 {
	n.busloadMu.Lock()
	defer n.busloadMu.Unlock()
	return n.busload.Percent()
}

// --- control function lifecycle (§4.3) ---

// AddInternalControlFunction creates and registers an Internal control
// function for name, scheduling its address claim at preferredAddress.
// Fails with ErrDuplicateNAME if another Internal control function on this
// network already claims name.
func (n *NetworkManager) AddInternalControlFunction(name NAME, preferredAddress uint8) (*ControlFunction, error) {
	n.cfMu.Lock()
	defer n.cfMu.Unlock()
	for _, cf := range n.internal {
		if cf.NAME() == name {
			return nil, ErrDuplicateNAME
		}
	}
	cf := NewControlFunction(name, NullAddress, Internal)
	cf.network = n
	claimer := NewAddressClaimer(cf, preferredAddress, n.config.AddressClaimContentionWindow, func(addr uint8) (NAME, bool) {
		occupant, ok := n.reg.byAddressLookup(addr)
		if !ok {
			return 0, false
		}
		return occupant.NAME(), true
	})
	cf.claimer = claimer
	n.internal = append(n.internal, cf)
	n.claimers[cf] = &claimState{claimer: claimer}
	n.reg.addInactive(cf)
	return cf, nil
}

// AddPartneredControlFunction declares a Partnered control function that
// binds to the first External control function matching filters.
func (n *NetworkManager) AddPartneredControlFunction(filters []NAMEFilter) *ControlFunction {
	cf := newPartneredControlFunction(filters)
	cf.network = n
	n.cfMu.Lock()
	n.partners = append(n.partners, cf)
	n.cfMu.Unlock()
	return cf
}

// RegisterProtocol adds p to the list offered messages in the send pipeline
// (§4.5), in registration order, and calls p.Initialize(n).
func (n *NetworkManager) RegisterProtocol(p Protocol) {
	n.protocolsMu.Lock()
	n.protocols = append(n.protocols, p)
	n.protocolsMu.Unlock()
	p.Initialize(n)
}

// LookupByAddress returns the control function currently occupying address
// a, if any. Addresses NullAddress and GlobalAddress never resolve.
func (n *NetworkManager) LookupByAddress(a uint8) (*ControlFunction, bool) {
	return n.reg.byAddressLookup(a)
}

// LookupByName scans every known control function, active or inactive, for
// one claiming name.
func (n *NetworkManager) LookupByName(name NAME) (*ControlFunction, bool) {
	return n.reg.byNameLookup(name)
}

// DestroyControlFunction removes cf from this network, provided its live
// reference count is exactly expectedRefCount. On success, if the network
// is still running and cf held a valid address, that slot is replaced with
// a freshly materialised External stub carrying the same NAME, matching the
// lifecycle rule in §3.
func (n *NetworkManager) DestroyControlFunction(cf *ControlFunction, expectedRefCount int) bool {
	if !n.reg.destroy(cf, expectedRefCount) {
		return false
	}

	n.cfMu.Lock()
	n.internal = removeCF(n.internal, cf)
	n.partners = removeCF(n.partners, cf)
	delete(n.claimers, cf)
	n.cfMu.Unlock()

	if n.Running() {
		if a := cf.Address(); a < NullAddress {
			stub := NewControlFunction(cf.NAME(), a, External)
			stub.network = n
			n.reg.claim(stub, a)
		}
	}
	return true
}

func removeCF(list []*ControlFunction, cf *ControlFunction) []*ControlFunction {
	for i, c := range list {
		if c == cf {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// --- callback registration (§4.3, §4.6; open questions (b), (c)) ---

// AddGlobalCallback registers cb for every message of pgn that is broadcast
// or whose source address resolved to a known control function. Returns
// true on first registration of this (pgn, cb) pair.
func (n *NetworkManager) AddGlobalCallback(pgn uint32, cb MessageCallback) bool {
	return n.globalCallbacks.Add(pgn, cb)
}

// RemoveGlobalCallback reverses AddGlobalCallback.
func (n *NetworkManager) RemoveGlobalCallback(pgn uint32, cb MessageCallback) bool {
	return n.globalCallbacks.Remove(pgn, cb)
}

// AddAnyControlFunctionCallback registers cb for every message of pgn that
// is broadcast or destined to an Internal control function on this
// network.
func (n *NetworkManager) AddAnyControlFunctionCallback(pgn uint32, cb MessageCallback) bool {
	return n.anyCFCallbacks.Add(pgn, cb)
}

// RemoveAnyControlFunctionCallback reverses AddAnyControlFunctionCallback.
func (n *NetworkManager) RemoveAnyControlFunctionCallback(pgn uint32, cb MessageCallback) bool {
	return n.anyCFCallbacks.Remove(pgn, cb)
}

// AddProtocolCallback registers cb for every message of pgn, unfiltered —
// the hook higher-level transport protocols use to see every frame of a
// PGN they manage (e.g. connection-management frames) ahead of the
// general-purpose callback registries.
func (n *NetworkManager) AddProtocolCallback(pgn uint32, cb MessageCallback) bool {
	return n.protocolCallbacks.Add(pgn, cb)
}

// RemoveProtocolCallback reverses AddProtocolCallback.
func (n *NetworkManager) RemoveProtocolCallback(pgn uint32, cb MessageCallback) bool {
	return n.protocolCallbacks.Remove(pgn, cb)
}

// --- send pipeline (§4.5) ---

// Send offers payload for delivery as PGN pgn from source to destination
// (nil destination means broadcast) at the given priority. Registered
// Protocols are offered the message first, in registration order; the
// first one that accepts (returns true from Transmit) owns delivery. If
// none accept and payload fits in one frame, Send constructs the frame
// directly and queues it for the source control function's hardware
// channel. When Send returns an error, onComplete is not invoked. Otherwise
// onComplete, if non-nil, receives the outcome from whichever side took the
// message: the accepting Protocol, or the pump once a queued single frame
// is written or given up on.
func (n *NetworkManager) Send(pgn uint32, payload []byte, source, destination *ControlFunction, priority Priority, onComplete func(success bool)) error {
	if len(payload) == 0 || len(payload) > AbsoluteMaxMessageLength {
		return ErrPayloadTooLong
	}
	if source == nil {
		return ErrSourceCFNotClaimed
	}
	if pgn != PGNAddressClaim && !source.AddressValid() {
		return ErrSourceCFNotClaimed
	}
	if !n.Running() {
		return ErrInterfaceNotRunning
	}

	n.protocolsMu.Lock()
	protocols := append([]Protocol(nil), n.protocols...)
	n.protocolsMu.Unlock()
	for _, p := range protocols {
		if p.Transmit(pgn, payload, source, destination, onComplete) {
			return nil
		}
	}

	if len(payload) > 8 {
		return ErrNoTransportProtocolForLength
	}

	dest := GlobalAddress
	if destination != nil {
		dest = destination.Address()
	}
	raw, err := ConstructFrame(priority, pgn, source.Address(), dest, payload)
	if err != nil {
		return err
	}
	n.enqueueOutbound(outboundItem{frame: raw, onComplete: onComplete})
	return nil
}

func (n *NetworkManager) enqueueOutbound(item outboundItem) {
	n.outboundMu.Lock()
	n.outbound = append(n.outbound, item)
	n.outboundMu.Unlock()
	n.callWake()
}

func (n *NetworkManager) peekOutbound() (outboundItem, bool) {
	n.outboundMu.Lock()
	defer n.outboundMu.Unlock()
	if len(n.outbound) == 0 {
		return outboundItem{}, false
	}
	return n.outbound[0], true
}

func (n *NetworkManager) popOutbound() {
	n.outboundMu.Lock()
	defer n.outboundMu.Unlock()
	if len(n.outbound) == 0 {
		return
	}
	n.outbound = n.outbound[1:]
}

// markOutboundAttemptFailed records a failed write of the head item. The
// first failure leaves it at the head for one retry next tick; a second
// consecutive failure gives up, pops it, and hands it back so the caller
// can report failure through its onComplete.
func (n *NetworkManager) markOutboundAttemptFailed() (gaveUp bool, item outboundItem) {
	n.outboundMu.Lock()
	defer n.outboundMu.Unlock()
	if len(n.outbound) == 0 {
		return false, outboundItem{}
	}
	n.outbound[0].attempts++
	if n.outbound[0].attempts > 1 {
		item = n.outbound[0]
		n.outbound = n.outbound[1:]
		return true, item
	}
	return false, outboundItem{}
}

func (n *NetworkManager) clearOutbound() {
	n.outboundMu.Lock()
	dropped := n.outbound
	n.outbound = nil
	n.outboundMu.Unlock()
	for _, item := range dropped {
		if item.onComplete != nil {
			item.onComplete(false)
		}
	}
}

// sendRaw is used internally for the address-claim procedure's own control
// frames (address claim, request for claim), which always address the
// global address and so go through ConstructControlFrame rather than the
// stricter PDU1/PDU2 validation ConstructFrame applies to application
// traffic, bypassing the registered-protocol offer in Send entirely.
func (n *NetworkManager) sendRaw(priority Priority, pgn uint32, source, destination uint8, payload []byte) {
	raw, err := ConstructControlFrame(priority, pgn, source, payload)
	if err != nil {
		n.logger.Error("failed to construct core protocol frame", "pgn", pgn, "error", err)
		return
	}
	n.enqueueOutbound(outboundItem{frame: raw})
}

// --- receive pipeline (§4.6) ---

// deliverFrame runs receive-pipeline steps 1-5: decode, busload accounting,
// control-function registry maintenance, source/destination resolution,
// and enqueuing the decoded Message for dispatch on the next Update.
// Non-extended frames are discarded per §4.6 step 1; BusHardwarePlugin
// passes on the underlying bus frame's Extended flag, so 11-bit frames from
// a shared bus arrive here and are dropped.
func (n *NetworkManager) deliverFrame(f Frame) {
	if !f.Extended {
		return
	}
	id, err := DecodeIdentifier(f.Identifier)
	if err != nil {
		n.logger.Debug("discarding malformed identifier", "error", err)
		return
	}
	payload := append([]byte(nil), f.payload()...)

	n.busloadMu.Lock()
	n.busload.RecordFrame(len(payload))
	n.busloadMu.Unlock()

	switch id.PGN {
	case PGNAddressClaim:
		n.handleAddressClaim(id, payload)
	case PGNCommandedAddress:
		n.handleCommandedAddress(payload)
	case PGNRequestForAddressClaim:
		n.handleRequestForClaim(id)
	}

	source, _ := n.reg.byAddressLookup(id.Source)
	var destination *ControlFunction
	if id.Destination != GlobalAddress {
		destination, _ = n.reg.byAddressLookup(id.Destination)
	}

	msg := Message{
		PGN:         id.PGN,
		Priority:    id.Priority,
		Payload:     payload,
		Source:      source,
		Destination: destination,
		Broadcast:   id.Destination == GlobalAddress,
	}
	n.inboundMu.Lock()
	n.inbound = append(n.inbound, msg)
	n.inboundMu.Unlock()
	n.callWake()
}

// handleAddressClaim runs the control-function promotion/eviction algorithm
// (§4.3) and feeds contention observations to any internal claimer whose
// candidate address matches the claim's source.
func (n *NetworkManager) handleAddressClaim(id Identifier, payload []byte) {
	if len(payload) < 8 {
		return
	}
	claimantName := NAME(binary.LittleEndian.Uint64(payload))
	a := id.Source

	n.cfMu.Lock()
	defer n.cfMu.Unlock()

	cf := n.findKnownLocked(claimantName)
	if cf == nil {
		cf = NewControlFunction(claimantName, NullAddress, External)
		cf.network = n
		n.reg.addInactive(cf)
	} else {
		cf.setName(claimantName)
	}

	if a < NullAddress {
		n.reg.claim(cf, a)
	} else {
		n.reg.release(cf)
	}

	for _, partner := range n.reg.partnersMatching(claimantName, n.partners) {
		if partner.tryBind() {
			// Bind: adopt the claimant's identity and take over its slot.
			partner.setName(claimantName)
			if a < NullAddress {
				n.reg.claim(partner, a)
			}
		}
	}

	for claimCF, st := range n.claimers {
		if claimCF.Type() != Internal {
			continue
		}
		if claimCF.Address() == a || st.claimer.CandidateAddress() == a {
			if claimantName != claimCF.NAME() {
				st.obs.ConflictingClaim = true
				st.obs.ConflictingName = claimantName
			}
		}
	}
}

// findKnownLocked finds the control function claiming name in (table,
// inactive list, partner list), in that order, per §4.3 step 2. Callers
// must hold cfMu.
func (n *NetworkManager) findKnownLocked(name NAME) *ControlFunction {
	if cf, ok := n.reg.byNameLookup(name); ok {
		return cf
	}
	for _, p := range n.partners {
		if p.NAME() == name {
			return p
		}
	}
	return nil
}

func (n *NetworkManager) handleCommandedAddress(payload []byte) {
	if len(payload) < 9 {
		return
	}
	targetName := NAME(binary.LittleEndian.Uint64(payload[:8]))
	newAddr := payload[8]

	n.cfMu.Lock()
	defer n.cfMu.Unlock()
	for cf, st := range n.claimers {
		if cf.NAME() == targetName {
			st.obs.Commanded = true
			st.obs.CommandedAddr = newAddr
		}
	}
}

func (n *NetworkManager) handleRequestForClaim(id Identifier) {
	n.cfMu.Lock()
	defer n.cfMu.Unlock()
	for cf, st := range n.claimers {
		if id.Destination == GlobalAddress || id.Destination == cf.Address() || id.Destination == st.claimer.CandidateAddress() {
			st.obs.RequestForClaim = true
		}
	}
}

// --- periodic update (§4.6 dispatch, §4.2 claim stepping, §4.7 busload) ---

// Update drains the inbound message queue and dispatches callbacks, steps
// every internal control function's address-claim state machine, calls
// every registered Protocol's Update, and rotates the busload estimator's
// ring. It is the single entry point the
// HardwareInterface pump drives once per PeriodicUpdateInterval, or a
// caller embedding this package without the pump can drive directly.
func (n *NetworkManager) Update(now time.Time) {
	n.dispatchInbound()
	n.stepClaimers(now)
	n.protocolsMu.Lock()
	protocols := append([]Protocol(nil), n.protocols...)
	n.protocolsMu.Unlock()
	for _, p := range protocols {
		p.Update()
	}
	n.busloadMu.Lock()
	n.busload.Tick(now)
	n.busloadMu.Unlock()
}

func (n *NetworkManager) dispatchInbound() {
	n.inboundMu.Lock()
	msgs := n.inbound
	n.inbound = nil
	n.inboundMu.Unlock()

	for _, msg := range msgs {
		n.dispatchOne(msg)
	}
}

// dispatchOne implements §4.6's callback fan-out order exactly.
func (n *NetworkManager) dispatchOne(msg Message) {
	for _, cb := range n.protocolCallbacks.Snapshot(msg.PGN) {
		cb(msg)
	}

	if msg.Broadcast || n.isInternal(msg.Destination) {
		for _, cb := range n.anyCFCallbacks.Snapshot(msg.PGN) {
			cb(msg)
		}
	}

	if msg.Broadcast || msg.Source != nil {
		for _, cb := range n.globalCallbacks.Snapshot(msg.PGN) {
			cb(msg)
		}
		return
	}

	// Destination-specific with an unresolved source: only partner-local
	// callbacks remain, dispatched per Internal destination CF.
	n.cfMu.Lock()
	partners := append([]*ControlFunction(nil), n.partners...)
	internals := append([]*ControlFunction(nil), n.internal...)
	n.cfMu.Unlock()

	for _, dst := range internals {
		if msg.Destination != dst {
			continue
		}
		for _, partner := range partners {
			if partner != msg.Source {
				continue
			}
			for _, cb := range partner.partnerCallbacksFor(msg.PGN, dst) {
				cb(msg)
			}
		}
	}
}

func (n *NetworkManager) isInternal(cf *ControlFunction) bool {
	if cf == nil {
		return false
	}
	n.cfMu.Lock()
	defer n.cfMu.Unlock()
	for _, ic := range n.internal {
		if ic == cf {
			return true
		}
	}
	return false
}

// stepClaimers drives every internal control function's AddressClaimer by
// one tick, consuming and resetting the observations accumulated since the
// previous call, and transmits whatever Action each claimer reports.
func (n *NetworkManager) stepClaimers(now time.Time) {
	n.cfMu.Lock()
	defer n.cfMu.Unlock()
	type pending struct {
		cf  *ControlFunction
		st  *claimState
		obs ClaimObservation
	}
	work := make([]pending, 0, len(n.claimers))
	for cf, st := range n.claimers {
		work = append(work, pending{cf: cf, st: st, obs: st.obs})
		st.obs = ClaimObservation{}
	}

	for _, w := range work {
		prevAddr := w.cf.Address()
		action := w.st.claimer.Step(now, w.obs)
		switch action {
		case ActionSendRequestForClaim:
			payload := make([]byte, 3)
			payload[0] = byte(PGNAddressClaim & 0xFF)
			payload[1] = byte(PGNAddressClaim >> 8)
			payload[2] = byte(PGNAddressClaim >> 16)
			n.sendRaw(PriorityDefault, PGNRequestForAddressClaim, NullAddress, GlobalAddress, payload)
		case ActionSendAddressClaim:
			addr := w.st.claimer.CandidateAddress()
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint64(payload, uint64(w.cf.NAME()))
			n.reg.installSelf(w.cf, addr)
			n.sendRaw(PriorityDefault, PGNAddressClaim, addr, GlobalAddress, payload)
		case ActionSendCannotClaim:
			payload := make([]byte, 8)
			binary.LittleEndian.PutUint64(payload, uint64(w.cf.NAME()))
			n.sendRaw(PriorityDefault, PGNAddressClaim, NullAddress, GlobalAddress, payload)
			n.logger.Warn("address claim failed, no usable address", "name", w.cf.NAME())
		}
		// The claimer may have moved cf's address to NullAddress directly
		// (losing contention, or giving up) without going through
		// registry.release, since it owns cf's address field but not the
		// registry's table. Reconcile the stale slot here using the
		// address we observed before Step ran.
		if newAddr := w.cf.Address(); newAddr == NullAddress && prevAddr < NullAddress {
			n.reg.releaseAt(w.cf, prevAddr)
		}
	}
}
