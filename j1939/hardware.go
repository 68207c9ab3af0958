package j1939

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/isoj1939/netcore"
)

// Frame is the wire unit the HardwarePlugin contract moves: a 29-bit
// identifier plus up to eight payload bytes. It mirrors canbus.Frame minus
// the RTR flag, so a canbus.Bus can be adapted to HardwarePlugin with a thin
// wrapper (BusHardwarePlugin, below) instead of a parallel frame type
// hierarchy.
type Frame struct {
	Identifier uint32
	Extended   bool
	Data       [8]byte
	Len        uint8
}

func (f Frame) payload() []byte { return f.Data[:f.Len] }

func frameFromRaw(raw RawFrame) Frame {
	var f Frame
	f.Identifier = raw.Identifier
	f.Extended = true
	f.Len = uint8(len(raw.Payload))
	copy(f.Data[:], raw.Payload)
	return f
}

// HardwarePlugin is the abstract frame I/O boundary between the network
// manager and a concrete transport: SocketCAN, the kernel J1939 socket
// family, a serial bridge, or a test double. Implementations must be safe
// to call Open/Close/IsValid from the RX goroutine while WriteFrame is
// called concurrently from the pump goroutine.
type HardwarePlugin interface {
	Open() error
	Close() error
	IsValid() bool
	// ReadFrame blocks until a frame is available, ctx is cancelled, or an
	// I/O error occurs. ok is false on a timeout or a clean close with no
	// error.
	ReadFrame(ctx context.Context) (frame Frame, ok bool, err error)
	WriteFrame(ctx context.Context, frame Frame) (ok bool, err error)
}

// BusHardwarePlugin adapts a canbus.Bus to the HardwarePlugin contract, so
// any of the canbus.Bus drivers in this repository's transport layer
// (SocketCAN, the serial bridge, or canbus.LoopbackBus in tests) can back a
// NetworkManager channel without a second implementation of frame I/O. The
// CAN_J1939 socket moves datagrams rather than frames and is not a
// canbus.Bus, so it cannot be wrapped this way.
type BusHardwarePlugin struct {
	bus    canbus.Bus
	closed bool
	mu     sync.Mutex
}

// NewBusHardwarePlugin wraps bus as a HardwarePlugin.
func NewBusHardwarePlugin(bus canbus.Bus) *BusHardwarePlugin {
	return &BusHardwarePlugin{bus: bus}
}

func (p *BusHardwarePlugin) Open() error { return nil }

func (p *BusHardwarePlugin) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.bus.Close()
}

func (p *BusHardwarePlugin) IsValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *BusHardwarePlugin) ReadFrame(ctx context.Context) (Frame, bool, error) {
	f, err := p.bus.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil || err == canbus.ErrClosed {
			return Frame{}, false, nil
		}
		return Frame{}, false, err
	}
	return Frame{Identifier: f.ID, Extended: f.Extended, Data: f.Data, Len: f.Len}, true, nil
}

func (p *BusHardwarePlugin) WriteFrame(ctx context.Context, frame Frame) (bool, error) {
	err := p.bus.Send(ctx, canbus.Frame{ID: frame.Identifier, Extended: frame.Extended, Data: frame.Data, Len: frame.Len})
	if err != nil {
		return false, err
	}
	return true, nil
}

// channel binds one NetworkManager to the HardwarePlugin carrying its
// traffic. HardwareInterface owns one channel per registered network.
type channel struct {
	network *NetworkManager
	plugin  HardwarePlugin

	backoffUntil time.Time
}

type rxDelivery struct {
	ch    *channel
	frame Frame
}

// HardwareInterface is the threaded pump described in §5: one RX goroutine
// per registered channel that synchronously reads frames from its plugin,
// and one pump goroutine — shared across every channel — that drains
// inbound frames into their NetworkManager, fires each network's periodic
// Update on a fixed interval, and flushes pending outbound frames to the
// plugin.
type HardwareInterface struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	channels []*channel
	running  bool

	rxCh   chan rxDelivery
	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHardwareInterface creates a pump that has not yet started; channels
// must be added with AddChannel before Start.
func NewHardwareInterface(config Config, logger *slog.Logger) *HardwareInterface {
	if logger == nil {
		logger = slog.Default()
	}
	return &HardwareInterface{
		config: config.withDefaults(),
		logger: logger,
		rxCh:   make(chan rxDelivery, 256),
		wake:   make(chan struct{}, 1),
	}
}

// AddChannel registers network/plugin as one RX+TX channel. Must be called
// before Start.
func (hi *HardwareInterface) AddChannel(network *NetworkManager, plugin HardwarePlugin) {
	hi.mu.Lock()
	defer hi.mu.Unlock()
	ch := &channel{network: network, plugin: plugin}
	hi.channels = append(hi.channels, ch)
	network.setWake(func() {
		select {
		case hi.wake <- struct{}{}:
		default:
		}
	})
}

// Start opens every channel's plugin and launches the RX and pump
// goroutines. Calling Start twice is a no-op.
func (hi *HardwareInterface) Start(ctx context.Context) error {
	hi.mu.Lock()
	if hi.running {
		hi.mu.Unlock()
		return nil
	}
	hi.running = true
	runCtx, cancel := context.WithCancel(ctx)
	hi.cancel = cancel
	hi.done = make(chan struct{})
	channels := append([]*channel(nil), hi.channels...)
	hi.mu.Unlock()

	for _, ch := range channels {
		if err := ch.plugin.Open(); err != nil {
			hi.logger.Error("hardware plugin open failed", "error", err)
		}
	}

	for _, ch := range channels {
		hi.wg.Add(1)
		go hi.runRX(runCtx, ch)
	}
	hi.wg.Add(1)
	go hi.runPump(runCtx)
	return nil
}

// Stop sets running=false, wakes and joins the RX and pump goroutines, then
// closes every channel's plugin and clears its outbound queue, reporting
// failure to each dropped frame's onComplete. Received frames not yet
// dispatched are not discarded. Send calls issued on a stopped interface's
// networks fail with ErrInterfaceNotRunning.
func (hi *HardwareInterface) Stop() {
	hi.mu.Lock()
	if !hi.running {
		hi.mu.Unlock()
		return
	}
	hi.running = false
	cancel := hi.cancel
	channels := append([]*channel(nil), hi.channels...)
	hi.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(hi.done)
	hi.wg.Wait()

	for _, ch := range channels {
		ch.plugin.Close()
		ch.network.clearOutbound()
		ch.network.setRunning(false)
	}
}

func (hi *HardwareInterface) runRX(ctx context.Context, ch *channel) {
	defer hi.wg.Done()
	ch.network.setRunning(true)
	for {
		select {
		case <-hi.done:
			return
		default:
		}

		if !ch.plugin.IsValid() {
			hi.logger.Warn("hardware plugin invalid, backing off", "backoff", hi.config.RXInvalidBackoff)
			select {
			case <-time.After(hi.config.RXInvalidBackoff):
			case <-hi.done:
				return
			}
			if ch.plugin.IsValid() {
				if err := ch.plugin.Open(); err != nil {
					hi.logger.Error("hardware plugin reopen failed", "error", err)
				}
			}
			continue
		}

		frame, ok, err := ch.plugin.ReadFrame(ctx)
		if err != nil {
			hi.logger.Error("hardware plugin read failed, closing", "error", err)
			ch.plugin.Close()
			continue
		}
		if !ok {
			continue
		}

		select {
		case hi.rxCh <- rxDelivery{ch: ch, frame: frame}:
		case <-hi.done:
			return
		}
	}
}

func (hi *HardwareInterface) runPump(ctx context.Context) {
	defer hi.wg.Done()
	ticker := time.NewTicker(hi.config.PeriodicUpdateInterval)
	defer ticker.Stop()
	fallback := time.NewTicker(time.Second)
	defer fallback.Stop()

	for {
		select {
		case <-hi.done:
			return
		case <-ctx.Done():
			return
		case d := <-hi.rxCh:
			d.ch.network.deliverFrame(d.frame)
		case <-hi.wake:
			hi.flushOutbound()
		case <-ticker.C:
			hi.periodicTick()
		case <-fallback.C:
			// 1s belt-and-braces wakeup; the real work happens on the
			// finer PeriodicUpdateInterval ticker above, matching §5's
			// description of a 1s timeout fallback around the primary
			// wake conditions.
		}
	}
}

// periodicTick implements the staging order in §2.3: drain every channel's
// backlog of already-received frames, run one NetworkManager.Update per
// channel, then flush outbound queues.
func (hi *HardwareInterface) periodicTick() {
	hi.drainInboundNonBlocking()
	now := time.Now()
	hi.mu.Lock()
	channels := append([]*channel(nil), hi.channels...)
	hi.mu.Unlock()
	for _, ch := range channels {
		ch.network.Update(now)
	}
	hi.flushOutbound()
}

func (hi *HardwareInterface) drainInboundNonBlocking() {
	for {
		select {
		case d := <-hi.rxCh:
			d.ch.network.deliverFrame(d.frame)
		default:
			return
		}
	}
}

// flushOutbound drains every channel's outbound queue to its plugin in FIFO
// order, stopping a channel's drain on the first write failure so the
// undelivered frame is retried next tick.
func (hi *HardwareInterface) flushOutbound() {
	hi.mu.Lock()
	channels := append([]*channel(nil), hi.channels...)
	hi.mu.Unlock()

	ctx := context.Background()
	for _, ch := range channels {
		for {
			item, ok := ch.network.peekOutbound()
			if !ok {
				break
			}
			frame := frameFromRaw(item.frame)
			wrote, err := ch.plugin.WriteFrame(ctx, frame)
			if err != nil || !wrote {
				gaveUp, failed := ch.network.markOutboundAttemptFailed()
				if err != nil {
					hi.logger.Error("hardware plugin write failed", "error", err, "gave_up", gaveUp)
				}
				if gaveUp && failed.onComplete != nil {
					failed.onComplete(false)
				}
				break
			}
			ch.network.popOutbound()
			if item.onComplete != nil {
				item.onComplete(true)
			}
		}
	}
}
