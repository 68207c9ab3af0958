package j1939

import "time"

// BitRate is the fixed classical-CAN arbitration bit rate J1939 runs at.
const BitRate = 250000

// Default busload estimator parameters; see Config.
const (
	DefaultBusloadSampleWindow   = 10 * time.Second
	DefaultBusloadUpdateInterval = 100 * time.Millisecond
)

// BusloadEstimator tracks a rolling window of observed bit counts and
// reports the fraction of BitRate they consumed. It is not safe for
// concurrent use; the NetworkManager serializes access to it from its
// receive pipeline and pump tick.
type BusloadEstimator struct {
	window   time.Duration
	interval time.Duration

	buckets    []uint64
	bucketHead int
	current    uint64
	lastRotate time.Time
}

// NewBusloadEstimator creates an estimator dividing window into
// window/interval buckets, one rotated out per interval.
func NewBusloadEstimator(window, interval time.Duration, now time.Time) *BusloadEstimator {
	n := int(window / interval)
	if n < 1 {
		n = 1
	}
	return &BusloadEstimator{
		window:     window,
		interval:   interval,
		buckets:    make([]uint64, n),
		lastRotate: now,
	}
}

// RecordFrame adds the bit cost of a payloadLen-byte frame to the current
// bucket.
func (b *BusloadEstimator) RecordFrame(payloadLen int) {
	b.current += uint64(FrameBitCount(payloadLen))
}

// Tick rotates buckets for every interval elapsed since the last call,
// pushing the accumulated current bucket into the ring and starting a
// fresh one.
func (b *BusloadEstimator) Tick(now time.Time) {
	for now.Sub(b.lastRotate) >= b.interval {
		b.bucketHead = (b.bucketHead + 1) % len(b.buckets)
		b.buckets[b.bucketHead] = b.current
		b.current = 0
		b.lastRotate = b.lastRotate.Add(b.interval)
	}
}

// Percent returns the estimated percentage (0-100) of BitRate consumed over
// the trailing window.
func (b *BusloadEstimator) Percent() float64 {
	var total uint64
	for _, v := range b.buckets {
		total += v
	}
	total += b.current
	capacity := float64(BitRate) * b.window.Seconds()
	if capacity <= 0 {
		return 0
	}
	return float64(total) / capacity * 100
}
