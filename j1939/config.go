package j1939

import "time"

// Config bundles the tunable intervals a NetworkManager runs its internal
// loops at. This core takes its configuration as a plain struct passed at
// construction time: there is no
// environment-variable or flag-file loader, since a NetworkManager is a
// library collaborator embedded in a larger program, not a standalone
// process with its own configuration surface.
type Config struct {
	// PeriodicUpdateInterval is how often the pump runs its periodic
	// hardware-plugin update step (§5), default 4ms.
	PeriodicUpdateInterval time.Duration
	// AddressClaimContentionWindow is the settle time after sending an
	// address claim before it is considered uncontested, default 250ms.
	AddressClaimContentionWindow time.Duration
	// BusloadSampleWindow is the trailing window the busload estimator
	// reports over, default 10s.
	BusloadSampleWindow time.Duration
	// BusloadUpdateInterval is how often the busload estimator rotates
	// its ring buckets, default 100ms.
	BusloadUpdateInterval time.Duration
	// RXInvalidBackoff is how long the receive goroutine waits before
	// re-checking an invalid hardware plugin, default 1s.
	RXInvalidBackoff time.Duration
}

// DefaultConfig returns the Config values the original ISOBUS stack ships
// with.
func DefaultConfig() Config {
	return Config{
		PeriodicUpdateInterval:        4 * time.Millisecond,
		AddressClaimContentionWindow:  250 * time.Millisecond,
		BusloadSampleWindow:           DefaultBusloadSampleWindow,
		BusloadUpdateInterval:         DefaultBusloadUpdateInterval,
		RXInvalidBackoff:              time.Second,
	}
}

// withDefaults fills any zero-valued field of c with DefaultConfig's value,
// so callers may supply a partially-populated Config.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PeriodicUpdateInterval == 0 {
		c.PeriodicUpdateInterval = d.PeriodicUpdateInterval
	}
	if c.AddressClaimContentionWindow == 0 {
		c.AddressClaimContentionWindow = d.AddressClaimContentionWindow
	}
	if c.BusloadSampleWindow == 0 {
		c.BusloadSampleWindow = d.BusloadSampleWindow
	}
	if c.BusloadUpdateInterval == 0 {
		c.BusloadUpdateInterval = d.BusloadUpdateInterval
	}
	if c.RXInvalidBackoff == 0 {
		c.RXInvalidBackoff = d.RXInvalidBackoff
	}
	return c
}
