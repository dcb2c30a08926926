// Package provision drives the two BLUFI exchanges against a connected
// device: WiFi discovery (scan through the device's radio) and the
// acknowledgement-gated configuration sequence that pushes SSID, password,
// and the connect command.
package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkonrad/blufi-setup/internal/ble"
)

var (
	// ErrScanTimeout reports that the device produced no scan data within
	// the overall budget. Callers typically fall back to manual SSID entry.
	ErrScanTimeout = errors.New("provision: scan timed out with no networks")

	// ErrConfigurationInProgress reports lock contention: one provisioning
	// attempt per device, no queueing.
	ErrConfigurationInProgress = errors.New("provision: configuration already in progress for device")

	// ErrAckTimeout is logged when a step's acknowledgement never arrives.
	// Non-fatal: the sequence continues.
	ErrAckTimeout = errors.New("provision: timed out waiting for ack")

	// ErrNotConfirmed reports that the device never sent the dedicated
	// WiFi-connected frame, even after status polling.
	ErrNotConfirmed = errors.New("provision: device did not confirm WiFi connection")
)

// Options configures protocol timing. The defaults encode observed device
// behavior, not protocol guarantees.
type Options struct {
	ScanTimeout   time.Duration // overall scan budget
	ScanQuiet     time.Duration // silence allowed between completed buffers
	FragmentQuiet time.Duration // silence allowed while a buffer is mid-reassembly

	AckTimeoutCtrl time.Duration // opmode / connect steps
	AckTimeoutData time.Duration // SSID / password steps
	InterStepDelay time.Duration // always inserted, whatever the ack outcome

	StatusPollAttempts int           // bounded status queries before Failed
	StatusPollInterval time.Duration // wait per status poll
}

// DefaultOptions returns the timings the device family has been validated
// against.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:        120 * time.Second,
		ScanQuiet:          2 * time.Second,
		FragmentQuiet:      15 * time.Second,
		AckTimeoutCtrl:     5 * time.Second,
		AckTimeoutData:     8 * time.Second,
		InterStepDelay:     2 * time.Second,
		StatusPollAttempts: 10,
		StatusPollInterval: 3 * time.Second,
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.ScanQuiet <= 0 {
		o.ScanQuiet = d.ScanQuiet
	}
	if o.FragmentQuiet <= 0 {
		o.FragmentQuiet = d.FragmentQuiet
	}
	if o.AckTimeoutCtrl <= 0 {
		o.AckTimeoutCtrl = d.AckTimeoutCtrl
	}
	if o.AckTimeoutData <= 0 {
		o.AckTimeoutData = d.AckTimeoutData
	}
	if o.InterStepDelay <= 0 {
		o.InterStepDelay = d.InterStepDelay
	}
	if o.StatusPollAttempts <= 0 {
		o.StatusPollAttempts = d.StatusPollAttempts
	}
	if o.StatusPollInterval <= 0 {
		o.StatusPollInterval = d.StatusPollInterval
	}
}

// Provisioner runs discovery and configuration over sessions owned by a
// ble.Manager. It also holds the per-device lock guard: at most one
// provisioning session per device at a time.
type Provisioner struct {
	sessions *ble.Manager
	opts     Options

	mu     sync.Mutex
	active map[string]*Session
}

// NewProvisioner creates a Provisioner over the given session manager.
func NewProvisioner(sessions *ble.Manager, opts Options) *Provisioner {
	opts.fillDefaults()
	return &Provisioner{
		sessions: sessions,
		opts:     opts,
		active:   make(map[string]*Session),
	}
}

// sleep waits d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
