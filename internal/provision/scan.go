package provision

import (
	"context"
	"log/slog"
	"time"

	"github.com/dkonrad/blufi-setup/internal/ble"
	"github.com/dkonrad/blufi-setup/internal/blufi"
)

// Scan asks the device to scan WiFi networks with its own radio and returns
// the parsed list. The exchange is three writes (negotiate, disconnect from
// any previously configured AP since a lingering auto-connect attempt blocks
// scanning, then the list request) followed by fragment collection on the
// notification channel.
//
// On overall timeout Scan returns whatever it reassembled if non-empty,
// otherwise ErrScanTimeout; the caller can fall back to manual SSID entry.
func (p *Provisioner) Scan(ctx context.Context, device string) ([]blufi.Network, error) {
	s, err := p.sessions.Open(ctx, device)
	if err != nil {
		return nil, err
	}
	ch, err := s.EnsureChannel()
	if err != nil {
		return nil, err
	}

	frames := make(chan *blufi.Frame, 32)
	ch.Register(ble.RoleWiFiScan, func(f *blufi.Frame) {
		select {
		case frames <- f:
		default:
			slog.Warn("[PROVISION] scan frame dropped, consumer lagging", "device", device)
		}
	})
	defer ch.Unregister(ble.RoleWiFiScan)

	// Handshake. The only write in the system with a retry: the first frame
	// after connection setup occasionally bounces off a not-yet-ready stack.
	seq := s.NextSeq()
	if err := s.WriteFrame(blufi.TypeCtrlNegotiate, seq, nil); err != nil {
		slog.Warn("[PROVISION] handshake write failed, retrying once", "device", device, "error", err)
		if err := s.WriteFrame(blufi.TypeCtrlNegotiate, seq, nil); err != nil {
			return nil, err
		}
	}
	if err := s.WriteFrame(blufi.TypeCtrlDisconnectAP, s.NextSeq(), nil); err != nil {
		return nil, err
	}
	if err := s.WriteFrame(blufi.TypeCtrlGetWiFiList, s.NextSeq(), nil); err != nil {
		return nil, err
	}

	return p.collect(ctx, device, s, frames)
}

// collect reassembles scan fragments until the device goes quiet or the
// overall budget runs out.
func (p *Provisioner) collect(ctx context.Context, device string, s *ble.Session, frames <-chan *blufi.Frame) ([]blufi.Network, error) {
	var (
		reasm   blufi.Reassembler
		nets    []blufi.Network
		gotData bool
		polled  bool
		seen    = make(map[string]bool)
	)

	deadline := time.NewTimer(p.opts.ScanTimeout)
	defer deadline.Stop()

	for {
		// The quiet timer arms only once real data has arrived; until then
		// the overall deadline is the only clock. A buffer mid-reassembly
		// gets the longer window because fragments can trickle.
		var quiet <-chan time.Time
		var quietTimer *time.Timer
		if gotData {
			d := p.opts.ScanQuiet
			if reasm.Started() {
				d = p.opts.FragmentQuiet
			}
			quietTimer = time.NewTimer(d)
			quiet = quietTimer.C
		}

		select {
		case f := <-frames:
			stopTimer(quietTimer)
			gotData = true
			done, err := reasm.Add(f)
			if err != nil {
				slog.Warn("[PROVISION] bad scan fragment, skipping", "device", device, "error", err)
				continue
			}
			if !done {
				continue
			}
			buf := reasm.Bytes()
			if seen[string(buf)] {
				slog.Debug("[PROVISION] duplicate scan buffer discarded", "device", device, "bytes", len(buf))
				continue
			}
			seen[string(buf)] = true
			parsed := blufi.ParseWiFiList(buf)
			slog.Info("[PROVISION] scan buffer parsed", "device", device, "bytes", len(buf), "networks", len(parsed))
			nets = append(nets, parsed...)

		case <-quiet:
			if !polled {
				// One fallback read of the response characteristic before
				// concluding the device is done; some firmware stalls its
				// notifications near the end of a scan.
				polled = true
				if err := s.Poll(); err != nil {
					slog.Warn("[PROVISION] fallback poll failed", "device", device, "error", err)
				}
				continue
			}
			return nets, nil

		case <-deadline.C:
			stopTimer(quietTimer)
			if len(nets) > 0 {
				slog.Warn("[PROVISION] scan deadline hit, returning partial results", "device", device, "networks", len(nets))
				return nets, nil
			}
			return nil, ErrScanTimeout

		case <-ctx.Done():
			stopTimer(quietTimer)
			return nil, ctx.Err()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
