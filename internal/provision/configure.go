package provision

import (
	"context"
	"log/slog"
	"time"

	"github.com/dkonrad/blufi-setup/internal/ble"
	"github.com/dkonrad/blufi-setup/internal/blufi"
)

// The device expects these exact sequence numbers for the configuration
// writes that follow a scan exchange. They are protocol-contract constants,
// not values drawn from the free-running counter.
const (
	seqOpMode   byte = 3
	seqSSID     byte = 4
	seqPassword byte = 5
	seqConnect  byte = 6
)

// opModeSta selects station mode: the device joins an existing network.
const opModeSta byte = 0x01

type configStep struct {
	step      Step
	frameType byte
	sequence  byte
}

// Configure pushes SSID and password to the device and waits for the
// dedicated WiFi-connected frame. A second Configure for the same device
// while one is active fails immediately with ErrConfigurationInProgress:
// no queueing, and no write is issued.
//
// Acknowledgement policy: nonzero ack codes and ack timeouts both log and
// advance, since the device has been observed to connect successfully despite
// either. A fixed inter-step delay is always inserted to give the device
// processing time. Only a transport-rejected write aborts the attempt.
func (p *Provisioner) Configure(ctx context.Context, device, ssid, password string) error {
	p.mu.Lock()
	if _, busy := p.active[device]; busy {
		p.mu.Unlock()
		return ErrConfigurationInProgress
	}
	sess := newProvisionSession(device, ssid)
	p.active[device] = sess
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, device)
		p.mu.Unlock()
	}()

	s, err := p.sessions.Open(ctx, device)
	if err != nil {
		return err
	}
	ch, err := s.EnsureChannel()
	if err != nil {
		return err
	}
	ch.DrainSuccess()

	acks := make(chan *blufi.Frame, 4)
	ch.Register(ble.RoleAck, func(f *blufi.Frame) {
		select {
		case acks <- f:
		default:
		}
	})
	defer ch.Unregister(ble.RoleAck)

	cleaned := blufi.CleanSSID(ssid)
	if cleaned != ssid {
		slog.Warn("[PROVISION] stripped control bytes from SSID", "attempt", sess.ID, "device", device)
	}

	steps := []struct {
		configStep
		payload    []byte
		ackTimeout time.Duration
	}{
		{configStep{StepOpModeSet, blufi.TypeCtrlSetOpMode, seqOpMode}, []byte{opModeSta}, p.opts.AckTimeoutCtrl},
		{configStep{StepSsidSent, blufi.TypeDataStaSSID, seqSSID}, []byte(cleaned), p.opts.AckTimeoutData},
		{configStep{StepPasswordSent, blufi.TypeDataStaPassword, seqPassword}, []byte(password), p.opts.AckTimeoutData},
		{configStep{StepConnectSent, blufi.TypeCtrlConnectAP, seqConnect}, nil, p.opts.AckTimeoutCtrl},
	}

	for _, st := range steps {
		sess.setStep(st.step)
		slog.Info("[PROVISION] step", "attempt", sess.ID, "device", device, "step", st.step.String(), "seq", st.sequence)

		if err := s.WriteFrame(st.frameType, st.sequence, st.payload); err != nil {
			// Transport rejected the write; nothing to tolerate here.
			sess.setStep(StepFailed)
			return err
		}

		p.awaitAck(ctx, sess, st.step, acks, st.ackTimeout)

		sleep(ctx, p.opts.InterStepDelay)
		if ctx.Err() != nil {
			sess.setStep(StepFailed)
			return ctx.Err()
		}
	}

	// The connect-step ack does not decide the outcome; only the dedicated
	// success frame does. Realign the counter past the fixed sequences for
	// the status queries that may follow.
	s.SetSeq(seqConnect + 1)

	return p.awaitSuccess(ctx, sess, s, ch)
}

// awaitAck waits for one ack frame or the step's timeout. Both outcomes
// advance the state machine; the ack code is recorded for diagnosis only.
func (p *Provisioner) awaitAck(ctx context.Context, sess *Session, step Step, acks <-chan *blufi.Frame, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-acks:
		code := byte(0)
		if len(f.Data) > 0 {
			code = f.Data[0]
		}
		if code != 0 {
			// Nonzero minor codes have not correlated with failures in
			// practice; treat like a clean ack.
			slog.Warn("[PROVISION] ack with nonzero code", "attempt", sess.ID, "step", step.String(), "code", code)
		} else {
			slog.Debug("[PROVISION] ack", "attempt", sess.ID, "step", step.String())
		}
	case <-t.C:
		// The device may have answered before our subscription settled.
		slog.Warn("[PROVISION] continuing without ack", "attempt", sess.ID, "step", step.String(), "error", ErrAckTimeout)
	case <-ctx.Done():
	}
}

// awaitSuccess waits for the WiFi-connected frame, nudging the device with
// bounded status queries. Terminal failure is declared only after the poll
// budget is spent.
func (p *Provisioner) awaitSuccess(ctx context.Context, sess *Session, s *ble.Session, ch *ble.NotificationChannel) error {
	sess.setStep(StepAwaitingSuccess)

	for attempt := 0; attempt <= p.opts.StatusPollAttempts; attempt++ {
		if attempt > 0 {
			if err := s.WriteFrame(blufi.TypeCtrlGetStatus, s.NextSeq(), nil); err != nil {
				sess.setStep(StepFailed)
				return err
			}
			slog.Debug("[PROVISION] status query", "attempt", sess.ID, "device", sess.Device, "poll", attempt)
		}

		t := time.NewTimer(p.opts.StatusPollInterval)
		select {
		case <-ch.SuccessEvents():
			t.Stop()
			sess.markSuccess()
			slog.Info("[PROVISION] provisioned", "attempt", sess.ID, "device", sess.Device, "ssid", sess.SSID)
			return nil
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			sess.setStep(StepFailed)
			return ctx.Err()
		}
	}

	sess.setStep(StepFailed)
	return ErrNotConfirmed
}
