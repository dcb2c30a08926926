package provision

import (
	"sync"

	"github.com/google/uuid"
)

// Step is the provisioning state machine position.
type Step int

const (
	StepIdle Step = iota
	StepOpModeSet
	StepSsidSent
	StepPasswordSent
	StepConnectSent
	StepAwaitingSuccess
	StepSuccess
	StepFailed
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepOpModeSet:
		return "opmode-set"
	case StepSsidSent:
		return "ssid-sent"
	case StepPasswordSent:
		return "password-sent"
	case StepConnectSent:
		return "connect-sent"
	case StepAwaitingSuccess:
		return "awaiting-success"
	case StepSuccess:
		return "success"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the in-flight state of one configuration attempt. Created when
// Configure starts, removed from the guard map when it returns. The success
// flag is set only by receipt of the dedicated WiFi-connected frame.
type Session struct {
	ID     string // for telling interleaved attempts apart in logs
	Device string
	SSID   string

	mu      sync.Mutex
	step    Step
	success bool
}

func newProvisionSession(device, ssid string) *Session {
	return &Session{
		ID:     uuid.NewString(),
		Device: device,
		SSID:   ssid,
		step:   StepIdle,
	}
}

// Step returns the current state machine position.
func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

func (s *Session) setStep(st Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = st
}

// Succeeded reports whether the device confirmed the WiFi connection.
func (s *Session) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.success
}

func (s *Session) markSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success = true
	s.step = StepSuccess
}
