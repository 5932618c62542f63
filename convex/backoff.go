package convex

import (
	mathrand "math/rand"
	"time"
)

type BackoffSettings struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
	}
}

// reconnect delay schedule. Exponential growth capped at MaxDelay, with equal
// jitter so that a fleet of clients does not reconnect in lockstep. The delay
// never drops below half the current step, which keeps a down server from
// being hot-looped.
type backoff struct {
	settings *BackoffSettings
	failures int
}

func newBackoff(settings *BackoffSettings) *backoff {
	return &backoff{
		settings: settings,
	}
}

func (self *backoff) Fail() time.Duration {
	delay := float64(self.settings.InitialDelay)
	for i := 0; i < self.failures; i += 1 {
		delay *= self.settings.Multiplier
		if float64(self.settings.MaxDelay) <= delay {
			delay = float64(self.settings.MaxDelay)
			break
		}
	}
	self.failures += 1
	return time.Duration(delay/2 + mathrand.Float64()*delay/2)
}

func (self *backoff) Reset() {
	self.failures = 0
}
