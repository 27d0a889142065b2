package sequencer

import (
	"fmt"
	"math"
	"time"
)

// PauseMode selects how a key leaves the paused state after a handler failure.
type PauseMode string

const (
	// PauseManual keeps a failed key paused until Resume is called.
	PauseManual PauseMode = "manual"

	// PauseBackoff resumes a failed key automatically after an exponential delay.
	PauseBackoff PauseMode = "backoff"
)

// PausePolicy is the deterministic resume policy applied to failed keys.
//
// Under either mode the key also stays blocked until the redelivery of the
// failed message arrives, so buffered successors never overtake it.
type PausePolicy struct {
	Mode       PauseMode
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultPausePolicy resumes after 1s, doubling per consecutive failure up to 1m.
func DefaultPausePolicy() PausePolicy {
	return PausePolicy{
		Mode:       PauseBackoff,
		Delay:      time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
	}
}

// Validate checks the policy for consistency.
func (p PausePolicy) Validate() error {
	switch p.Mode {
	case PauseManual:
		return nil
	case PauseBackoff:
		if p.Delay <= 0 {
			return fmt.Errorf("pause delay must be positive, got %v", p.Delay)
		}
		if p.Multiplier < 1 {
			return fmt.Errorf("pause multiplier must be >= 1, got %v", p.Multiplier)
		}
		if p.MaxDelay > 0 && p.MaxDelay < p.Delay {
			return fmt.Errorf("pause max delay %v is below delay %v", p.MaxDelay, p.Delay)
		}
		return nil
	default:
		return fmt.Errorf("unknown pause mode %q", p.Mode)
	}
}

// ResumeAfter returns how long a key stays paused after its n-th consecutive
// failure. Zero means the key waits for a manual resume.
func (p PausePolicy) ResumeAfter(failures int) time.Duration {
	if p.Mode != PauseBackoff || failures <= 0 {
		return 0
	}
	d := float64(p.Delay) * math.Pow(p.Multiplier, float64(failures-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
