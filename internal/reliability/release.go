package reliability

import "time"

// ReleaseBackoff computes requeue delays for failed deliveries that were
// released without an explicit delay. The delay grows quadratically with the
// attempt count and is capped.
type ReleaseBackoff struct {
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultReleaseBackoff mirrors the usual queue settings: 5s per squared
// attempt, capped at one hour.
func DefaultReleaseBackoff() *ReleaseBackoff {
	return &ReleaseBackoff{
		Multiplier: 5,
		MaxDelay:   time.Hour,
	}
}

// Delay returns the requeue delay for a message that has been delivered
// attempts times. A message that was never delivered gets no delay.
func (b *ReleaseBackoff) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	secs := float64(attempts) * b.Multiplier * float64(attempts)
	d := time.Duration(secs * float64(time.Second))
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}
