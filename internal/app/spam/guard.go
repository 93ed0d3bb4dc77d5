// Package spam throttles connections that send messages too quickly.
package spam

import "time"

const (
	// DefaultWindow is the minimum spacing between messages before strikes accrue.
	DefaultWindow = 2 * time.Second

	// DefaultMaxStrikes is the number of rapid messages tolerated inside the window.
	DefaultMaxStrikes = 3
)

// Verdict is the outcome of Guard.Check.
type Verdict int

const (
	Allow Verdict = iota
	Throttle
)

func (v Verdict) String() string {
	if v == Throttle {
		return "throttle"
	}
	return "allow"
}

// Guard is the per-connection spam counter. It is not safe for concurrent use;
// the owner serializes calls.
type Guard struct {
	window     time.Duration
	maxStrikes int

	lastMessageTime time.Time
	strikes         int
}

// NewGuard returns a guard with a clean counter.
func NewGuard(window time.Duration, maxStrikes int) *Guard {
	return &Guard{window: window, maxStrikes: maxStrikes}
}

// Check records a message attempt at now.
// A message arriving less than window after the last accepted one adds a strike;
// once strikes exceed maxStrikes the message is throttled. Throttled messages do not
// move the last accepted time.
func (g *Guard) Check(now time.Time) Verdict {
	if !g.lastMessageTime.IsZero() && now.Sub(g.lastMessageTime) < g.window {
		g.strikes++
		if g.strikes > g.maxStrikes {
			return Throttle
		}
	} else {
		g.strikes = 0
	}

	g.lastMessageTime = now
	return Allow
}

// Strikes returns the current strike count.
func (g *Guard) Strikes() int {
	return g.strikes
}
