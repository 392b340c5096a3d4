package quotes

import "time"

// DefaultWindow is how long a quote accepts bids
const DefaultWindow = 24 * time.Hour

// Window is the opportunity window of a quote. Whether a quote is open is a pure
// function of its creation time, its status and the clock.
type Window struct {
	duration time.Duration
	now      func() time.Time
}

func NewWindow(duration time.Duration) *Window {
	if duration <= 0 {
		duration = DefaultWindow
	}
	return &Window{duration: duration, now: time.Now}
}

// WithClock replaces the clock, for tests and simulations. Any location is fine.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

func (w *Window) Duration() time.Duration { return w.duration }

// Now is the clock's reading in UTC. Stored timestamps compare as text, so every
// instant the window hands out or compares against must share one location.
func (w *Window) Now() time.Time { return w.now().UTC() }

// ExpiresAt is the first instant at which q no longer accepts bids
func (w *Window) ExpiresAt(q *Quote) time.Time {
	return q.CreatedAt.Add(w.duration)
}

// IsOpen reports whether q is pending and inside its window
func (w *Window) IsOpen(q *Quote) bool {
	return q.Status == StatusPending && w.Now().Before(w.ExpiresAt(q))
}

// Remaining is the time left in q's window, zero once it has closed
func (w *Window) Remaining(q *Quote) time.Duration {
	if !w.IsOpen(q) {
		return 0
	}
	return w.ExpiresAt(q).Sub(w.Now())
}

// openSince is the earliest creation time of a quote that can still be open
func (w *Window) openSince() time.Time {
	return w.Now().Add(-w.duration)
}
