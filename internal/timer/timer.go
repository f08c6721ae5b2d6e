// Package timer schedules per-ticket activity timeouts: a short "no
// reply" window after a staff message and a longer "eligible to close"
// window after a closing phrase.
package timer

import (
	"log"
	"sync"
	"time"
)

// Kind classifies an armed timer.
type Kind string

const (
	// KindRegular fires when the player has not replied within the
	// configured check window since the last staff message.
	KindRegular Kind = "regular"
	// KindClosing fires after the longer window started by a staff
	// message matching a closing phrase.
	KindClosing Kind = "closing"
)

// RestoreEntry describes one ticket whose timer must be re-created after
// a restart: the kind it was armed with and when the staff message that
// armed it was seen.
type RestoreEntry struct {
	ChannelID string
	Kind      Kind
	Since     time.Time
}

// armed is one scheduled countdown.
type armed struct {
	timer *time.Timer
	kind  Kind
}

// Engine owns the per-channel timers for one tenant. Timer identity is
// keyed by channel, so arming is always idempotent with respect to "one
// timer per channel".
type Engine struct {
	regular time.Duration
	closing time.Duration
	fire    func(channelID string, kind Kind)
	now     func() time.Time

	mu       sync.Mutex
	timers   map[string]*armed
	restored map[string]bool // channels already handled by RestoreAll
	stopped  bool
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	Regular time.Duration // no-reply window; <=0 disables all regular timers
	Closing time.Duration // closing window; <=0 disables closing timers
	// Fire is invoked once when a timer expires. Calls come from timer
	// goroutines; the receiver must do its own locking.
	Fire func(channelID string, kind Kind)
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// New creates an Engine.
func New(opts Opts) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	fire := opts.Fire
	if fire == nil {
		fire = func(string, Kind) {}
	}
	return &Engine{
		regular:  opts.Regular,
		closing:  opts.Closing,
		fire:     fire,
		now:      now,
		timers:   make(map[string]*armed),
		restored: make(map[string]bool),
	}
}

// Duration returns the configured window for a kind.
func (e *Engine) Duration(kind Kind) time.Duration {
	if kind == KindClosing {
		return e.closing
	}
	return e.regular
}

// Arm schedules a one-shot timeout for the channel, cancelling any prior
// timer. A non-positive configured duration disables the timer entirely.
func (e *Engine) Arm(channelID string, kind Kind) {
	e.armAfter(channelID, kind, e.Duration(kind))
}

// armAfter schedules with an explicit remaining duration (used by restore).
func (e *Engine) armAfter(channelID string, kind Kind, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if prior, ok := e.timers[channelID]; ok {
		prior.timer.Stop()
		delete(e.timers, channelID)
	}
	if d <= 0 {
		return
	}
	a := &armed{kind: kind}
	a.timer = time.AfterFunc(d, func() { e.expire(channelID, a) })
	e.timers[channelID] = a
}

// Cancel clears any scheduled timeout for the channel; called whenever
// the player replies.
func (e *Engine) Cancel(channelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.timers[channelID]; ok {
		a.timer.Stop()
		delete(e.timers, channelID)
	}
}

// Armed reports whether the channel has a scheduled timer and its kind.
func (e *Engine) Armed(channelID string) (Kind, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.timers[channelID]
	if !ok {
		return "", false
	}
	return a.kind, true
}

// RestoreAll re-creates timers after a restart. Remaining duration is
// recomputed from the staff-message timestamp against wall-clock time;
// timers that expired while the process was offline fire immediately
// rather than being dropped. Calling RestoreAll again for the same
// channel is a no-op, so a double start cannot double-fire.
func (e *Engine) RestoreAll(entries []RestoreEntry) {
	for _, entry := range entries {
		e.mu.Lock()
		if e.stopped || e.restored[entry.ChannelID] {
			e.mu.Unlock()
			continue
		}
		e.restored[entry.ChannelID] = true
		_, alreadyArmed := e.timers[entry.ChannelID]
		e.mu.Unlock()
		if alreadyArmed {
			continue
		}

		d := e.Duration(entry.Kind)
		if d <= 0 {
			continue
		}
		remaining := d - e.now().Sub(entry.Since)
		if remaining <= 0 {
			log.Printf("timer: %s deadline for %s passed while offline, firing now",
				entry.Kind, entry.ChannelID)
			e.fire(entry.ChannelID, entry.Kind)
			continue
		}
		e.armAfter(entry.ChannelID, entry.Kind, remaining)
	}
}

// Stop cancels every armed timer. The engine cannot be rearmed after.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for id, a := range e.timers {
		a.timer.Stop()
		delete(e.timers, id)
	}
}

// expire runs on the timer goroutine; it only fires if this exact timer
// is still the channel's armed one, so a cancel or re-arm that raced the
// expiry wins.
func (e *Engine) expire(channelID string, a *armed) {
	e.mu.Lock()
	current, ok := e.timers[channelID]
	if !ok || current != a {
		e.mu.Unlock()
		return
	}
	delete(e.timers, channelID)
	e.mu.Unlock()
	e.fire(channelID, a.kind)
}
