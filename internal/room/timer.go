package room

import (
	"time"

	"tourneysync/pkg/protocol"
)

// timer is a named countdown clock owned by a room. It is only ever
// touched from the room loop, so it carries no locking. Exactly one of
// running / remainingOnPause>0 holds for a timer that has been used;
// both false means idle.
type timer struct {
	id               string
	running          bool
	startTime        time.Time
	endTime          time.Time
	remainingOnPause time.Duration
	subs             map[string]*client
}

func newTimer(id string) *timer {
	return &timer{id: id, subs: make(map[string]*client)}
}

// start arms the countdown. A timer that is already running ignores the
// command so duplicate start messages cannot stretch the deadline.
func (t *timer) start(now time.Time, d time.Duration) bool {
	if t.running {
		return false
	}
	t.running = true
	t.startTime = now
	t.endTime = now.Add(d)
	t.remainingOnPause = 0
	return true
}

// pause freezes the countdown, remembering how much was left. Only valid
// while running.
func (t *timer) pause(now time.Time) (time.Duration, bool) {
	if !t.running {
		return 0, false
	}
	t.running = false
	left := t.endTime.Sub(now)
	if left < 0 {
		left = 0
	}
	t.remainingOnPause = left
	return left, true
}

// resume rearms the countdown from the paused remainder. A timer that
// was never paused (or was reset) has nothing to resume.
func (t *timer) resume(now time.Time) (time.Time, bool) {
	if t.running || t.remainingOnPause <= 0 {
		return time.Time{}, false
	}
	t.running = true
	t.startTime = now
	t.endTime = now.Add(t.remainingOnPause)
	t.remainingOnPause = 0
	return t.endTime, true
}

// reset returns the timer to idle from any state.
func (t *timer) reset() {
	t.running = false
	t.startTime = time.Time{}
	t.endTime = time.Time{}
	t.remainingOnPause = 0
}

// expired reports whether a running countdown has elapsed.
func (t *timer) expired(now time.Time) bool {
	return t.running && !now.Before(t.endTime)
}

// finish collapses an elapsed timer back to idle.
func (t *timer) finish() {
	t.reset()
}

// timeLeft is the remaining countdown right now: against the deadline
// while running, the paused remainder otherwise.
func (t *timer) timeLeft(now time.Time) time.Duration {
	if t.running {
		left := t.endTime.Sub(now)
		if left < 0 {
			left = 0
		}
		return left
	}
	return t.remainingOnPause
}

// sync builds the caller-only join reply for this timer.
func (t *timer) sync(now time.Time) protocol.TimerSyncPayload {
	p := protocol.TimerSyncPayload{
		IsRunning: t.running,
		TimeLeft:  t.timeLeft(now).Milliseconds(),
	}
	if t.running {
		p.EndTime = t.endTime.UnixMilli()
	}
	return p
}
