package event

import (
	"sort"
	"time"
)

// timerTarget is one (deadline, Condition) pair tracked by the
// TimerService. Entries are kept sorted descending by deadline so the
// imminent one sits at the tail — a cheap pop from the back.
type timerTarget struct {
	deadline time.Time
	cond     *Condition
}

// TimerService is the loop's single sorted timeout queue. In the
// original design it was backed by one OS monotonic timer armed via a
// realtime signal; here its deadlines are folded directly into the
// readiness-probe timeout the IO manager already computes each tick
// (see Loop.tick), so there is no signal handler and no async-signal
// safety concern to satisfy.
type TimerService struct {
	targets []timerTarget
	index   map[*Condition]int
}

// NewTimerService creates an empty timer queue.
func NewTimerService() *TimerService {
	return &TimerService{index: make(map[*Condition]int)}
}

// SetTimeout arms cond to fire at target. If cond already has an
// outstanding entry its deadline is updated in place.
func (t *TimerService) SetTimeout(target time.Time, cond *Condition) {
	cond.Arm()
	if idx, ok := t.index[cond]; ok {
		t.targets[idx].deadline = target
	} else {
		t.targets = append(t.targets, timerTarget{deadline: target, cond: cond})
	}
	t.resort()
}

// RemoveTimeout cancels cond's outstanding entry, if any. The OS is
// never "reprogrammed" in this design since there is no OS timer to
// reprogram — the next tick simply computes a fresh poll budget from
// whatever remains armed.
func (t *TimerService) RemoveTimeout(cond *Condition) {
	idx, ok := t.index[cond]
	if !ok {
		return
	}
	t.targets = append(t.targets[:idx], t.targets[idx+1:]...)
	delete(t.index, cond)
	t.reindex()
}

// Armed reports whether any timer is outstanding.
func (t *TimerService) Armed() bool {
	return len(t.targets) > 0
}

// NextDeadline returns the nearest outstanding deadline, if any.
func (t *TimerService) NextDeadline() (time.Time, bool) {
	if len(t.targets) == 0 {
		return time.Time{}, false
	}
	return t.targets[len(t.targets)-1].deadline, true
}

// FireExpired pops every entry whose deadline has passed as of now and
// fires its Condition. Monotonicity across two calls to SetTimeout with
// t1 < t2 follows directly from the descending sort: the earlier
// deadline always reaches the tail first.
func (t *TimerService) FireExpired(now time.Time) {
	for len(t.targets) > 0 {
		tail := t.targets[len(t.targets)-1]
		if tail.deadline.After(now) {
			return
		}
		t.targets = t.targets[:len(t.targets)-1]
		delete(t.index, tail.cond)
		tail.cond.Fire()
	}
}

func (t *TimerService) resort() {
	sort.Slice(t.targets, func(i, j int) bool {
		return t.targets[i].deadline.After(t.targets[j].deadline)
	})
	t.reindex()
}

func (t *TimerService) reindex() {
	for i, target := range t.targets {
		t.index[target.cond] = i
	}
}

// Timer is an owned handle pairing a TimerService entry with a
// didFire Condition, a target absolute deadline, and reset/extend
// operations.
type Timer struct {
	svc      *TimerService
	cond     *Condition
	target   time.Time
	duration time.Duration
}

// NewTimer arms a Timer to fire after d.
func NewTimer(svc *TimerService, d time.Duration) *Timer {
	cond := newTimerCondition("timer.didFire")
	timer := &Timer{svc: svc, cond: cond, duration: d, target: time.Now().Add(d)}
	svc.SetTimeout(timer.target, cond)
	return timer
}

// DidFire is the Condition that becomes true at or after the deadline.
func (t *Timer) DidFire() *Condition { return t.cond }

// Reset re-arms the timer for d from now, discarding any progress
// toward the previous deadline.
func (t *Timer) Reset(d time.Duration) {
	t.duration = d
	t.target = time.Now().Add(d)
	t.svc.SetTimeout(t.target, t.cond)
}

// Extend pushes the deadline further out by d without resetting the
// base time it is computed from.
func (t *Timer) Extend(d time.Duration) {
	t.target = t.target.Add(d)
	t.svc.SetTimeout(t.target, t.cond)
}

// Destroy cancels the timer's outstanding timeout.
func (t *Timer) Destroy() {
	t.svc.RemoveTimeout(t.cond)
}
