package event

// Action is a callback gated by the conjunction of a set of Conditions.
// It registers itself with loop at construction time and must be
// Destroyed to stop receiving ticks; Actions borrow their Conditions,
// they never own them.
type Action struct {
	loop      *Loop
	conds     []*Condition
	callback  func()
	destroyed bool
}

// NewAction creates and registers an Action with loop. cb is invoked at
// most once per tick, exactly when every Condition in conds is true.
func NewAction(loop *Loop, conds []*Condition, cb func()) *Action {
	a := &Action{loop: loop, conds: conds, callback: cb}
	loop.register(a)
	return a
}

// CanInvoke reports whether every referenced Condition currently holds.
func (a *Action) CanInvoke() bool {
	for _, c := range a.conds {
		if c == nil || !c.Value() {
			return false
		}
	}
	return true
}

// Destroy removes the Action from its loop. No further invocations
// occur, including for the tick in which Destroy is called from within
// the Action's own callback.
func (a *Action) Destroy() {
	if a.destroyed {
		return
	}
	a.loop.unregister(a)
}

// Trigger is a one-shot Action: the first time its Conditions are all
// true it fires, then self-destructs so it can never fire again.
type Trigger struct {
	action *Action
}

// NewTrigger creates and registers a one-shot Action with loop.
func NewTrigger(loop *Loop, conds []*Condition, cb func()) *Trigger {
	t := &Trigger{}
	t.action = NewAction(loop, conds, func() {
		cb()
		t.action.Destroy()
	})
	return t
}

// Destroy cancels the Trigger before it has fired. Safe to call after
// it has already fired (self-destruction already happened).
func (t *Trigger) Destroy() {
	t.action.Destroy()
}
