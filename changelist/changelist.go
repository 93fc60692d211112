// Package changelist implements the change-list registry (component B):
// an ordered list of rollback handlers a write-unit-of-work accumulates,
// replayed on commit (in order) or rollback (in reverse) alongside the
// engine transaction.
package changelist

import "github.com/ngaut/log"

// Change is a non-storage side effect registered inside a
// write-unit-of-work. Commit and Rollback must not fail: a failure here,
// after the engine transaction has already settled, cannot be compensated.
// List does not recover a panic from either; it propagates to the caller.
type Change interface {
	// Commit is invoked in registration order when the unit of work
	// commits. at is the commit timestamp if one was set, else the
	// last-timestamp-set value, else zero.
	Commit(at uint64)
	// Rollback is invoked in reverse registration order when the unit of
	// work aborts.
	Rollback()
}

// List is the ordered container a RecoveryUnit owns for the duration of
// one write-unit-of-work.
type List struct {
	changes []Change
}

// Register appends h to the tail of the list. Callers are responsible for
// only calling this inside an open write-unit-of-work; List itself has no
// notion of the surrounding state machine.
func (l *List) Register(h Change) {
	l.changes = append(l.changes, h)
}

// Len reports how many changes are currently registered.
func (l *List) Len() int {
	return len(l.changes)
}

// Commit runs every handler's Commit in registration order, then clears
// the list. A handler that panics is not caught: it propagates and the
// caller (RecoveryUnit) is expected to let the process die, since the
// engine transaction has already committed by the time this runs.
func (l *List) Commit(at uint64) {
	for _, c := range l.changes {
		c.Commit(at)
	}
	l.clear()
}

// Rollback runs every handler's Rollback in reverse registration order,
// then clears the list. Like Commit, a panicking handler is fatal: the
// engine transaction has already rolled back and there is no sane
// recovery path.
func (l *List) Rollback() {
	for i := len(l.changes) - 1; i >= 0; i-- {
		l.changes[i].Rollback()
	}
	l.clear()
}

func (l *List) clear() {
	if len(l.changes) > 0 {
		log.Debugf("change list drained, %d handlers", len(l.changes))
	}
	l.changes = nil
}
