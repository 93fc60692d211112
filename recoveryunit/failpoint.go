package recoveryunit

import "github.com/pingcap/failpoint"

// notifyDoneForCommit decides whether a settling transaction should wake
// prepare-conflict waiters on the session cache. Normally that's only
// true for transactions that went through prepareUnitOfWork; the
// WTAlwaysNotifyPrepareConflictWaiters fail point (spec.md §6) forces it
// unconditionally, to let tests exercise the wake path without actually
// preparing a transaction.
func notifyDoneForCommit(wasPrepared bool) bool {
	notify := wasPrepared
	failpoint.Inject("WTAlwaysNotifyPrepareConflictWaiters", func() {
		notify = true
	})
	return notify
}
