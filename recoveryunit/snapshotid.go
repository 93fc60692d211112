package recoveryunit

import "go.uber.org/atomic"

// nextSnapshotID is the process-global monotonic counter from spec.md §5:
// "the global snapshot-id counter is the only shared mutable datum the RU
// writes to; it must use a monotonic atomic add." Every RecoveryUnit in
// the process shares this one counter, so two distinct RU transactions
// never observe the same id.
var nextSnapshotID atomic.Uint64

// newSnapshotID mints a fresh, process-unique snapshot id.
func newSnapshotID() uint64 {
	return nextSnapshotID.Add(1)
}
