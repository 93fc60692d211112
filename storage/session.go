// Package storage is the transaction session adapter (component C): a
// narrow contract over an engine session, plus the session pool a
// RecoveryUnit borrows sessions from. It does not know about read-source
// policy or change lists; those live in readsource and changelist.
package storage

import "github.com/ahalvadzija/docdb/dberr"

// RoundingPolicy controls what the engine does when an exact timestamp
// isn't retained any more.
type RoundingPolicy int

const (
	// NoRounding fails with dberr.SnapshotTooOld if the requested
	// timestamp isn't available.
	NoRounding RoundingPolicy = iota
	// RoundToOldest silently moves the requested timestamp forward to the
	// oldest timestamp the engine still has a snapshot for.
	RoundToOldest
)

// SessionStats is the structured blob returned by Session.FastStats. Err
// is set instead of the call failing outright, per the "statistics
// retrieval failures are reported inline" rule.
type SessionStats struct {
	BytesInMemtable int64
	BytesOnDisk     int64
	NumSSTables     int
	Err             string
}

// Session is a thin adapter over one engine session. A RecoveryUnit owns
// at most one Session at a time; Session itself is not safe for concurrent
// use by multiple goroutines.
type Session interface {
	// Begin opens a new engine transaction. ignorePrepared lets reads in
	// this transaction bypass conflicts with prepared-but-uncommitted
	// transactions.
	Begin(ignorePrepared bool) error

	// SetReadTimestamp pins the transaction's read snapshot to ts. Must be
	// called before Done. policy controls what happens if ts has already
	// fallen out of the engine's retention window.
	SetReadTimestamp(ts uint64, policy RoundingPolicy) error

	// Done marks the transaction usable for reads/writes after any
	// SetReadTimestamp call has been applied.
	Done()

	// QueryReadTimestamp returns the timestamp the engine actually used
	// for this transaction's snapshot. Needed because rounding can make
	// the effective timestamp differ from the one requested.
	QueryReadTimestamp() (uint64, error)

	// SetCommitTimestamp records the timestamp Commit should apply. Call
	// before Commit; a zero value means "commit untimestamped".
	SetCommitTimestamp(ts uint64)

	// Commit commits the open transaction, applying the commit timestamp
	// set via SetCommitTimestamp first if one was set. Engine failures are
	// returned; callers must treat a non-nil error here as fatal, per
	// spec.
	Commit() error

	// Rollback rolls back the open transaction. Engine failures here are
	// always fatal.
	Rollback() error

	// Prepare issues the engine's two-phase prepare with the given
	// timestamp.
	Prepare(prepareTimestamp uint64) error

	// Get/Set/Delete/NewIterator are the minimal read/write surface a
	// write-unit-of-work needs; everything above this layer treats them
	// as opaque engine operations.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(reverse bool) Iterator

	// CloseAllCursors closes every iterator this session has handed out.
	// Called when the owning RecoveryUnit goes idle.
	CloseAllCursors()

	// FastStats returns cheap engine-side session statistics.
	FastStats() SessionStats

	// Close returns the session to its pool. After Close the Session must
	// not be used again.
	Close()
}

// Iterator is the minimal cursor surface a Session hands out; closing a
// Session via CloseAllCursors invalidates every Iterator it returned.
type Iterator interface {
	Seek(key []byte)
	Valid() bool
	Next()
	Key() []byte
	Value() ([]byte, error)
	Close()
}

// SessionCache hands out engine sessions and is the thing a RecoveryUnit
// blocks on when it lazily opens its first session. It is shared across
// many RecoveryUnits running on different goroutines.
type SessionCache interface {
	// Acquire returns an idle session, opening a new engine connection if
	// the pool is empty.
	Acquire() (Session, error)

	// NotifyPrepareConflictWaiters wakes any goroutines blocked waiting on
	// a prepared-but-not-yet-committed transaction to settle. Called from
	// RecoveryUnit's commit/abort path when notifyDone is true.
	NotifyPrepareConflictWaiters()

	// OldestTimestamp returns the oldest read timestamp the engine still
	// retains a snapshot for, used to translate "too old" rejections into
	// dberr.SnapshotTooOld.
	OldestTimestamp() uint64

	// WaitUntilDurable blocks until the engine's write-ahead log has been
	// flushed; it does not force a checkpoint.
	WaitUntilDurable() error

	// WaitUntilUnjournaledWritesDurable forces a stable checkpoint, making
	// even unjournaled writes durable.
	WaitUntilUnjournaledWritesDurable() error

	// Metrics returns the cache's prometheus counters/histogram, so a
	// RecoveryUnit can record commit/rollback/slow-txn observations
	// against the same registry a host process exposes.
	Metrics() *Metrics

	// Close shuts the pool and every session it holds down.
	Close() error
}

// translateTooOld builds a dberr.SnapshotTooOld using the cache's current
// oldest-timestamp bound; a Session implementation calls this when the
// underlying engine rejects a requested read timestamp as unavailable.
func translateTooOld(requested, oldest uint64) error {
	return &dberr.SnapshotTooOld{Requested: requested, Oldest: oldest}
}
