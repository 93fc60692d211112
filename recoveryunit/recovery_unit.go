// Package recoveryunit implements the recovery unit state machine
// (component D): the per-operation transactional handle higher layers use
// to obtain a read snapshot, accumulate writes inside a write-unit-of-work,
// optionally two-phase-prepare, and commit or roll back.
//
// A RecoveryUnit is single-owner, single-goroutine: it is not internally
// synchronized, and callers must not share one across goroutines running
// concurrently. Multiple RecoveryUnits may run in parallel against the
// same engine; cross-RU coordination is the engine's and the session
// cache's job.
package recoveryunit

import (
	"time"

	"github.com/ngaut/log"

	"github.com/ahalvadzija/docdb/changelist"
	"github.com/ahalvadzija/docdb/config"
	"github.com/ahalvadzija/docdb/dberr"
	"github.com/ahalvadzija/docdb/readsource"
	"github.com/ahalvadzija/docdb/storage"
)

// Factory binds the external collaborators (session cache, oplog manager,
// snapshot manager, config) a RecoveryUnit needs, and mints new recovery
// units bound to them. A host process constructs one Factory per storage
// engine and calls New() once per logical operation.
type Factory struct {
	cache   storage.SessionCache
	oplog   readsource.OplogManager
	snapMgr readsource.SnapshotManager
	cfg     *config.Config
}

// NewFactory constructs a Factory. A nil cfg is replaced with
// config.DefaultConfig().
func NewFactory(cache storage.SessionCache, oplog readsource.OplogManager, snapMgr readsource.SnapshotManager, cfg *config.Config) *Factory {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Factory{cache: cache, oplog: oplog, snapMgr: snapMgr, cfg: cfg}
}

// New mints a RecoveryUnit in the Inactive state with a fresh snapshot id.
func (f *Factory) New() *RecoveryUnit {
	return &RecoveryUnit{
		cache:         f.cache,
		oplog:         f.oplog,
		policy:        readsource.New(f.oplog, f.snapMgr),
		cfg:           f.cfg,
		state:         stateInactive,
		orderedCommit: f.cfg.OrderedCommitDefault,
		snapshotID:    newSnapshotID(),
	}
}

// RecoveryUnit is the per-operation transactional coordinator described
// by spec.md §3. See state.go for the lifecycle states and state.go's
// predicates for the active/inUnitOfWork/settling groupings used below.
type RecoveryUnit struct {
	cache storage.SessionCache
	oplog readsource.OplogManager

	policy  *readsource.Policy
	changes changelist.List
	cfg     *config.Config

	state      state
	session    storage.Session
	snapshotID uint64

	ignorePrepared bool
	isOplogReader  bool
	orderedCommit  bool
	isTimestamped  bool

	haveCommitTimestamp  bool
	commitTimestamp      uint64
	havePrepareTimestamp bool
	prepareTimestamp     uint64
	haveLastTimestampSet bool
	lastTimestampSet     uint64

	timerRunning bool
	timerStart   time.Time
}

// AssertInActiveTxn fatally terminates the process if no engine
// transaction is currently open, per spec.md §4.4's "assertion that a
// non-active RU is being asked for its open transaction" fatal condition.
func (ru *RecoveryUnit) AssertInActiveTxn() {
	if !ru.state.active() {
		log.Fatalf("recovery unit: expected an active transaction, state=%v", ru.state)
	}
}

// GetSession lazily opens the engine session and, if no transaction is
// open yet, begins one according to the current read-source policy. It
// is the suspension point that drives Inactive/InactiveInUnitOfWork to
// ActiveNotInUnitOfWork/Active.
func (ru *RecoveryUnit) GetSession() (storage.Session, error) {
	if ru.state.settling() {
		log.Fatalf("recovery unit: getSession called while settling, state=%v", ru.state)
	}
	if ru.state.active() {
		return ru.session, nil
	}
	if err := ru.ensureSession(); err != nil {
		return nil, err
	}
	if err := ru.policy.Open(ru.session, ru.ignorePrepared, ru.isOplogReader); err != nil {
		ru.session.Rollback()
		return nil, err
	}
	switch ru.state {
	case stateInactive:
		ru.state = stateActiveNotInUnitOfWork
	case stateInactiveInUnitOfWork:
		ru.state = stateActive
	}
	ru.startTimerIfEnabled()
	return ru.session, nil
}

// GetSessionNoTxn returns a session without starting a transaction on it
// and without driving any state transition. Used for out-of-band
// engine-level calls (statistics, durability) that don't need a
// snapshot.
func (ru *RecoveryUnit) GetSessionNoTxn() (storage.Session, error) {
	if err := ru.ensureSession(); err != nil {
		return nil, err
	}
	return ru.session, nil
}

func (ru *RecoveryUnit) ensureSession() error {
	if ru.session != nil {
		return nil
	}
	s, err := ru.cache.Acquire()
	if err != nil {
		return err
	}
	ru.session = s
	return nil
}

// BeginUnitOfWork opens a write-unit-of-work. Nesting, or calling this
// while the recovery unit is settling, is a programmer error.
func (ru *RecoveryUnit) BeginUnitOfWork() {
	if ru.state.inUnitOfWork() || ru.state.settling() {
		log.Fatalf("recovery unit: beginUnitOfWork called while already in a unit of work, state=%v", ru.state)
	}
	switch ru.state {
	case stateInactive:
		ru.state = stateInactiveInUnitOfWork
	case stateActiveNotInUnitOfWork:
		ru.state = stateActive
	default:
		log.Fatalf("recovery unit: beginUnitOfWork reached from unexpected state %v", ru.state)
	}
}

// CommitUnitOfWork commits the open write-unit-of-work: the engine
// transaction (if one is open), then every registered change in
// registration order.
func (ru *RecoveryUnit) CommitUnitOfWork() error {
	if !ru.state.inUnitOfWork() {
		log.Fatalf("recovery unit: commitUnitOfWork called outside a unit of work, state=%v", ru.state)
	}
	return ru.commit()
}

// AbortUnitOfWork rolls back the open write-unit-of-work: the engine
// transaction (if one is open), then every registered change in reverse
// registration order.
func (ru *RecoveryUnit) AbortUnitOfWork() {
	if !ru.state.inUnitOfWork() {
		log.Fatalf("recovery unit: abortUnitOfWork called outside a unit of work, state=%v", ru.state)
	}
	ru.abort()
}

// PrepareUnitOfWork issues the engine's two-phase prepare using the
// timestamp installed by SetPrepareTimestamp.
func (ru *RecoveryUnit) PrepareUnitOfWork() error {
	if !ru.havePrepareTimestamp {
		log.Fatalf("recovery unit: prepareUnitOfWork called without a prepare timestamp")
	}
	session, err := ru.GetSession()
	if err != nil {
		return err
	}
	return session.Prepare(ru.prepareTimestamp)
}

// AbandonSnapshot discards the current read snapshot outside a
// write-unit-of-work, returning the recovery unit to Inactive.
func (ru *RecoveryUnit) AbandonSnapshot() {
	switch ru.state {
	case stateInactive:
		return
	case stateActiveNotInUnitOfWork:
		ru.abort()
	default:
		log.Fatalf("recovery unit: abandonSnapshot called while in a unit of work, state=%v", ru.state)
	}
}

// PreallocateSnapshot eagerly opens the engine transaction the next read
// would otherwise lazily open.
func (ru *RecoveryUnit) PreallocateSnapshot() error {
	_, err := ru.GetSession()
	return err
}

// BeginIdle closes every cursor the current session has handed out,
// without otherwise changing lifecycle state.
func (ru *RecoveryUnit) BeginIdle() {
	if ru.session != nil {
		ru.session.CloseAllCursors()
	}
}

// RegisterChange appends a rollback handler to the change list. Legal
// only inside an open write-unit-of-work.
func (ru *RecoveryUnit) RegisterChange(h changelist.Change) {
	if !ru.state.inUnitOfWork() {
		log.Fatalf("recovery unit: registerChange called outside a unit of work, state=%v", ru.state)
	}
	ru.changes.Register(h)
}

// WaitUntilDurable blocks until the engine's log/journal has been flushed.
func (ru *RecoveryUnit) WaitUntilDurable() error {
	return ru.cache.WaitUntilDurable()
}

// WaitUntilUnjournaledWritesDurable forces a stable checkpoint.
func (ru *RecoveryUnit) WaitUntilUnjournaledWritesDurable() error {
	return ru.cache.WaitUntilUnjournaledWritesDurable()
}

// SetTimestamp applies t as the open transaction's commit timestamp,
// lazily opening the transaction if one isn't active yet. Legal only
// inside a write-unit-of-work, and only while prepareTimestamp and
// commitTimestamp are both unset.
func (ru *RecoveryUnit) SetTimestamp(t uint64) error {
	if !ru.state.inUnitOfWork() {
		log.Fatalf("recovery unit: setTimestamp called outside a unit of work, state=%v", ru.state)
	}
	if t == 0 {
		return &dberr.BadValue{Reason: "timestamp must not be null"}
	}
	if ru.havePrepareTimestamp || ru.haveCommitTimestamp {
		log.Fatalf("recovery unit: setTimestamp called with a prepare or commit timestamp already set")
	}
	ru.lastTimestampSet = t
	ru.haveLastTimestampSet = true
	session, err := ru.GetSession()
	if err != nil {
		return err
	}
	session.SetCommitTimestamp(t)
	ru.isTimestamped = true
	return nil
}

// SetCommitTimestamp installs t as the commit timestamp without opening
// a transaction. Legal outside a write-unit-of-work, or inside one only
// once a prepare timestamp has been set.
func (ru *RecoveryUnit) SetCommitTimestamp(t uint64) error {
	if ru.state.inUnitOfWork() && !ru.havePrepareTimestamp {
		log.Fatalf("recovery unit: setCommitTimestamp called inside a unit of work without a prepare timestamp")
	}
	if ru.haveCommitTimestamp || ru.haveLastTimestampSet || ru.isTimestamped {
		log.Fatalf("recovery unit: setCommitTimestamp called with a timestamp already applied")
	}
	if t == 0 {
		return &dberr.BadValue{Reason: "timestamp must not be null"}
	}
	ru.commitTimestamp = t
	ru.haveCommitTimestamp = true
	return nil
}

// GetCommitTimestamp returns the installed commit timestamp, if any.
func (ru *RecoveryUnit) GetCommitTimestamp() (uint64, bool) {
	return ru.commitTimestamp, ru.haveCommitTimestamp
}

// ClearCommitTimestamp removes a commit timestamp installed via
// SetCommitTimestamp. Legal only outside a write-unit-of-work.
func (ru *RecoveryUnit) ClearCommitTimestamp() {
	if ru.state.inUnitOfWork() {
		log.Fatalf("recovery unit: clearCommitTimestamp called inside a unit of work")
	}
	if !ru.haveCommitTimestamp || ru.haveLastTimestampSet {
		log.Fatalf("recovery unit: clearCommitTimestamp invariant violated")
	}
	ru.haveCommitTimestamp = false
	ru.commitTimestamp = 0
}

// SetPrepareTimestamp installs the timestamp PrepareUnitOfWork will use.
// Legal only inside a write-unit-of-work, and only while no other
// timestamp has been set yet.
func (ru *RecoveryUnit) SetPrepareTimestamp(t uint64) error {
	if !ru.state.inUnitOfWork() {
		log.Fatalf("recovery unit: setPrepareTimestamp called outside a unit of work, state=%v", ru.state)
	}
	if ru.haveCommitTimestamp || ru.haveLastTimestampSet || ru.havePrepareTimestamp {
		log.Fatalf("recovery unit: setPrepareTimestamp called with a timestamp already set")
	}
	if t == 0 {
		return &dberr.BadValue{Reason: "timestamp must not be null"}
	}
	ru.prepareTimestamp = t
	ru.havePrepareTimestamp = true
	return nil
}

// GetPrepareTimestamp returns the installed prepare timestamp, if any.
func (ru *RecoveryUnit) GetPrepareTimestamp() (uint64, bool) {
	return ru.prepareTimestamp, ru.havePrepareTimestamp
}

// SetIgnorePrepared controls whether this recovery unit's reads conflict
// with prepared-but-not-yet-committed transactions.
func (ru *RecoveryUnit) SetIgnorePrepared(ignore bool) {
	ru.ignorePrepared = ignore
}

// SetOrderedCommit records the caller's promise that writes through this
// recovery unit commit in timestamp order. When false and the
// transaction ends up timestamped, closing it triggers an oplog
// visibility flush.
func (ru *RecoveryUnit) SetOrderedCommit(ordered bool) {
	ru.orderedCommit = ordered
}

// SetIsOplogReader switches the NoTimestamp/Unset read source to pin its
// snapshot to the oplog manager's current read timestamp.
func (ru *RecoveryUnit) SetIsOplogReader(isOplogReader bool) {
	ru.isOplogReader = isOplogReader
}

// SetTimestampReadSource configures what snapshot the next transaction
// open reads at. ts must be present iff src is readsource.Provided.
func (ru *RecoveryUnit) SetTimestampReadSource(src readsource.Source, ts *uint64) error {
	return ru.policy.SetSource(src, ts)
}

// GetTimestampReadSource returns the currently configured read source.
func (ru *RecoveryUnit) GetTimestampReadSource() readsource.Source {
	return ru.policy.Source()
}

// GetPointInTimeReadTimestamp returns the timestamp the current or most
// recent transaction read at, for the sources that expose one.
func (ru *RecoveryUnit) GetPointInTimeReadTimestamp() (uint64, bool) {
	return ru.policy.PointInTimeReadTimestamp()
}

// ObtainMajorityCommittedSnapshot resolves and caches the current
// majority-committed snapshot ahead of the next transaction open. Legal
// only when the read source is MajorityCommitted.
func (ru *RecoveryUnit) ObtainMajorityCommittedSnapshot() error {
	return ru.policy.ObtainMajorityCommittedSnapshot()
}

// GetSnapshotId returns the recovery unit's current snapshot id. It
// changes on every transaction close.
func (ru *RecoveryUnit) GetSnapshotId() uint64 {
	return ru.snapshotID
}

// GetOperationStatistics returns engine "fast" session statistics.
// Retrieval failures are reported inline on the returned struct rather
// than as an error return, per spec.md §7.
func (ru *RecoveryUnit) GetOperationStatistics() storage.SessionStats {
	session, err := ru.GetSessionNoTxn()
	if err != nil {
		return storage.SessionStats{Err: err.Error()}
	}
	return session.FastStats()
}

// Close destroys the recovery unit, implicitly rolling back any
// still-open transaction and returning the session to its pool.
// Destroying a recovery unit while a write-unit-of-work is open is a
// programmer error and aborts the process, per spec.md §3.
func (ru *RecoveryUnit) Close() {
	if ru.state.inUnitOfWork() {
		log.Fatalf("recovery unit: destroyed while a unit of work was open, state=%v", ru.state)
	}
	if ru.state.active() {
		ru.abort()
	}
	if ru.session != nil {
		ru.session.Close()
		ru.session = nil
	}
}

func (ru *RecoveryUnit) commit() error {
	wasActive := ru.state.active()
	wasPrepared := ru.havePrepareTimestamp

	var commitAt uint64
	switch {
	case ru.haveCommitTimestamp:
		commitAt = ru.commitTimestamp
	case ru.haveLastTimestampSet:
		commitAt = ru.lastTimestampSet
	}

	ru.state = stateCommitting
	if wasActive {
		if ru.haveCommitTimestamp {
			ru.session.SetCommitTimestamp(ru.commitTimestamp)
		}
		if err := ru.session.Commit(); err != nil {
			log.Fatalf("recovery unit: engine commit failed, snapshot id %d: %v", ru.snapshotID, err)
		}
	}
	if notifyDoneForCommit(wasPrepared) {
		ru.cache.NotifyPrepareConflictWaiters()
	}
	ru.changes.Commit(commitAt)
	ru.cache.Metrics().CommitTotal.Inc()
	log.Debugf("commit, snapshot id %d", ru.snapshotID)
	ru.txnClose()
	ru.state = stateInactive
	return nil
}

func (ru *RecoveryUnit) abort() {
	wasActive := ru.state.active()
	wasPrepared := ru.havePrepareTimestamp

	ru.state = stateAborting
	if wasActive {
		if err := ru.session.Rollback(); err != nil {
			log.Fatalf("recovery unit: engine rollback failed, snapshot id %d: %v", ru.snapshotID, err)
		}
	}
	if notifyDoneForCommit(wasPrepared) {
		ru.cache.NotifyPrepareConflictWaiters()
	}
	ru.changes.Rollback()
	ru.cache.Metrics().RollbackTotal.Inc()
	log.Debugf("rollback, snapshot id %d", ru.snapshotID)
	ru.txnClose()
	ru.state = stateInactive
}

// txnClose performs the bookkeeping spec.md §4.4 requires on every
// transaction close, regardless of whether it ended in commit or abort:
// slow-transaction logging, the oplog visibility flush for unordered
// timestamped commits, and resetting the per-transaction timestamp state
// before minting a fresh snapshot id.
func (ru *RecoveryUnit) txnClose() {
	if ru.timerRunning {
		elapsed := time.Since(ru.timerStart)
		if ru.state == stateCommitting {
			ru.cache.Metrics().CommitLatency.Observe(elapsed.Seconds())
		}
		threshold := time.Duration(maxUint64(1, ru.cfg.SlowOpThresholdMs)) * time.Millisecond
		if elapsed >= threshold {
			ru.cache.Metrics().SlowTxnTotal.Inc()
			log.Debugf("slow transaction, snapshot id %d, duration %s", ru.snapshotID, elapsed)
		}
		ru.timerRunning = false
	}
	if ru.isTimestamped && !ru.orderedCommit {
		ru.oplog.TriggerJournalFlush()
	}
	ru.haveLastTimestampSet = false
	ru.lastTimestampSet = 0
	ru.havePrepareTimestamp = false
	ru.prepareTimestamp = 0
	ru.haveCommitTimestamp = false
	ru.commitTimestamp = 0
	ru.isTimestamped = false
	ru.isOplogReader = false
	ru.orderedCommit = true
	ru.snapshotID = newSnapshotID()
}

func (ru *RecoveryUnit) startTimerIfEnabled() {
	if ru.cfg.SlowOpThresholdMs > 0 && !ru.timerRunning {
		ru.timerStart = time.Now()
		ru.timerRunning = true
	}
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
