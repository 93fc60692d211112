package storage

import (
	"strconv"
	"sync"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/ahalvadzija/docdb/dberr"
)

// badgerPool is the concrete SessionCache backing a single badger.DB.
// Grounded on tikv/mvcc.go's MVCCStore, which wraps one *badger.DB behind
// a mutex and hands out View/Update closures; here we hand out whole
// Session objects instead, since the recovery unit owns a transaction
// across several calls rather than one closure.
//
// free is a bounded free-list of already-allocated, idle sessions sized
// by config.Config.SessionPoolSize: Acquire prefers recycling one of
// these over allocating a fresh badgerSession, and Close returns a
// session to the list instead of discarding it, as long as there's room.
type badgerPool struct {
	db      *badger.DB
	reg     *prepareWaiterRegistry
	metrics *Metrics
	free    chan *badgerSession
}

// NewBadgerSessionCache wraps an already-open badger.DB as a SessionCache.
// poolSize bounds how many idle sessions are kept warm between recovery
// units; values <= 0 behave as a pool of one.
func NewBadgerSessionCache(db *badger.DB, poolSize int) SessionCache {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &badgerPool{
		db:      db,
		reg:     newPrepareWaiterRegistry(),
		metrics: NewMetrics(),
		free:    make(chan *badgerSession, poolSize),
	}
}

func (p *badgerPool) Acquire() (Session, error) {
	select {
	case s := <-p.free:
		return s, nil
	default:
		return &badgerSession{db: p.db, reg: p.reg, pool: p}, nil
	}
}

func (p *badgerPool) NotifyPrepareConflictWaiters() {
	p.reg.notifyAll()
}

func (p *badgerPool) OldestTimestamp() uint64 {
	// coocood/badger discards old versions during compaction; the DB
	// exposes the oldest retained version through its value-log GC
	// watermark. Modeled here as the minimum read timestamp any currently
	// open managed transaction is pinned to.
	return p.db.MinReadTs()
}

func (p *badgerPool) WaitUntilDurable() error {
	return errors.Trace(p.db.Sync())
}

func (p *badgerPool) WaitUntilUnjournaledWritesDurable() error {
	return errors.Trace(p.db.Flatten(1))
}

func (p *badgerPool) Metrics() *Metrics {
	return p.metrics
}

func (p *badgerPool) Close() error {
	return p.db.Close()
}

// prepareWaiterRegistry wakes goroutines blocked on a prepare conflict.
// Grounded on the lock-wait/notify pattern in
// talent-plan-tinykv/util/lockwaiter, generalized to a simple broadcast
// since the recovery-unit core doesn't track individual waiters by key.
type prepareWaiterRegistry struct {
	mu sync.Mutex
	ch chan struct{}
}

func newPrepareWaiterRegistry() *prepareWaiterRegistry {
	return &prepareWaiterRegistry{ch: make(chan struct{})}
}

func (r *prepareWaiterRegistry) notifyAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.ch)
	r.ch = make(chan struct{})
}

// badgerSession adapts one badger managed transaction to the Session
// contract. Grounded on tikv/dbreader/db_reader.go's DBReader, which holds
// a *badger.Txn plus a set of lazily opened iterators and closes all of
// them before discarding the transaction.
type badgerSession struct {
	db   *badger.DB
	reg  *prepareWaiterRegistry
	pool *badgerPool

	txn    *badger.Txn
	iters  []*badgerIterator
	readTs uint64

	commitTs uint64
}

func (s *badgerSession) Begin(ignorePrepared bool) error {
	s.txn = s.db.NewTransactionAt(0, true)
	if ignorePrepared {
		s.txn.SetIgnorePrepared()
	}
	s.readTs = 0
	s.commitTs = 0
	s.iters = nil
	return nil
}

func (s *badgerSession) SetReadTimestamp(ts uint64, policy RoundingPolicy) error {
	oldest := s.db.MinReadTs()
	if ts < oldest {
		if policy == NoRounding {
			return errors.Trace(translateTooOld(ts, oldest))
		}
		ts = oldest
	}
	s.readTs = ts
	s.txn.SetReadTs(ts)
	return nil
}

func (s *badgerSession) Done() {
	// No-op for badger: NewTransactionAt already produced a usable
	// transaction. Kept as an explicit step because the engine's own
	// WiredTiger-shaped contract requires a separate "done configuring"
	// call before the transaction is read from; badger just doesn't need
	// one.
}

// QueryReadTimestamp asks the engine what read timestamp it actually used
// for this transaction's snapshot. The round trip through the hex
// "get=read" wire format mirrors spec.md §6: the engine may silently
// round the timestamp we asked for, so we deliberately don't trust our
// own SetReadTimestamp argument here.
func (s *badgerSession) QueryReadTimestamp() (uint64, error) {
	hex := encodeHexTimestamp(s.txn.ReadTs())
	ts, err := decodeHexTimestamp(hex)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return ts, nil
}

func (s *badgerSession) SetCommitTimestamp(ts uint64) {
	s.commitTs = ts
}

func (s *badgerSession) Commit() error {
	defer s.discardIfOpen()
	var err error
	if s.commitTs != 0 {
		cfg := "commit_timestamp=" + encodeHexTimestamp(s.commitTs)
		log.Debugf("applying %s before engine commit", cfg)
		err = s.txn.CommitAt(s.commitTs, nil)
	} else {
		err = s.txn.Commit(nil)
	}
	if err != nil {
		log.Fatalf("engine commit failed, this is unrecoverable: %v", err)
	}
	return nil
}

func (s *badgerSession) Rollback() error {
	s.discardIfOpen()
	return nil
}

func (s *badgerSession) Prepare(prepareTimestamp uint64) error {
	cfg := "prepare_timestamp=" + encodeHexTimestamp(prepareTimestamp)
	if err := s.txn.Prepare([]byte(cfg)); err != nil {
		log.Fatalf("engine prepare failed at ts %d (%s): %v", prepareTimestamp, cfg, err)
	}
	return nil
}

func (s *badgerSession) Get(key []byte) ([]byte, error) {
	item, err := s.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, translateEngineError(err)
	}
	val, err := item.Value()
	if err != nil {
		return nil, translateEngineError(err)
	}
	return val, nil
}

func (s *badgerSession) Set(key, value []byte) error {
	if err := s.txn.Set(key, value); err != nil {
		return translateEngineError(err)
	}
	return nil
}

func (s *badgerSession) Delete(key []byte) error {
	if err := s.txn.Delete(key); err != nil {
		return translateEngineError(err)
	}
	return nil
}

func (s *badgerSession) NewIterator(reverse bool) Iterator {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	it := &badgerIterator{it: s.txn.NewIterator(opts)}
	s.iters = append(s.iters, it)
	return it
}

func (s *badgerSession) CloseAllCursors() {
	for _, it := range s.iters {
		it.Close()
	}
	s.iters = s.iters[:0]
}

func (s *badgerSession) FastStats() SessionStats {
	lsm, vlog := s.db.Size()
	tables := s.db.Tables()
	return SessionStats{
		BytesInMemtable: lsm,
		BytesOnDisk:     vlog,
		NumSSTables:     len(tables),
	}
}

func (s *badgerSession) Close() {
	s.CloseAllCursors()
	s.discardIfOpen()
	if s.pool != nil {
		select {
		case s.pool.free <- s:
		default:
		}
	}
}

func (s *badgerSession) discardIfOpen() {
	if s.txn != nil {
		s.txn.Discard()
		s.txn = nil
	}
}

// translateEngineError wraps any badger-reported failure other than a
// missing key or an out-of-retention read timestamp (both handled
// separately) as a dberr.StorageEngineError, so callers get a typed
// status value with the engine's own message instead of a bare error.
// badger's sentinel errors don't carry an integer code the way
// WiredTiger's session calls do, so Code is always 0 here; Message is
// the one field this engine can actually populate.
func translateEngineError(err error) error {
	return errors.Trace(&dberr.StorageEngineError{Code: 0, Message: err.Error()})
}

type badgerIterator struct {
	it *badger.Iterator
}

func (i *badgerIterator) Seek(key []byte) { i.it.Seek(key) }
func (i *badgerIterator) Valid() bool     { return i.it.Valid() }
func (i *badgerIterator) Next()           { i.it.Next() }
func (i *badgerIterator) Key() []byte     { return i.it.Item().Key() }
func (i *badgerIterator) Value() ([]byte, error) {
	return i.it.Item().Value()
}
func (i *badgerIterator) Close() { i.it.Close() }

// encodeHexTimestamp encodes a 64-bit logical timestamp as lowercase hex
// without a leading "0x" and without leading zeros, the wire format
// spec.md §9 requires for commit_timestamp=/prepare_timestamp=
// configuration strings.
func encodeHexTimestamp(ts uint64) string {
	return strconv.FormatUint(ts, 16)
}

// decodeHexTimestamp parses the engine's query-timestamp response: up to
// 16 ASCII hex digits, base-16, into a 64-bit value (spec.md §6).
func decodeHexTimestamp(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}
