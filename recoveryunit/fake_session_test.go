package recoveryunit

import (
	"github.com/ahalvadzija/docdb/dberr"
	"github.com/ahalvadzija/docdb/readsource"
	"github.com/ahalvadzija/docdb/storage"
)

// fakeSession is an in-memory stand-in for the engine session adapter,
// used so recovery-unit tests don't need a real badger instance. It
// records every call a test cares about asserting on.
type fakeSession struct {
	begun           bool
	ignorePrepared  bool
	readTs          uint64
	commitTs        uint64
	committed       bool
	rolledBack      bool
	preparedAt      uint64
	closed          bool
	failBeginReason error
	oldest          uint64
}

func (s *fakeSession) Begin(ignorePrepared bool) error {
	if s.failBeginReason != nil {
		return s.failBeginReason
	}
	s.begun = true
	s.ignorePrepared = ignorePrepared
	return nil
}

func (s *fakeSession) SetReadTimestamp(ts uint64, policy storage.RoundingPolicy) error {
	if ts < s.oldest {
		if policy == storage.NoRounding {
			return &dberr.SnapshotTooOld{Requested: ts, Oldest: s.oldest}
		}
		ts = s.oldest
	}
	s.readTs = ts
	return nil
}

func (s *fakeSession) Done() {}

func (s *fakeSession) QueryReadTimestamp() (uint64, error) {
	return s.readTs, nil
}

func (s *fakeSession) SetCommitTimestamp(ts uint64) {
	s.commitTs = ts
}

func (s *fakeSession) Commit() error {
	s.committed = true
	return nil
}

func (s *fakeSession) Rollback() error {
	s.rolledBack = true
	return nil
}

func (s *fakeSession) Prepare(prepareTimestamp uint64) error {
	s.preparedAt = prepareTimestamp
	return nil
}

func (s *fakeSession) Get(key []byte) ([]byte, error)      { return nil, nil }
func (s *fakeSession) Set(key, value []byte) error         { return nil }
func (s *fakeSession) Delete(key []byte) error             { return nil }
func (s *fakeSession) NewIterator(reverse bool) storage.Iterator {
	return nil
}
func (s *fakeSession) CloseAllCursors()         {}
func (s *fakeSession) FastStats() storage.SessionStats {
	return storage.SessionStats{}
}
func (s *fakeSession) Close() { s.closed = true }

// fakeCache is an in-memory SessionCache handing out a single fakeSession,
// so tests can assert on the same session object the recovery unit used.
type fakeCache struct {
	session      *fakeSession
	notifyCalls  int
	durableCalls int
	metrics      *storage.Metrics
}

func newFakeCache() *fakeCache {
	return &fakeCache{session: &fakeSession{}, metrics: storage.NewMetrics()}
}

func (c *fakeCache) Acquire() (storage.Session, error) {
	return c.session, nil
}

func (c *fakeCache) NotifyPrepareConflictWaiters() {
	c.notifyCalls++
}

func (c *fakeCache) OldestTimestamp() uint64 {
	return c.session.oldest
}

func (c *fakeCache) WaitUntilDurable() error {
	c.durableCalls++
	return nil
}

func (c *fakeCache) WaitUntilUnjournaledWritesDurable() error {
	return nil
}

func (c *fakeCache) Metrics() *storage.Metrics {
	return c.metrics
}

func (c *fakeCache) Close() error { return nil }

// fakeOplog is an in-memory OplogManager.
type fakeOplog struct {
	readTs      uint64
	flushCalls  int
}

func (o *fakeOplog) CurrentReadTimestamp() uint64 { return o.readTs }
func (o *fakeOplog) TriggerJournalFlush()         { o.flushCalls++ }

// fakeSnapshotManager is an in-memory SnapshotManager.
type fakeSnapshotManager struct {
	committedTs    uint64
	haveCommitted  bool
	localTs        uint64
	haveLocal      bool
	allCommittedTs uint64
}

func (m *fakeSnapshotManager) CommittedSnapshot() (uint64, bool) {
	return m.committedTs, m.haveCommitted
}

func (m *fakeSnapshotManager) LocalSnapshot() (uint64, bool) {
	return m.localTs, m.haveLocal
}

func (m *fakeSnapshotManager) AllCommittedTimestamp() uint64 {
	return m.allCommittedTs
}

var _ readsource.OplogManager = (*fakeOplog)(nil)
var _ readsource.SnapshotManager = (*fakeSnapshotManager)(nil)
