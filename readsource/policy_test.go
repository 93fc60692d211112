package readsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahalvadzija/docdb/dberr"
	"github.com/ahalvadzija/docdb/storage"
)

type fakeOplog struct {
	readTs     uint64
	flushCalls int
}

func (o *fakeOplog) CurrentReadTimestamp() uint64 { return o.readTs }
func (o *fakeOplog) TriggerJournalFlush()         { o.flushCalls++ }

type fakeSnapshotManager struct {
	committedTs    uint64
	haveCommitted  bool
	localTs        uint64
	haveLocal      bool
	allCommittedTs uint64
}

func (m *fakeSnapshotManager) CommittedSnapshot() (uint64, bool) { return m.committedTs, m.haveCommitted }
func (m *fakeSnapshotManager) LocalSnapshot() (uint64, bool)     { return m.localTs, m.haveLocal }
func (m *fakeSnapshotManager) AllCommittedTimestamp() uint64     { return m.allCommittedTs }

type fakeSession struct {
	begun     bool
	readTs    uint64
	doneCalls int
	oldest    uint64
}

func (s *fakeSession) Begin(ignorePrepared bool) error { s.begun = true; return nil }
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
func (s *fakeSession) Done()                        { s.doneCalls++ }
func (s *fakeSession) QueryReadTimestamp() (uint64, error) { return s.readTs, nil }
func (s *fakeSession) SetCommitTimestamp(ts uint64)  {}
func (s *fakeSession) Commit() error                 { return nil }
func (s *fakeSession) Rollback() error               { return nil }
func (s *fakeSession) Prepare(ts uint64) error       { return nil }
func (s *fakeSession) Get(key []byte) ([]byte, error) { return nil, nil }
func (s *fakeSession) Set(key, value []byte) error   { return nil }
func (s *fakeSession) Delete(key []byte) error       { return nil }
func (s *fakeSession) NewIterator(reverse bool) storage.Iterator { return nil }
func (s *fakeSession) CloseAllCursors()              {}
func (s *fakeSession) FastStats() storage.SessionStats { return storage.SessionStats{} }
func (s *fakeSession) Close()                        {}

func TestSetSourceRejectsTimestampOnNonProvided(t *testing.T) {
	p := New(&fakeOplog{}, &fakeSnapshotManager{})
	ts := uint64(5)
	err := p.SetSource(NoTimestamp, &ts)
	var badValue *dberr.BadValue
	require.ErrorAs(t, err, &badValue)
}

func TestSetSourceRequiresTimestampForProvided(t *testing.T) {
	p := New(&fakeOplog{}, &fakeSnapshotManager{})
	err := p.SetSource(Provided, nil)
	var badValue *dberr.BadValue
	require.ErrorAs(t, err, &badValue)
}

func TestSetSourceRejectsNullTimestamp(t *testing.T) {
	p := New(&fakeOplog{}, &fakeSnapshotManager{})
	zero := uint64(0)
	err := p.SetSource(Provided, &zero)
	var badValue *dberr.BadValue
	require.ErrorAs(t, err, &badValue)
}

func TestOpenProvidedSetsReadTimestamp(t *testing.T) {
	p := New(&fakeOplog{}, &fakeSnapshotManager{})
	ts := uint64(42)
	require.NoError(t, p.SetSource(Provided, &ts))

	s := &fakeSession{}
	require.NoError(t, p.Open(s, false, false))

	assert.Equal(t, uint64(42), s.readTs)
	assert.Equal(t, 1, s.doneCalls)
}

func TestOpenMajorityCommittedResolvesSnapshotOnce(t *testing.T) {
	snapMgr := &fakeSnapshotManager{committedTs: 10, haveCommitted: true}
	p := New(&fakeOplog{}, snapMgr)
	require.NoError(t, p.SetSource(MajorityCommitted, nil))

	s := &fakeSession{}
	require.NoError(t, p.Open(s, false, false))
	assert.Equal(t, uint64(10), s.readTs)

	snapMgr.committedTs = 99
	s2 := &fakeSession{}
	require.NoError(t, p.Open(s2, false, false))
	assert.Equal(t, uint64(10), s2.readTs, "majority snapshot must stay pinned to the one resolved by ObtainMajorityCommittedSnapshot")
}

func TestOpenMajorityCommittedUnavailable(t *testing.T) {
	p := New(&fakeOplog{}, &fakeSnapshotManager{haveCommitted: false})
	require.NoError(t, p.SetSource(MajorityCommitted, nil))

	err := p.Open(&fakeSession{}, false, false)
	assert.True(t, dberr.IsReadConcernMajorityNotAvailableYet(err))
}

func TestOpenLastAppliedFallsBackWhenNothingApplied(t *testing.T) {
	p := New(&fakeOplog{}, &fakeSnapshotManager{haveLocal: false})
	require.NoError(t, p.SetSource(LastApplied, nil))

	s := &fakeSession{}
	require.NoError(t, p.Open(s, false, false))
	assert.Equal(t, uint64(0), s.readTs)
}

func TestOpenNoTimestampOplogReaderPinsToOplog(t *testing.T) {
	oplog := &fakeOplog{readTs: 77}
	p := New(oplog, &fakeSnapshotManager{})
	require.NoError(t, p.SetSource(NoTimestamp, nil))

	s := &fakeSession{}
	require.NoError(t, p.Open(s, false, true))
	assert.Equal(t, uint64(77), s.readTs)
}

func TestObtainMajorityCommittedSnapshotRequiresMatchingSource(t *testing.T) {
	p := New(&fakeOplog{}, &fakeSnapshotManager{})
	err := p.ObtainMajorityCommittedSnapshot()
	var badValue *dberr.BadValue
	require.ErrorAs(t, err, &badValue)
}
