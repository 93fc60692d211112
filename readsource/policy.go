package readsource

import (
	"github.com/ngaut/log"

	"github.com/ahalvadzija/docdb/dberr"
	"github.com/ahalvadzija/docdb/storage"
)

// Policy is a pure(ish) function of Source, a provided timestamp, and the
// external oplog/snapshot managers, resolved at each transaction open.
// One Policy belongs to one RecoveryUnit; it is not shared.
type Policy struct {
	oplog   OplogManager
	snapMgr SnapshotManager

	source Source

	// readAtTimestamp caches the resolved timestamp for sources that
	// reuse it across close/reopen (LastAppliedSnapshot,
	// AllCommittedSnapshot, Provided). LastApplied also records the local
	// snapshot it opened at here, but resolves it afresh on every open.
	readAtTimestamp uint64
	haveReadAt      bool

	// majorityCommittedSnapshot is the timestamp resolved by
	// ObtainMajorityCommittedSnapshot, cached for the next Open call.
	majorityCommittedSnapshot uint64
	haveMajoritySnapshot      bool
}

// New constructs a Policy in the Unset state.
func New(oplog OplogManager, snapMgr SnapshotManager) *Policy {
	return &Policy{oplog: oplog, snapMgr: snapMgr, source: Unset}
}

// SetSource validates and installs a new read source. ts is the
// caller-provided timestamp; it must be present iff src == Provided, and
// must be non-zero when present (a null timestamp is always rejected).
func (p *Policy) SetSource(src Source, ts *uint64) error {
	if src == Provided {
		if ts == nil {
			return &dberr.BadValue{Reason: "Provided read source requires a timestamp"}
		}
		if *ts == 0 {
			return &dberr.BadValue{Reason: "read timestamp must not be null"}
		}
	} else if ts != nil {
		return &dberr.BadValue{Reason: src.String() + " read source does not accept a caller timestamp"}
	}
	p.source = src
	p.haveReadAt = false
	p.haveMajoritySnapshot = false
	if src == Provided {
		p.readAtTimestamp = *ts
		p.haveReadAt = true
	}
	return nil
}

// Source returns the currently configured read source.
func (p *Policy) Source() Source {
	return p.source
}

// PointInTimeReadTimestamp returns the timestamp the next/most recent
// transaction opened at, for the sources that expose one.
func (p *Policy) PointInTimeReadTimestamp() (uint64, bool) {
	switch p.source {
	case Provided, LastAppliedSnapshot, AllCommittedSnapshot:
		return p.readAtTimestamp, p.haveReadAt
	case LastApplied:
		return p.readAtTimestamp, p.haveReadAt
	case MajorityCommitted:
		return p.majorityCommittedSnapshot, p.haveMajoritySnapshot
	default:
		return 0, false
	}
}

// ObtainMajorityCommittedSnapshot resolves and caches the current
// majority-committed snapshot out-of-band, so a subsequent Open can use
// it without racing the snapshot manager a second time. Only legal when
// Source() == MajorityCommitted.
func (p *Policy) ObtainMajorityCommittedSnapshot() error {
	if p.source != MajorityCommitted {
		return &dberr.BadValue{Reason: "ObtainMajorityCommittedSnapshot requires read source MajorityCommitted"}
	}
	ts, ok := p.snapMgr.CommittedSnapshot()
	if !ok {
		return &dberr.ReadConcernMajorityNotAvailableYet{}
	}
	p.majorityCommittedSnapshot = ts
	p.haveMajoritySnapshot = true
	return nil
}

// Open begins session's transaction according to the current read
// source, mirroring spec.md §4.1 branch by branch. isOplogReader only
// affects the NoTimestamp/Unset branch.
func (p *Policy) Open(session storage.Session, ignorePrepared, isOplogReader bool) error {
	if err := session.Begin(ignorePrepared); err != nil {
		return err
	}
	switch p.source {
	case Unset, NoTimestamp:
		if isOplogReader {
			ts := p.oplog.CurrentReadTimestamp()
			if err := session.SetReadTimestamp(ts, storage.RoundToOldest); err != nil {
				return err
			}
		}
	case MajorityCommitted:
		if !p.haveMajoritySnapshot {
			if err := p.ObtainMajorityCommittedSnapshot(); err != nil {
				return err
			}
		}
		if err := session.SetReadTimestamp(p.majorityCommittedSnapshot, storage.RoundToOldest); err != nil {
			return err
		}
	case LastApplied:
		ts, ok := p.snapMgr.LocalSnapshot()
		if ok {
			if err := session.SetReadTimestamp(ts, storage.RoundToOldest); err != nil {
				return err
			}
			p.readAtTimestamp = ts
			p.haveReadAt = true
		}
		// else: fall through to an untimestamped transaction, already open.
	case LastAppliedSnapshot:
		if !p.haveReadAt {
			ts, ok := p.snapMgr.LocalSnapshot()
			if !ok {
				// Nothing applied yet; leave the transaction
				// untimestamped for this one open, try again next time.
				break
			}
			p.readAtTimestamp = ts
			p.haveReadAt = true
		}
		if err := session.SetReadTimestamp(p.readAtTimestamp, storage.RoundToOldest); err != nil {
			return err
		}
	case AllCommittedSnapshot:
		if !p.haveReadAt {
			ts := p.snapMgr.AllCommittedTimestamp()
			if err := session.SetReadTimestamp(ts, storage.RoundToOldest); err != nil {
				return err
			}
			// The engine may have rounded ts forward on us; read back
			// what it actually used rather than trusting our request.
			actual, err := session.QueryReadTimestamp()
			if err != nil {
				return err
			}
			p.readAtTimestamp = actual
			p.haveReadAt = true
			break
		}
		if err := session.SetReadTimestamp(p.readAtTimestamp, storage.RoundToOldest); err != nil {
			return err
		}
	case Provided:
		if err := session.SetReadTimestamp(p.readAtTimestamp, storage.NoRounding); err != nil {
			return err
		}
	}
	session.Done()
	log.Debugf("txn open, read source %v, read ts %d", p.source, p.readAtTimestamp)
	return nil
}
