// Package dberr defines the error taxonomy surfaced by the storage layer
// to its callers. Errors here are typed values, not just strings, so
// callers can switch on them the way raftstore callers switch on
// *ErrNotLeader and friends.
package dberr

import "fmt"

// BadValue reports an invalid argument: an unknown setting string, a
// timestamp combination the state machine refuses, or a null timestamp
// where one is required.
type BadValue struct {
	Reason string
}

func (e *BadValue) Error() string {
	return fmt.Sprintf("bad value: %s", e.Reason)
}

// ReadConcernMajorityNotAvailableYet is returned when a majority-committed
// read is requested before any committed snapshot exists.
type ReadConcernMajorityNotAvailableYet struct{}

func (e *ReadConcernMajorityNotAvailableYet) Error() string {
	return "read concern majority reported, no committed snapshot available yet"
}

// SnapshotTooOld is returned when a caller-provided read timestamp is older
// than the engine's oldest retained snapshot.
type SnapshotTooOld struct {
	Requested uint64
	Oldest    uint64
}

func (e *SnapshotTooOld) Error() string {
	return fmt.Sprintf("snapshot too old, requested ts %d, oldest available %d", e.Requested, e.Oldest)
}

// StorageEngineError wraps any other engine-reported failure, preserving
// the engine's own code and message.
type StorageEngineError struct {
	Code    int
	Message string
}

func (e *StorageEngineError) Error() string {
	return fmt.Sprintf("storage engine error %d: %s", e.Code, e.Message)
}

// IsSnapshotTooOld reports whether err (after unwrapping) is SnapshotTooOld.
func IsSnapshotTooOld(err error) bool {
	_, ok := Cause(err).(*SnapshotTooOld)
	return ok
}

// IsReadConcernMajorityNotAvailableYet reports whether err (after
// unwrapping) is ReadConcernMajorityNotAvailableYet.
func IsReadConcernMajorityNotAvailableYet(err error) bool {
	_, ok := Cause(err).(*ReadConcernMajorityNotAvailableYet)
	return ok
}

// causer matches github.com/pingcap/errors' Cause() contract without
// importing it here, so this package stays dependency-free for callers
// that only want to type-switch on errors.
type causer interface {
	Cause() error
}

// Cause unwraps a pingcap/errors-wrapped error down to its root cause.
func Cause(err error) error {
	for {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		cause := c.Cause()
		if cause == nil {
			return err
		}
		err = cause
	}
}
