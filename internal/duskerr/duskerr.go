// Package duskerr defines the sentinel error values shared across duskbase's
// components. Callers should compare with errors.Is rather than on message
// text; wrap with fmt.Errorf("...: %w", duskerr.ErrX) to add context.
package duskerr

import "errors"

var (
	// ErrCorruptDatabase is returned when both page-zero headers are
	// unreadable, disagree on page size, or carry the same commit number.
	ErrCorruptDatabase = errors.New("duskbase: corrupt database")

	// ErrClosedIndex is returned by any operation on a Tree or Database
	// that has already been closed.
	ErrClosedIndex = errors.New("duskbase: index is closed")

	// ErrDeadlock is raised by the lock manager when a wait-for cycle is
	// detected before a caller would block.
	ErrDeadlock = errors.New("duskbase: deadlock detected")

	// ErrLockTimeout is returned when a lock request's timeout elapses
	// before the lock is granted.
	ErrLockTimeout = errors.New("duskbase: lock request timed out")

	// ErrLockIllegal is returned for a lock request that cannot be
	// satisfied regardless of waiting, e.g. an upgrade attempted by a
	// non-owner.
	ErrLockIllegal = errors.New("duskbase: illegal lock request")

	// ErrIllegalState covers operations attempted in a state that forbids
	// them: dropping a non-empty tree, finishing a term log backwards,
	// closing an internal index without force.
	ErrIllegalState = errors.New("duskbase: illegal state")

	// ErrIllegalArgument covers malformed caller input: bad page ids, bad
	// page sizes, nil/empty keys where forbidden, mismatched transactions.
	ErrIllegalArgument = errors.New("duskbase: illegal argument")

	// ErrViewConstraint is returned when a mutation violates a view's
	// constraints, e.g. storing a non-nil value into a key-only view.
	ErrViewConstraint = errors.New("duskbase: view constraint violated")

	// ErrUnmodifiableReplica is returned when a write is attempted while
	// this database is a replication follower.
	ErrUnmodifiableReplica = errors.New("duskbase: database is an unmodifiable replica")
)
