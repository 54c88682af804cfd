package storage

import "errors"

// Sentinel errors for the storage capability. Executors translate them into
// the command error taxonomy; callers check with errors.Is.
var (
	// ErrNotFound is returned when a project, repository or entry does not
	// exist (or is removed, for operations that require a live target).
	ErrNotFound = errors.New("not found")

	// ErrExists is returned by create operations when the target already
	// exists, and by rename when the destination path is occupied.
	ErrExists = errors.New("already exists")

	// ErrAlreadyRemoved is returned when removing something that is already
	// marked removed, or unremoving something that is not removed.
	ErrAlreadyRemoved = errors.New("already removed")

	// ErrNotRemoved is returned by purge and unremove when the target has
	// not been marked removed first.
	ErrNotRemoved = errors.New("not removed")

	// ErrConflict is returned by commit when the push base revision does
	// not match the repository head at apply time.
	ErrConflict = errors.New("base revision is not the head")

	// ErrRedundantChange is returned when normalization leaves an empty
	// change set, including the idempotent replay of an identical push.
	// Callers treat it as success with the previous head revision.
	ErrRedundantChange = errors.New("redundant change")

	// ErrRevisionNotFound is returned when a revision does not resolve
	// within a repository's history.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrInvalidChange is returned when a change cannot apply to the
	// repository state: a patch that does not match, a remove of a missing
	// entry, a rename onto an occupied path.
	ErrInvalidChange = errors.New("invalid change")

	// ErrInvalidName is returned for project/repository names outside the
	// accepted character set.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidRetention is returned for rolling-repository retention
	// settings that make no sense.
	ErrInvalidRetention = errors.New("invalid retention")

	// ErrStillReferenced is returned when purging a project that still has
	// live repositories.
	ErrStillReferenced = errors.New("still referenced")

	// ErrBusy is returned when a GC pass is already running for the
	// repository.
	ErrBusy = errors.New("busy")

	// ErrReadOnly is returned by commit when the repository status is
	// READ_ONLY. Force-pushed commits bypass it.
	ErrReadOnly = errors.New("repository is read-only")
)
