package executor

import "errors"

// Sentinel errors added by the execution and replication layers on top of
// the storage taxonomy. Storage errors pass through unchanged.
var (
	// ErrReadOnly is returned when the replica is not started or not
	// writable and the command is not system-administrative.
	ErrReadOnly = errors.New("replica is read-only")

	// ErrNotLeader is returned when a write reaches a follower that cannot
	// forward it; the caller may retry against another replica.
	ErrNotLeader = errors.New("not the leader")

	// ErrReplicationTimeout is returned when an append fails to reach
	// quorum within the commit timeout. Retrying is safe: the storage
	// detects idempotent replays by commit fingerprint.
	ErrReplicationTimeout = errors.New("replication timed out")

	// ErrReplication is returned for non-timeout append failures, such as
	// losing leadership mid-append.
	ErrReplication = errors.New("replication failed")

	// ErrDiverged is returned after a replica detected local divergence
	// from the committed log and froze itself read-only.
	ErrDiverged = errors.New("replica diverged from the replication log")

	// ErrDeprecated is returned for command types that are still decoded
	// for log compatibility but no longer executable.
	ErrDeprecated = errors.New("deprecated command")
)
