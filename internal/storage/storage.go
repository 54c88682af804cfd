// Package storage declares the capability contract between the command
// pipeline and the repository store. The executor is the only writer and
// serializes all mutating calls per repository; implementations may assume
// commit, transform and lifecycle operations on one repository never run
// concurrently.
package storage

import (
	"context"
	"time"

	"github.com/dogma-io/dogma/internal/command"
)

// ProjectInfo describes a project for listing and the purge sweeper.
type ProjectInfo struct {
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	RemovedAt *time.Time `json:"removedAt,omitempty"`
}

// RepositoryInfo describes a repository.
type RepositoryInfo struct {
	Project   string                   `json:"project"`
	Name      string                   `json:"name"`
	Head      command.Revision         `json:"head"`
	Status    command.RepositoryStatus `json:"status"`
	Rolling   bool                     `json:"rolling,omitempty"`
	RemovedAt *time.Time               `json:"removedAt,omitempty"`
}

// CommitInfo is one history entry.
type CommitInfo struct {
	Revision         command.Revision `json:"revision"`
	Author           command.Author   `json:"author"`
	CommitTimeMillis int64            `json:"commitTimeMillis"`
	Summary          string           `json:"summary"`
	Detail           string           `json:"detail,omitempty"`
	Markup           command.Markup   `json:"markup,omitempty"`
	ForcePushed      bool             `json:"forcePushed,omitempty"`
}

// CommitRequest carries everything Commit needs from a push command.
type CommitRequest struct {
	Project          string
	Repository       string
	BaseRevision     command.Revision
	CommitTimeMillis int64
	Author           command.Author
	Summary          string
	Detail           string
	Markup           command.Markup
	Changes          []command.Change
	// Normalize resolves patches and drops redundant changes before
	// application (NORMALIZING_PUSH); verbatim pushes require their changes
	// to apply exactly as given.
	Normalize bool
	// ForcePushed tags the commit for audit when admitted via FORCE_PUSH.
	ForcePushed bool
}

// Storage is the repository store consumed by the command executor.
//
// Ordering contract: mutating operations addressing the same repository are
// serialized by the caller. Reads may run concurrently with anything.
type Storage interface {
	// Project lifecycle.
	CreateProject(ctx context.Context, name string, tsMillis int64, author command.Author) error
	RemoveProject(ctx context.Context, name string) error
	UnremoveProject(ctx context.Context, name string) error
	PurgeProject(ctx context.Context, name string) error
	ListProjects(ctx context.Context, includeRemoved bool) ([]ProjectInfo, error)

	// Repository lifecycle.
	CreateRepository(ctx context.Context, project, repo string, tsMillis int64, author command.Author) error
	RemoveRepository(ctx context.Context, project, repo string) error
	UnremoveRepository(ctx context.Context, project, repo string) error
	PurgeRepository(ctx context.Context, project, repo string) error
	CreateRollingRepository(ctx context.Context, project, repo string, initialRevision int64, minRetentionCommits, minRetentionDays int, tsMillis int64, author command.Author) error
	ListRepositories(ctx context.Context, project string, includeRemoved bool) ([]RepositoryInfo, error)
	UpdateRepositoryStatus(ctx context.Context, project, repo string, status command.RepositoryStatus) error
	RotateWdek(ctx context.Context, project, repo string, wdek command.WdekDetails) error

	// Commit applies a change set on top of BaseRevision, which must
	// normalize to the current head (fast-forward) or the commit fails with
	// ErrConflict. Replaying a commit with an identical (author, timestamp,
	// baseRevision) fingerprint returns ErrRedundantChange with the head
	// unchanged.
	Commit(ctx context.Context, req CommitRequest) (command.CommitResult, error)

	// PreviewDiff normalizes a change set against base without committing:
	// patches are resolved to upserts, no-op upserts are dropped.
	PreviewDiff(ctx context.Context, project, repo string, base command.Revision, changes []command.Change) ([]command.Change, error)

	// ApplyTransform runs a content transformer against the tree at base
	// and commits the resulting change set.
	ApplyTransform(ctx context.Context, project, repo string, base command.Revision, tsMillis int64, author command.Author, summary string, transformer command.ContentTransformer) (command.CommitResult, error)

	// Reads.
	NormalizeRevision(ctx context.Context, project, repo string, rev command.Revision) (command.Revision, error)
	Head(ctx context.Context, project, repo string) (command.Revision, error)
	GetFile(ctx context.Context, project, repo string, rev command.Revision, path string) ([]byte, error)
	ListFiles(ctx context.Context, project, repo string, rev command.Revision, pathPrefix string) (map[string][]byte, error)
	History(ctx context.Context, project, repo string, from, to command.Revision) ([]CommitInfo, error)
	Diff(ctx context.Context, project, repo string, from, to command.Revision) ([]command.Change, error)

	// GC archives rolling-repository history past its retention thresholds
	// and reports the head. ErrBusy when a pass is already running.
	GC(ctx context.Context, project, repo string) (command.Revision, error)
}
