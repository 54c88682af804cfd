// Package executor runs commands against the local storage: admission
// (started/writable gating), structural validation, defaulting, dispatch to
// a bounded worker pool, and translation of the storage outcome into the
// command result. It is the apply-side of the replication log as well as
// the whole pipeline in standalone mode.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/status"
	"github.com/dogma-io/dogma/internal/storage"
)

// DefaultNumWorkers bounds concurrent storage operations.
const DefaultNumWorkers = 16

// Result is the outcome of a successfully executed command. Commit is set
// for push-family commands; Redundant marks a push whose effect was already
// present, reported as success with the unchanged head revision.
type Result struct {
	Commit    *command.CommitResult `json:"commit,omitempty"`
	Redundant bool                  `json:"redundant,omitempty"`
}

// SessionStore is the session mutation hook driven by session commands in
// the apply path. A nil store disables session management on this replica:
// session commands then succeed as no-ops so log replay stays uniform
// across differently-configured replicas.
type SessionStore interface {
	Put(ctx context.Context, session command.Session) error
	Delete(ctx context.Context, id string) error
	SetMasterKey(ctx context.Context, key []byte) error
}

// Config assembles an Executor.
type Config struct {
	Store    storage.Storage
	Status   *status.Manager
	Sessions SessionStore    // nil disables session management
	Clock    clockwork.Clock // nil means the real clock
	// NumWorkers bounds concurrent storage operations; 0 means
	// DefaultNumWorkers.
	NumWorkers int
	Logger     *zap.Logger
}

// Executor executes commands against local storage.
type Executor struct {
	store    storage.Storage
	status   *status.Manager
	sessions SessionStore
	clock    clockwork.Clock
	workers  chan struct{}
	log      *zap.Logger
}

// New creates an Executor. Store, Status and Logger are required.
func New(cfg Config) *Executor {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	n := cfg.NumWorkers
	if n <= 0 {
		n = DefaultNumWorkers
	}
	return &Executor{
		store:    cfg.Store,
		status:   cfg.Status,
		sessions: cfg.Sessions,
		clock:    clock,
		workers:  make(chan struct{}, n),
		log:      cfg.Logger.Named("executor"),
	}
}

// Execute validates, admits and runs one command, blocking until the
// storage operation completes or ctx is cancelled while still waiting for a
// worker slot. Cancellation never aborts a storage operation once started.
func (e *Executor) Execute(ctx context.Context, cmd command.Command) (Result, error) {
	st := e.status.Snapshot()
	if !st.Started {
		return Result{}, fmt.Errorf("replica not started: %w", ErrReadOnly)
	}
	if !st.IsWritable() && !command.IsSystemAdministrative(cmd) {
		return Result{}, fmt.Errorf("%s rejected: %w", cmd.CommandType(), ErrReadOnly)
	}

	command.ApplyDefaults(cmd, e.clock.Now())
	if err := command.Validate(cmd); err != nil {
		return Result{}, err
	}

	select {
	case e.workers <- struct{}{}:
		defer func() { <-e.workers }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	res, err := e.dispatch(ctx, cmd, false)
	if err != nil && errors.Is(err, storage.ErrRedundantChange) {
		// Redundant pushes are success with the previous head.
		res.Redundant = true
		return res, nil
	}
	return res, err
}

// Apply runs a command that has already been committed to the replication
// log. It skips the admission gate: an entry that reached quorum must apply
// on every replica even when the local status has since turned read-only.
// Redundant pushes are success here too, so replaying the log after a
// restart converges instead of failing.
func (e *Executor) Apply(ctx context.Context, cmd command.Command) (Result, error) {
	e.workers <- struct{}{}
	defer func() { <-e.workers }()

	res, err := e.dispatch(ctx, cmd, false)
	if err != nil && errors.Is(err, storage.ErrRedundantChange) {
		res.Redundant = true
		return res, nil
	}
	return res, err
}

// dispatch routes a command to its handler. forcePushed carries the audit
// flag down through a FORCE_PUSH wrapper.
func (e *Executor) dispatch(ctx context.Context, cmd command.Command, forcePushed bool) (Result, error) {
	switch c := cmd.(type) {
	case *command.ForcePush:
		return e.dispatch(ctx, c.Command, true)

	case *command.UpdateServerStatus:
		e.status.Update(c.Writable, c.Replicating)
		return Result{}, nil

	case *command.CreateProject:
		return Result{}, e.store.CreateProject(ctx, c.ProjectName, c.CommitTimeMillis, c.Author)
	case *command.RemoveProject:
		return Result{}, e.store.RemoveProject(ctx, c.ProjectName)
	case *command.UnremoveProject:
		return Result{}, e.store.UnremoveProject(ctx, c.ProjectName)
	case *command.PurgeProject:
		return Result{}, e.store.PurgeProject(ctx, c.ProjectName)
	case *command.ResetMetaRepository:
		return Result{}, fmt.Errorf("RESET_META_REPOSITORY: %w", ErrDeprecated)

	case *command.CreateRepository:
		return Result{}, e.store.CreateRepository(ctx, c.ProjectName, c.RepositoryName, c.CommitTimeMillis, c.Author)
	case *command.RemoveRepository:
		return Result{}, e.store.RemoveRepository(ctx, c.ProjectName, c.RepositoryName)
	case *command.UnremoveRepository:
		return Result{}, e.store.UnremoveRepository(ctx, c.ProjectName, c.RepositoryName)
	case *command.PurgeRepository:
		return Result{}, e.store.PurgeRepository(ctx, c.ProjectName, c.RepositoryName)
	case *command.CreateRollingRepository:
		return Result{}, e.store.CreateRollingRepository(ctx, c.ProjectName, c.RepositoryName,
			c.InitialRevision, c.MinRetentionCommits, c.MinRetentionDays, c.CommitTimeMillis, c.Author)
	case *command.RotateWdek:
		return Result{}, e.store.RotateWdek(ctx, c.ProjectName, c.RepositoryName, c.Wdek)
	case *command.UpdateRepositoryStatus:
		return Result{}, e.store.UpdateRepositoryStatus(ctx, c.ProjectName, c.RepositoryName, c.Status)

	case *command.Push:
		return e.commit(ctx, c, false, forcePushed)
	case *command.NormalizingPush:
		return e.commit(ctx, &c.Push, true, forcePushed)
	case *command.Transform:
		res, err := e.store.ApplyTransform(ctx, c.ProjectName, c.RepositoryName,
			c.BaseRevision, c.CommitTimeMillis, c.Author, c.Summary, c.Transformer)
		if err != nil {
			return Result{Commit: &res}, err
		}
		return Result{Commit: &res}, nil

	case *command.CreateSession:
		if e.sessions == nil {
			return Result{}, nil
		}
		return Result{}, e.sessions.Put(ctx, c.Session)
	case *command.RemoveSession:
		if e.sessions == nil {
			return Result{}, nil
		}
		return Result{}, e.sessions.Delete(ctx, c.SessionID)
	case *command.CreateSessionMasterKey:
		if e.sessions == nil {
			return Result{}, nil
		}
		return Result{}, e.sessions.SetMasterKey(ctx, c.MasterKey)

	default:
		return Result{}, fmt.Errorf("%w: no handler for %T", command.ErrInvalid, cmd)
	}
}

func (e *Executor) commit(ctx context.Context, p *command.Push, normalize, forcePushed bool) (Result, error) {
	res, err := e.store.Commit(ctx, storage.CommitRequest{
		Project:          p.ProjectName,
		Repository:       p.RepositoryName,
		BaseRevision:     p.BaseRevision,
		CommitTimeMillis: p.CommitTimeMillis,
		Author:           p.Author,
		Summary:          p.Summary,
		Detail:           p.Detail,
		Markup:           p.Markup,
		Changes:          p.Changes,
		Normalize:        normalize,
		ForcePushed:      forcePushed || p.ForcePushed,
	})
	if err != nil {
		// The result still carries the head on redundant replays; Execute
		// turns that case into success.
		return Result{Commit: &res}, err
	}
	e.log.Debug("push committed",
		zap.String("project", p.ProjectName),
		zap.String("repository", p.RepositoryName),
		zap.Int64("revision", res.Revision.Major),
		zap.Bool("forcePushed", forcePushed || p.ForcePushed))
	return Result{Commit: &res}, nil
}
