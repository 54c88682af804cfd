package replication

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/status"
	"github.com/dogma-io/dogma/internal/storage"
)

// ExecutorConfig assembles a ReplicatedExecutor.
type ExecutorConfig struct {
	// Cluster is nil in standalone mode; commands then run directly on the
	// local executor.
	Cluster *Cluster
	Local   *executor.Executor
	Store   storage.Storage
	Status  *status.Manager
	Clock   clockwork.Clock // nil means the real clock
	Logger  *zap.Logger
}

// ReplicatedExecutor is the write entry point for clients. In cluster mode
// the leader resolves commands into their deterministic wire form, commits
// them to the replication log with quorum, then returns the local apply
// result; followers forward to the leader. Standalone mode bypasses the log
// entirely.
type ReplicatedExecutor struct {
	cluster *Cluster
	local   *executor.Executor
	store   storage.Storage
	status  *status.Manager
	clock   clockwork.Clock
	log     *zap.Logger
}

// NewReplicatedExecutor creates the executor and, in cluster mode, installs
// itself as the cluster's forward handler so followers' writes land here.
func NewReplicatedExecutor(cfg ExecutorConfig) *ReplicatedExecutor {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	re := &ReplicatedExecutor{
		cluster: cfg.Cluster,
		local:   cfg.Local,
		store:   cfg.Store,
		status:  cfg.Status,
		clock:   clock,
		log:     cfg.Logger.Named("replicated"),
	}
	if re.cluster != nil {
		re.cluster.SetForwardHandler(re.Execute)
	}
	return re
}

// Execute runs one command through the replication pipeline.
func (re *ReplicatedExecutor) Execute(ctx context.Context, cmd command.Command) (executor.Result, error) {
	if re.cluster == nil {
		return re.local.Execute(ctx, cmd)
	}

	st := re.status.Snapshot()
	if !st.Started {
		return executor.Result{}, fmt.Errorf("replica not started: %w", executor.ErrReadOnly)
	}
	if !st.IsWritable() && !command.IsSystemAdministrative(cmd) {
		return executor.Result{}, fmt.Errorf("%s rejected: %w", cmd.CommandType(), executor.ErrReadOnly)
	}

	command.ApplyDefaults(cmd, re.clock.Now())
	if err := command.Validate(cmd); err != nil {
		return executor.Result{}, err
	}

	// Server status is a property of this replica, not of the replicated
	// repository state, so it never enters the log.
	if _, ok := cmd.(*command.UpdateServerStatus); ok {
		return re.local.Apply(ctx, cmd)
	}

	// Transforms carry a function and have no wire form. Resolve against
	// the local head before choosing where the resulting push goes; a stale
	// local head surfaces as a conflict, which the caller retries.
	if tf, ok := cmd.(*command.Transform); ok {
		push, redundant, err := re.resolveTransform(ctx, tf)
		if err != nil {
			return executor.Result{}, err
		}
		if redundant != nil {
			return *redundant, nil
		}
		cmd = push
	}

	if !re.cluster.IsLeader() {
		return re.cluster.Forward(ctx, cmd)
	}

	// The leader resolves normalizing pushes into their verbatim form so
	// every replica applies byte-identical changes.
	if np, ok := cmd.(*command.NormalizingPush); ok {
		push, redundant, err := re.resolvePush(ctx, &np.Push)
		if err != nil {
			return executor.Result{}, err
		}
		if redundant != nil {
			return *redundant, nil
		}
		cmd = push
	}
	if fp, ok := cmd.(*command.ForcePush); ok {
		if np, ok := fp.Command.(*command.NormalizingPush); ok {
			push, redundant, err := re.resolvePush(ctx, &np.Push)
			if err != nil {
				return executor.Result{}, err
			}
			if redundant != nil {
				return *redundant, nil
			}
			cmd = &command.ForcePush{Base: fp.Base, Command: push}
		}
	}

	return re.cluster.Propose(ctx, cmd)
}

// resolvePush normalizes a push against the current head: patches become
// upserts, no-op changes drop out, the relative base becomes absolute. A
// change set that fully normalizes away is redundant and never enters the
// log.
func (re *ReplicatedExecutor) resolvePush(ctx context.Context, p *command.Push) (*command.Push, *executor.Result, error) {
	head, err := re.store.NormalizeRevision(ctx, p.ProjectName, p.RepositoryName, p.BaseRevision)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := re.store.PreviewDiff(ctx, p.ProjectName, p.RepositoryName, head, p.Changes)
	if err != nil {
		return nil, nil, err
	}
	if len(resolved) == 0 {
		cur, err := re.store.Head(ctx, p.ProjectName, p.RepositoryName)
		if err != nil {
			return nil, nil, err
		}
		return nil, &executor.Result{
			Commit:    &command.CommitResult{Revision: cur},
			Redundant: true,
		}, nil
	}
	out := *p
	out.BaseRevision = head
	out.Changes = resolved
	return &out, nil, nil
}

// resolveTransform materializes a content transformer into a verbatim push.
func (re *ReplicatedExecutor) resolveTransform(ctx context.Context, tf *command.Transform) (*command.Push, *executor.Result, error) {
	head, err := re.store.NormalizeRevision(ctx, tf.ProjectName, tf.RepositoryName, tf.BaseRevision)
	if err != nil {
		return nil, nil, err
	}
	before, err := re.store.ListFiles(ctx, tf.ProjectName, tf.RepositoryName, head, "/")
	if err != nil {
		return nil, nil, err
	}
	input := make(map[string][]byte, len(before))
	for path, content := range before {
		input[path] = append([]byte(nil), content...)
	}
	after, err := tf.Transformer(input)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: transformer: %v", storage.ErrInvalidChange, err)
	}
	changes := storage.DiffTrees(before, after)
	if len(changes) == 0 {
		return nil, &executor.Result{
			Commit:    &command.CommitResult{Revision: head},
			Redundant: true,
		}, nil
	}
	return &command.Push{
		Base:           tf.Base,
		ProjectName:    tf.ProjectName,
		RepositoryName: tf.RepositoryName,
		BaseRevision:   head,
		Summary:        tf.Summary,
		Detail:         tf.Detail,
		Markup:         tf.Markup,
		Changes:        changes,
	}, nil, nil
}
