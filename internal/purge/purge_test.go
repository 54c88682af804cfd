package purge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/status"
	"github.com/dogma-io/dogma/internal/storage/gormstore"
)

var author = command.Author{Name: "tester", Email: "tester@dogma.dev"}

type localCommander struct {
	exec *executor.Executor
}

func (l *localCommander) Execute(ctx context.Context, cmd command.Command) (executor.Result, error) {
	return l.exec.Execute(ctx, cmd)
}

func newPipeline(t *testing.T) (*localCommander, *gormstore.Store) {
	t.Helper()
	logger := zap.NewNop()
	db, err := gormstore.Open(gormstore.Config{Driver: "sqlite", DSN: ":memory:", Logger: logger})
	require.NoError(t, err)
	store := gormstore.New(db, logger)
	st := status.New(logger)
	st.Start()
	exec := executor.New(executor.Config{Store: store, Status: st, Logger: logger})
	return &localCommander{exec: exec}, store
}

func run(t *testing.T, cmd *localCommander, c command.Command) {
	t.Helper()
	_, err := cmd.Execute(context.Background(), c)
	require.NoError(t, err)
}

func TestSweepPurgesOldRemovals(t *testing.T) {
	cmd, store := newPipeline(t)
	ctx := context.Background()
	base := command.Base{CommitTimeMillis: 1, Author: author}

	run(t, cmd, &command.CreateProject{Base: base, ProjectName: "old"})
	run(t, cmd, &command.CreateProject{Base: base, ProjectName: "live"})
	run(t, cmd, &command.CreateRepository{Base: base, ProjectName: "live", RepositoryName: "gone"})
	run(t, cmd, &command.CreateRepository{Base: base, ProjectName: "live", RepositoryName: "kept"})

	run(t, cmd, &command.RemoveProject{Base: base, ProjectName: "old"})
	run(t, cmd, &command.RemoveRepository{Base: base, ProjectName: "live", RepositoryName: "gone"})

	// Everything above was removed longer than maxAge ago by the time the
	// sweep runs.
	time.Sleep(20 * time.Millisecond)

	sweeper, err := NewSweeper(store, cmd, func() bool { return true }, time.Millisecond, nil, zap.NewNop())
	require.NoError(t, err)
	sweeper.sweep()

	projects, err := store.ListProjects(ctx, true)
	require.NoError(t, err)
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"live"}, names)

	repos, err := store.ListRepositories(ctx, "live", true)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "kept", repos[0].Name)
}

func TestSweepKeepsRecentRemovals(t *testing.T) {
	cmd, store := newPipeline(t)
	ctx := context.Background()
	base := command.Base{CommitTimeMillis: 1, Author: author}

	run(t, cmd, &command.CreateProject{Base: base, ProjectName: "p"})
	run(t, cmd, &command.RemoveProject{Base: base, ProjectName: "p"})

	sweeper, err := NewSweeper(store, cmd, func() bool { return true }, time.Hour, nil, zap.NewNop())
	require.NoError(t, err)
	sweeper.sweep()

	projects, err := store.ListProjects(ctx, true)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.NotNil(t, projects[0].RemovedAt)
}

func TestSweepSkipsFollowers(t *testing.T) {
	cmd, store := newPipeline(t)
	ctx := context.Background()
	base := command.Base{CommitTimeMillis: 1, Author: author}

	run(t, cmd, &command.CreateProject{Base: base, ProjectName: "p"})
	run(t, cmd, &command.RemoveProject{Base: base, ProjectName: "p"})
	time.Sleep(20 * time.Millisecond)

	sweeper, err := NewSweeper(store, cmd, func() bool { return false }, time.Millisecond, nil, zap.NewNop())
	require.NoError(t, err)
	sweeper.sweep()

	projects, err := store.ListProjects(ctx, true)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestSweeperRejectsZeroAge(t *testing.T) {
	cmd, store := newPipeline(t)
	_, err := NewSweeper(store, cmd, func() bool { return true }, 0, nil, zap.NewNop())
	require.Error(t, err)
}
