package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/status"
	"github.com/dogma-io/dogma/internal/storage"
	"github.com/dogma-io/dogma/internal/storage/gormstore"
)

type testNode struct {
	id      string
	cluster *Cluster
	store   *gormstore.Store
	exec    *ReplicatedExecutor
	status  *status.Manager
	srv     *http.Server
	cancel  context.CancelFunc
}

func (n *testNode) stop() {
	n.cancel()
	n.srv.Close()
}

// startNodes brings up n replicas on loopback listeners with fast leases.
func startNodes(t *testing.T, n int) []*testNode {
	t.Helper()
	listeners := make([]net.Listener, n)
	peers := make(map[string]Peer, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		peers[fmt.Sprintf("replica%d", i)] = Peer{
			Host: "127.0.0.1",
			Port: ln.Addr().(*net.TCPAddr).Port,
		}
	}

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("replica%d", i)
		logger := zap.NewNop()
		db, err := gormstore.Open(gormstore.Config{Driver: "sqlite", DSN: ":memory:", Logger: logger})
		require.NoError(t, err)
		store := gormstore.New(db, logger)
		st := status.New(logger)
		st.Start()
		local := executor.New(executor.Config{Store: store, Status: st, Logger: logger})

		cluster, err := New(Config{
			SelfID:  id,
			Peers:   peers,
			Secret:  "test-secret",
			DataDir: t.TempDir(),
			Timeout: 2 * time.Second,
			Lease:   300 * time.Millisecond,
			Status:  st,
			Local:   local,
			Logger:  logger,
		})
		require.NoError(t, err)
		re := NewReplicatedExecutor(ExecutorConfig{
			Cluster: cluster,
			Local:   local,
			Store:   store,
			Status:  st,
			Logger:  logger,
		})

		ctx, cancel := context.WithCancel(context.Background())
		srv := &http.Server{Handler: cluster.Routes()}
		go srv.Serve(listeners[i])
		go cluster.Run(ctx)

		node := &testNode{id: id, cluster: cluster, store: store, exec: re, status: st, srv: srv, cancel: cancel}
		t.Cleanup(node.stop)
		nodes[i] = node
	}
	return nodes
}

func waitLeader(t *testing.T, nodes []*testNode) *testNode {
	t.Helper()
	var leader *testNode
	require.Eventually(t, func() bool {
		leader = nil
		for _, n := range nodes {
			if n.cluster.IsLeader() {
				leader = n
			}
		}
		return leader != nil
	}, 10*time.Second, 50*time.Millisecond, "no leader elected")
	return leader
}

func createProject(name string) *command.CreateProject {
	return &command.CreateProject{
		Base:        command.Base{CommitTimeMillis: 1000, Author: command.Author{Name: "tester", Email: "t@dogma.dev"}},
		ProjectName: name,
	}
}

func upsertPush(project, repo, path, text string) *command.Push {
	return &command.Push{
		Base:           command.Base{CommitTimeMillis: 2000, Author: command.Author{Name: "tester", Email: "t@dogma.dev"}},
		ProjectName:    project,
		RepositoryName: repo,
		BaseRevision:   command.Head,
		Summary:        "update " + path,
		Changes:        []command.Change{command.UpsertText(path, text)},
	}
}

func TestSingleReplicaCommits(t *testing.T) {
	nodes := startNodes(t, 1)
	leader := waitLeader(t, nodes)
	ctx := context.Background()

	_, err := leader.exec.Execute(ctx, createProject("solo"))
	require.NoError(t, err)
	_, err = leader.exec.Execute(ctx, &command.CreateRepository{
		Base:        command.Base{CommitTimeMillis: 1000, Author: command.Author{Name: "tester", Email: "t@dogma.dev"}},
		ProjectName: "solo", RepositoryName: "main",
	})
	require.NoError(t, err)

	res, err := leader.exec.Execute(ctx, upsertPush("solo", "main", "/a.txt", "hello\n"))
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, int64(2), res.Commit.Revision.Major)

	// Every write went through the log.
	assert.Equal(t, uint64(3), leader.cluster.LastApplied())
	content, err := leader.store.GetFile(ctx, "solo", "main", command.Head, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestCommittedEntriesReachFollowers(t *testing.T) {
	nodes := startNodes(t, 3)
	leader := waitLeader(t, nodes)
	ctx := context.Background()

	_, err := leader.exec.Execute(ctx, createProject("shared"))
	require.NoError(t, err)

	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			projects, err := n.store.ListProjects(ctx, false)
			return err == nil && len(projects) == 1 && projects[0].Name == "shared"
		}, 10*time.Second, 50*time.Millisecond, "replica %s never applied the commit", n.id)
	}
}

func TestFollowerForwardsWrites(t *testing.T) {
	nodes := startNodes(t, 3)
	leader := waitLeader(t, nodes)
	ctx := context.Background()

	var follower *testNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}

	_, err := follower.exec.Execute(ctx, createProject("fwd"))
	require.NoError(t, err)
	_, err = follower.exec.Execute(ctx, &command.CreateRepository{
		Base:        command.Base{CommitTimeMillis: 1000, Author: command.Author{Name: "tester", Email: "t@dogma.dev"}},
		ProjectName: "fwd", RepositoryName: "cfg",
	})
	require.NoError(t, err)

	res, err := follower.exec.Execute(ctx, upsertPush("fwd", "cfg", "/b.txt", "b\n"))
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Equal(t, int64(2), res.Commit.Revision.Major)

	// The follower observes its own write once the entry streams back.
	require.Eventually(t, func() bool {
		content, err := follower.store.GetFile(ctx, "fwd", "cfg", command.Head, "/b.txt")
		return err == nil && string(content) == "b\n"
	}, 10*time.Second, 50*time.Millisecond)
}

func TestProposeRequiresLeadership(t *testing.T) {
	nodes := startNodes(t, 3)
	leader := waitLeader(t, nodes)

	for _, n := range nodes {
		if n == leader {
			continue
		}
		_, err := n.cluster.Propose(context.Background(), createProject("nope"))
		require.ErrorIs(t, err, executor.ErrNotLeader)
	}
}

func TestLeaderFailover(t *testing.T) {
	nodes := startNodes(t, 3)
	leader := waitLeader(t, nodes)

	var rest []*testNode
	for _, n := range nodes {
		if n != leader {
			rest = append(rest, n)
		}
	}
	leader.stop()

	next := waitLeader(t, rest)
	assert.NotEqual(t, leader.id, next.id)

	_, err := next.exec.Execute(context.Background(), createProject("after-failover"))
	require.NoError(t, err)
}

func TestNormalizingPushResolvesBeforeLog(t *testing.T) {
	nodes := startNodes(t, 1)
	leader := waitLeader(t, nodes)
	ctx := context.Background()

	_, err := leader.exec.Execute(ctx, createProject("norm"))
	require.NoError(t, err)
	_, err = leader.exec.Execute(ctx, &command.CreateRepository{
		Base:        command.Base{CommitTimeMillis: 1000, Author: command.Author{Name: "tester", Email: "t@dogma.dev"}},
		ProjectName: "norm", RepositoryName: "main",
	})
	require.NoError(t, err)
	_, err = leader.exec.Execute(ctx, upsertPush("norm", "main", "/c.txt", "same\n"))
	require.NoError(t, err)

	before := leader.cluster.LastApplied()

	// An upsert with identical content normalizes to nothing: redundant,
	// and no log entry is spent on it.
	np := &command.NormalizingPush{Push: *upsertPush("norm", "main", "/c.txt", "same\n")}
	res, err := leader.exec.Execute(ctx, np)
	require.NoError(t, err)
	assert.True(t, res.Redundant)
	assert.Equal(t, int64(2), res.Commit.Revision.Major)
	assert.Equal(t, before, leader.cluster.LastApplied())
}

func TestTransformResolvesToVerbatimPush(t *testing.T) {
	nodes := startNodes(t, 1)
	leader := waitLeader(t, nodes)
	ctx := context.Background()

	_, err := leader.exec.Execute(ctx, createProject("tf"))
	require.NoError(t, err)
	_, err = leader.exec.Execute(ctx, &command.CreateRepository{
		Base:        command.Base{CommitTimeMillis: 1000, Author: command.Author{Name: "tester", Email: "t@dogma.dev"}},
		ProjectName: "tf", RepositoryName: "main",
	})
	require.NoError(t, err)
	_, err = leader.exec.Execute(ctx, upsertPush("tf", "main", "/d.txt", "old\n"))
	require.NoError(t, err)

	res, err := leader.exec.Execute(ctx, &command.Transform{
		Base:           command.Base{CommitTimeMillis: 3000, Author: command.Author{Name: "tester", Email: "t@dogma.dev"}},
		ProjectName:    "tf",
		RepositoryName: "main",
		BaseRevision:   command.Head,
		Summary:        "rewrite d.txt",
		Transformer: func(files map[string][]byte) (map[string][]byte, error) {
			files["/d.txt"] = []byte("new\n")
			return files, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Commit.Revision.Major)

	content, err := leader.store.GetFile(ctx, "tf", "main", command.Head, "/d.txt")
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(content))

	// An identity transform is redundant and skips the log.
	before := leader.cluster.LastApplied()
	res, err = leader.exec.Execute(ctx, &command.Transform{
		Base:           command.Base{CommitTimeMillis: 4000, Author: command.Author{Name: "tester", Email: "t@dogma.dev"}},
		ProjectName:    "tf",
		RepositoryName: "main",
		BaseRevision:   command.Head,
		Summary:        "noop",
		Transformer: func(files map[string][]byte) (map[string][]byte, error) {
			return files, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Redundant)
	assert.Equal(t, before, leader.cluster.LastApplied())
}

func TestLogRetentionRunsInBackground(t *testing.T) {
	logger := zap.NewNop()
	dir := t.TempDir()
	db, err := gormstore.Open(gormstore.Config{Driver: "sqlite", DSN: ":memory:", Logger: logger})
	require.NoError(t, err)
	store := gormstore.New(db, logger)
	st := status.New(logger)
	st.Start()
	local := executor.New(executor.Config{Store: store, Status: st, Logger: logger})

	cluster, err := New(Config{
		SelfID:      "replica0",
		Peers:       map[string]Peer{"replica0": {Host: "127.0.0.1", Port: 1}},
		Secret:      "test-secret",
		DataDir:     dir,
		MaxLogCount: 1,
		MinLogAge:   time.Nanosecond,
		Status:      st,
		Local:       local,
		Logger:      logger,
	})
	require.NoError(t, err)

	// The checkpoint lives at <dataDir>/state.
	cluster.onLeadership(1)
	assert.FileExists(t, filepath.Join(dir, "state"))

	for seq := uint64(1); seq <= 3*segmentEntries; seq++ {
		require.NoError(t, cluster.wal.Append(entry(seq)))
	}
	cluster.mu.Lock()
	cluster.state.LastApplied = 2 * segmentEntries
	cluster.mu.Unlock()

	cluster.truncateEvery = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cluster.truncateLoop(ctx)

	// Applied segments beyond the retention policy disappear without any
	// explicit truncation call.
	require.Eventually(t, func() bool {
		got, err := cluster.wal.Read(1, 0)
		return err == nil && len(got) > 0 && got[0].Seq == uint64(2*segmentEntries+1)
	}, 5*time.Second, 20*time.Millisecond, "log never truncated")
}

func TestForwardRejectsBadSecret(t *testing.T) {
	nodes := startNodes(t, 1)
	leader := waitLeader(t, nodes)

	addr := fmt.Sprintf("http://127.0.0.1:%d", leader.cluster.peers[leader.id].Port)
	tr := NewTransport("wrong-secret", time.Second, zap.NewNop())
	_, err := tr.FetchEntries(context.Background(), addr, 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestErrorKindRoundTrip(t *testing.T) {
	cases := []error{
		executor.ErrReadOnly,
		executor.ErrNotLeader,
		executor.ErrReplicationTimeout,
		executor.ErrDiverged,
		command.ErrInvalid,
		storage.ErrConflict,
		storage.ErrNotFound,
		storage.ErrExists,
	}
	for _, want := range cases {
		kind := errorKind(fmt.Errorf("wrapped: %w", want))
		got := kindError(kind, "remote message")
		assert.ErrorIs(t, got, want, "kind %s", kind)
	}

	// Unknown kinds degrade to opaque errors rather than a wrong sentinel.
	err := kindError("SOMETHING_ELSE", "boom")
	assert.False(t, errors.Is(err, storage.ErrNotFound))
	assert.EqualError(t, err, "boom")
}
