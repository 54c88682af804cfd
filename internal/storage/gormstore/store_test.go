package gormstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return New(db, zap.NewNop())
}

func seedRepo(t *testing.T, s *Store) context.Context {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "foo", 1000, command.System))
	require.NoError(t, s.CreateRepository(ctx, "foo", "bar", 1000, command.System))
	return ctx
}

func push(t *testing.T, s *Store, ctx context.Context, base int64, ts int64, summary string, changes ...command.Change) command.CommitResult {
	t.Helper()
	res, err := s.Commit(ctx, storage.CommitRequest{
		Project:          "foo",
		Repository:       "bar",
		BaseRevision:     command.NewRevision(base),
		CommitTimeMillis: ts,
		Author:           command.Author{Name: "alice", Email: "alice@x"},
		Summary:          summary,
		Changes:          changes,
		Normalize:        true,
	})
	require.NoError(t, err)
	return res
}

func TestCreatePushRead(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)

	head, err := s.Head(ctx, "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.Major)

	res := push(t, s, ctx, 1, 2000, "add config", command.UpsertText("/a.txt", "hello"))
	assert.Equal(t, int64(2), res.Revision.Major)

	content, err := s.GetFile(ctx, "foo", "bar", command.Head, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))

	// Absolute revision below the file's creation sees nothing.
	_, err = s.GetFile(ctx, "foo", "bar", command.Init, "/a.txt")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitConflictOnStaleBase(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "one", command.UpsertText("/a.txt", "a"))

	_, err := s.Commit(ctx, storage.CommitRequest{
		Project: "foo", Repository: "bar",
		BaseRevision:     command.NewRevision(1),
		CommitTimeMillis: 3000,
		Author:           command.Author{Name: "bob", Email: "bob@x"},
		Summary:          "stale",
		Changes:          []command.Change{command.UpsertText("/b.txt", "b")},
		Normalize:        true,
	})
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestCommitIdempotentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)

	req := storage.CommitRequest{
		Project: "foo", Repository: "bar",
		BaseRevision:     command.NewRevision(1),
		CommitTimeMillis: 2000,
		Author:           command.Author{Name: "alice", Email: "alice@x"},
		Summary:          "add",
		Changes:          []command.Change{command.UpsertText("/a.txt", "a")},
		Normalize:        true,
	}
	res, err := s.Commit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Revision.Major)

	// Same push replayed after a crash: same base, same fingerprint.
	res2, err := s.Commit(ctx, req)
	require.ErrorIs(t, err, storage.ErrRedundantChange)
	assert.Equal(t, int64(2), res2.Revision.Major)
}

func TestCommitRedundantAfterNormalization(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "add", command.UpsertText("/a.txt", "same"))

	_, err := s.Commit(ctx, storage.CommitRequest{
		Project: "foo", Repository: "bar",
		BaseRevision:     command.Head,
		CommitTimeMillis: 3000,
		Author:           command.Author{Name: "bob", Email: "bob@x"},
		Summary:          "noop",
		Changes:          []command.Change{command.UpsertText("/a.txt", "same")},
		Normalize:        true,
	})
	require.ErrorIs(t, err, storage.ErrRedundantChange)

	head, err := s.Head(ctx, "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.Major)
}

func TestJSONUpsertSemanticEquality(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "add", command.UpsertJSON("/c.json", json.RawMessage(`{"a":1,"b":2}`)))

	// Key order and whitespace do not make a new revision.
	_, err := s.Commit(ctx, storage.CommitRequest{
		Project: "foo", Repository: "bar",
		BaseRevision:     command.Head,
		CommitTimeMillis: 3000,
		Author:           command.Author{Name: "bob", Email: "bob@x"},
		Summary:          "reorder",
		Changes:          []command.Change{command.UpsertJSON("/c.json", json.RawMessage("{ \"b\": 2, \"a\": 1 }"))},
		Normalize:        true,
	})
	require.ErrorIs(t, err, storage.ErrRedundantChange)
}

func TestJSONPatchResolvesToUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "add", command.UpsertJSON("/c.json", json.RawMessage(`{"a":1}`)))

	res := push(t, s, ctx, 2, 3000, "patch",
		command.ApplyJSONPatch("/c.json", json.RawMessage(`[{"op":"replace","path":"/a","value":2}]`)))
	require.Len(t, res.Changes, 1)
	assert.Equal(t, command.ChangeUpsertJSON, res.Changes[0].Type)

	content, err := s.GetFile(ctx, "foo", "bar", command.Head, "/c.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(content))
}

func TestJSONPatchMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "add", command.UpsertJSON("/c.json", json.RawMessage(`{"a":1}`)))

	_, err := s.Commit(ctx, storage.CommitRequest{
		Project: "foo", Repository: "bar",
		BaseRevision:     command.Head,
		CommitTimeMillis: 3000,
		Author:           command.Author{Name: "bob", Email: "bob@x"},
		Summary:          "bad patch",
		Changes: []command.Change{
			command.ApplyJSONPatch("/c.json", json.RawMessage(`[{"op":"test","path":"/a","value":99},{"op":"replace","path":"/a","value":2}]`)),
		},
		Normalize: true,
	})
	require.ErrorIs(t, err, storage.ErrInvalidChange)
}

func TestTextPatchResolvesToUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "add", command.UpsertText("/a.txt", "one\ntwo\nthree\n"))

	res := push(t, s, ctx, 2, 3000, "patch",
		command.ApplyTextPatch("/a.txt", "@@ -1,3 +1,3 @@\n one\n-two\n+2\n three\n"))
	require.Len(t, res.Changes, 1)
	assert.Equal(t, command.ChangeUpsertText, res.Changes[0].Type)

	content, err := s.GetFile(ctx, "foo", "bar", command.Head, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "one\n2\nthree\n", string(content))
}

func TestRenameAndRemoveDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "add",
		command.UpsertText("/dir/a.txt", "a"),
		command.UpsertText("/dir/sub/b.txt", "b"),
		command.UpsertText("/keep.txt", "k"),
	)

	push(t, s, ctx, 2, 3000, "rename", command.Rename("/dir", "/moved"))
	files, err := s.ListFiles(ctx, "foo", "bar", command.Head, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/moved/a.txt", "/moved/sub/b.txt", "/keep.txt"}, keys(files))

	push(t, s, ctx, 3, 4000, "remove dir", command.Remove("/moved"))
	files, err = s.ListFiles(ctx, "foo", "bar", command.Head, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/keep.txt"}, keys(files))

	// Old revisions still see the old layout.
	files, err = s.ListFiles(ctx, "foo", "bar", command.NewRevision(2), "/dir")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/dir/a.txt", "/dir/sub/b.txt"}, keys(files))
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestRemoveMissingEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	_, err := s.Commit(ctx, storage.CommitRequest{
		Project: "foo", Repository: "bar",
		BaseRevision:     command.Head,
		CommitTimeMillis: 2000,
		Author:           command.Author{Name: "bob", Email: "bob@x"},
		Summary:          "remove nothing",
		Changes:          []command.Change{command.Remove("/ghost")},
		Normalize:        true,
	})
	require.ErrorIs(t, err, storage.ErrInvalidChange)
}

func TestNormalizeRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "two", command.UpsertText("/a", "a"))
	push(t, s, ctx, 2, 3000, "three", command.UpsertText("/b", "b"))

	n, err := s.NormalizeRevision(ctx, "foo", "bar", command.Head)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n.Major)

	n, err = s.NormalizeRevision(ctx, "foo", "bar", command.Head.Backward(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.Major)

	_, err = s.NormalizeRevision(ctx, "foo", "bar", command.NewRevision(99))
	require.ErrorIs(t, err, storage.ErrRevisionNotFound)

	_, err = s.NormalizeRevision(ctx, "foo", "bar", command.Head.Backward(10))
	require.ErrorIs(t, err, storage.ErrRevisionNotFound)
}

func TestHistoryOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "two", command.UpsertText("/a", "a"))
	push(t, s, ctx, 2, 3000, "three", command.UpsertText("/b", "b"))

	hist, err := s.History(ctx, "foo", "bar", command.Head, command.Init)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, int64(3), hist[0].Revision.Major)
	assert.Equal(t, "three", hist[0].Summary)
	assert.Equal(t, int64(1), hist[2].Revision.Major)

	hist, err = s.History(ctx, "foo", "bar", command.Init, command.Head)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hist[0].Revision.Major)
}

func TestDiffBetweenRevisions(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "base",
		command.UpsertText("/a.txt", "one\ntwo\n"),
		command.UpsertJSON("/c.json", json.RawMessage(`{"a":1}`)),
		command.UpsertText("/gone.txt", "bye"),
	)
	push(t, s, ctx, 2, 3000, "edit",
		command.UpsertText("/a.txt", "one\n2\n"),
		command.UpsertJSON("/c.json", json.RawMessage(`{"a":2}`)),
		command.Remove("/gone.txt"),
		command.UpsertText("/new.txt", "hi"),
	)

	changes, err := s.Diff(ctx, "foo", "bar", command.NewRevision(2), command.NewRevision(3))
	require.NoError(t, err)

	byPath := map[string]command.Change{}
	for _, c := range changes {
		byPath[c.Path] = c
	}
	assert.Equal(t, command.ChangeApplyTextPatch, byPath["/a.txt"].Type)
	assert.Equal(t, command.ChangeUpsertJSON, byPath["/c.json"].Type)
	assert.Equal(t, command.ChangeRemove, byPath["/gone.txt"].Type)
	assert.Equal(t, command.ChangeUpsertText, byPath["/new.txt"].Type)

	// The text patch replays to the new content.
	diff, err := byPath["/a.txt"].Text()
	require.NoError(t, err)
	patched, err := command.ApplyUnifiedDiff("one\ntwo\n", diff)
	require.NoError(t, err)
	assert.Equal(t, "one\n2\n", patched)
}

func TestPreviewDiffDoesNotCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "add", command.UpsertJSON("/c.json", json.RawMessage(`{"a":1}`)))

	norm, err := s.PreviewDiff(ctx, "foo", "bar", command.Head, []command.Change{
		command.ApplyJSONPatch("/c.json", json.RawMessage(`[{"op":"replace","path":"/a","value":2}]`)),
		command.UpsertJSON("/c2.json", json.RawMessage(`{"x":1}`)),
	})
	require.NoError(t, err)
	require.Len(t, norm, 2)
	assert.Equal(t, command.ChangeUpsertJSON, norm[0].Type)

	head, err := s.Head(ctx, "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.Major)
}

func TestApplyTransform(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	push(t, s, ctx, 1, 2000, "add",
		command.UpsertJSON("/c.json", json.RawMessage(`{"a":1}`)),
		command.UpsertText("/keep.txt", "k"),
	)

	res, err := s.ApplyTransform(ctx, "foo", "bar", command.Head, 3000, command.System, "bump",
		func(files map[string][]byte) (map[string][]byte, error) {
			files["/c.json"] = []byte(`{"a":2}`)
			return files, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Revision.Major)

	content, err := s.GetFile(ctx, "foo", "bar", command.Head, "/c.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(content))

	// Identity transform is redundant.
	_, err = s.ApplyTransform(ctx, "foo", "bar", command.Head, 4000, command.System, "noop",
		func(files map[string][]byte) (map[string][]byte, error) { return files, nil })
	require.ErrorIs(t, err, storage.ErrRedundantChange)
}

func TestProjectLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)

	require.ErrorIs(t, s.CreateProject(ctx, "foo", 1, command.System), storage.ErrExists)
	require.ErrorIs(t, s.CreateProject(ctx, "bad name", 1, command.System), storage.ErrInvalidName)
	require.ErrorIs(t, s.PurgeProject(ctx, "foo"), storage.ErrNotRemoved)

	require.NoError(t, s.RemoveProject(ctx, "foo"))
	require.ErrorIs(t, s.RemoveProject(ctx, "foo"), storage.ErrAlreadyRemoved)

	// Removed projects hide their repositories.
	_, err := s.Head(ctx, "foo", "bar")
	require.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListProjects(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = s.ListProjects(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].RemovedAt)

	require.NoError(t, s.UnremoveProject(ctx, "foo"))
	_, err = s.Head(ctx, "foo", "bar")
	require.NoError(t, err)

	require.NoError(t, s.RemoveProject(ctx, "foo"))
	require.NoError(t, s.PurgeProject(ctx, "foo"))
	_, err = s.ListRepositories(ctx, "foo", true)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRepositoryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)

	require.ErrorIs(t, s.CreateRepository(ctx, "foo", "bar", 1, command.System), storage.ErrExists)
	require.NoError(t, s.RemoveRepository(ctx, "foo", "bar"))
	require.ErrorIs(t, s.RemoveRepository(ctx, "foo", "bar"), storage.ErrAlreadyRemoved)

	_, err := s.Head(ctx, "foo", "bar")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.UnremoveRepository(ctx, "foo", "bar"))
	head, err := s.Head(ctx, "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.Major)

	require.NoError(t, s.RemoveRepository(ctx, "foo", "bar"))
	require.NoError(t, s.PurgeRepository(ctx, "foo", "bar"))
	require.NoError(t, s.CreateRepository(ctx, "foo", "bar", 1, command.System))
}

func TestReadOnlyRepository(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)

	require.NoError(t, s.UpdateRepositoryStatus(ctx, "foo", "bar", command.RepositoryReadOnly))
	_, err := s.Commit(ctx, storage.CommitRequest{
		Project: "foo", Repository: "bar",
		BaseRevision:     command.Head,
		CommitTimeMillis: 2000,
		Author:           command.Author{Name: "bob", Email: "bob@x"},
		Summary:          "blocked",
		Changes:          []command.Change{command.UpsertText("/a", "a")},
		Normalize:        true,
	})
	require.ErrorIs(t, err, storage.ErrReadOnly)

	// Force-pushed commits bypass the repository status.
	res, err := s.Commit(ctx, storage.CommitRequest{
		Project: "foo", Repository: "bar",
		BaseRevision:     command.Head,
		CommitTimeMillis: 2000,
		Author:           command.Author{Name: "admin", Email: "admin@x"},
		Summary:          "forced",
		Changes:          []command.Change{command.UpsertText("/a", "a")},
		Normalize:        true,
		ForcePushed:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Revision.Major)

	hist, err := s.History(ctx, "foo", "bar", command.Head, command.Head)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].ForcePushed)

	require.NoError(t, s.UpdateRepositoryStatus(ctx, "foo", "bar", command.RepositoryActive))
}

func TestRotateWdek(t *testing.T) {
	s := newTestStore(t)
	ctx := seedRepo(t, s)
	require.NoError(t, s.RotateWdek(ctx, "foo", "bar", command.WdekDetails{KeyID: "k2", WrappedKey: []byte("w")}))
	require.ErrorIs(t, s.RotateWdek(ctx, "foo", "ghost", command.WdekDetails{KeyID: "k2"}), storage.ErrNotFound)
}

func TestRollingRepositoryGC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "foo", 1000, command.System))
	require.NoError(t, s.CreateRollingRepository(ctx, "foo", "roll", 1, 2, 0, 1000, command.System))

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	for i := int64(1); i <= 5; i++ {
		_, err := s.Commit(ctx, storage.CommitRequest{
			Project: "foo", Repository: "roll",
			BaseRevision:     command.NewRevision(i),
			CommitTimeMillis: old + i,
			Author:           command.Author{Name: "alice", Email: "alice@x"},
			Summary:          "fill",
			Changes:          []command.Change{command.UpsertText("/n.txt", string(rune('a'+i)))},
			Normalize:        true,
		})
		require.NoError(t, err)
	}

	head, err := s.GC(ctx, "foo", "roll")
	require.NoError(t, err)
	assert.Equal(t, int64(6), head.Major)

	// The two newest commits stay live; everything older is archived but
	// still shows up in history and old revisions stay readable.
	hist, err := s.History(ctx, "foo", "roll", command.Head, command.Init)
	require.NoError(t, err)
	assert.Len(t, hist, 6)

	content, err := s.GetFile(ctx, "foo", "roll", command.NewRevision(2), "/n.txt")
	require.NoError(t, err)
	assert.Equal(t, "b\n", string(content))

	head, err = s.Head(ctx, "foo", "roll")
	require.NoError(t, err)
	assert.Equal(t, int64(6), head.Major)
}

func TestRollingRepositoryValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "foo", 1000, command.System))
	require.ErrorIs(t, s.CreateRollingRepository(ctx, "foo", "r", 0, 1, 1, 1000, command.System), storage.ErrInvalidRetention)
	require.ErrorIs(t, s.CreateRollingRepository(ctx, "foo", "r", 1, -1, 0, 1000, command.System), storage.ErrInvalidRetention)
}
