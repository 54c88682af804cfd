package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

// wireCommands returns one instance of every command variant that has a
// JSON wire form, with every field populated.
func wireCommands() []Command {
	ts := int64(1234)
	author := Author{Name: "a", Email: "a@b"}
	return []Command{
		&CreateProject{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo"},
		&RemoveProject{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo"},
		&UnremoveProject{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo"},
		&PurgeProject{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo"},
		&ResetMetaRepository{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo"},
		&CreateRepository{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar"},
		&RemoveRepository{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar"},
		&UnremoveRepository{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar"},
		&PurgeRepository{Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar"},
		&CreateRollingRepository{
			Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar",
			InitialRevision: 100, MinRetentionCommits: 1000, MinRetentionDays: 30,
		},
		&RotateWdek{
			Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar",
			Wdek: WdekDetails{KeyID: "k1", WrappedKey: []byte("wrapped")},
		},
		&UpdateRepositoryStatus{
			Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar",
			Status: RepositoryReadOnly,
		},
		&Push{
			Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar",
			BaseRevision: NewRevision(42), Summary: "s", Detail: "d", Markup: MarkupMarkdown,
			Changes: []Change{UpsertText("/x.txt", "hi")},
		},
		&NormalizingPush{Push{
			Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar",
			BaseRevision: Head, Summary: "s",
			Changes: []Change{
				UpsertJSON("/a.json", json.RawMessage(`{"k": 1}`)),
				UpsertYAML("/b.yaml", "k: 1\n"),
				Remove("/old"),
				Rename("/from.txt", "/to.txt"),
				ApplyJSONPatch("/a.json", json.RawMessage(`[{"op":"replace","path":"/k","value":2}]`)),
				ApplyTextPatch("/x.txt", "@@ -1,1 +1,1 @@\n-hi\n+ho\n"),
			},
		}},
		&CreateSession{
			Base: Base{CommitTimeMillis: ts, Author: author},
			Session: Session{
				ID: "s1", Username: "alice",
				CreationTime:   time.UnixMilli(1000).UTC(),
				ExpirationTime: time.UnixMilli(2000).UTC(),
				CSRFToken:      "csrf",
			},
		},
		&RemoveSession{Base: Base{CommitTimeMillis: ts, Author: author}, SessionID: "s1"},
		&CreateSessionMasterKey{Base: Base{CommitTimeMillis: ts, Author: author}, MasterKey: []byte("key")},
		&UpdateServerStatus{Base: Base{CommitTimeMillis: ts, Author: author}, Writable: boolPtr(false)},
		&ForcePush{
			Base: Base{CommitTimeMillis: ts, Author: author},
			Command: &Push{
				Base: Base{CommitTimeMillis: ts, Author: author}, ProjectName: "foo", RepositoryName: "bar",
				BaseRevision: NewRevision(2), Summary: "forced",
				Changes: []Change{UpsertText("/y.txt", "yo")},
			},
		},
	}
}

func TestRoundTripEveryVariant(t *testing.T) {
	for _, c := range wireCommands() {
		t.Run(string(c.CommandType()), func(t *testing.T) {
			encoded, err := Marshal(c)
			require.NoError(t, err)

			var envelope map[string]any
			require.NoError(t, json.Unmarshal(encoded, &envelope))
			require.Equal(t, string(c.CommandType()), envelope["type"])

			decoded, err := Unmarshal(encoded)
			require.NoError(t, err)
			require.Equal(t, c, decoded)
		})
	}
}

func TestUnmarshalSpecExample(t *testing.T) {
	wire := `{"type":"PUSH","projectName":"foo","repositoryName":"bar",
	 "baseRevision":{"major":42},"commitTimeMillis":1234,
	 "author":{"name":"a","email":"a@b"},
	 "summary":"s","detail":"d","markup":"MARKDOWN",
	 "changes":[{"type":"UPSERT_TEXT","path":"/x.txt","content":"hi"}]}`

	c, err := Unmarshal([]byte(wire))
	require.NoError(t, err)

	push, ok := c.(*Push)
	require.True(t, ok)
	assert.Equal(t, "foo", push.ProjectName)
	assert.Equal(t, "bar", push.RepositoryName)
	assert.Equal(t, int64(42), push.BaseRevision.Major)
	assert.Equal(t, int64(1234), push.CommitTimeMillis)
	assert.Equal(t, Author{Name: "a", Email: "a@b"}, push.Author)
	require.Len(t, push.Changes, 1)
	assert.Equal(t, ChangeUpsertText, push.Changes[0].Type)
}

func TestUnmarshalUnknownTag(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"LAUNCH_MISSILES"}`))
	require.ErrorIs(t, err, ErrDecode)

	_, err = Unmarshal([]byte(`{"projectName":"foo"}`))
	require.ErrorIs(t, err, ErrDecode)

	// TRANSFORM never has a wire form.
	_, err = Unmarshal([]byte(`{"type":"TRANSFORM","projectName":"foo"}`))
	require.ErrorIs(t, err, ErrDecode)
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	c, err := Unmarshal([]byte(`{"type":"CREATE_PROJECT","projectName":"foo","futureField":true}`))
	require.NoError(t, err)
	require.Equal(t, "foo", c.(*CreateProject).ProjectName)
}

func TestUnmarshalLegacyTimestampKey(t *testing.T) {
	c, err := Unmarshal([]byte(`{"type":"CREATE_PROJECT","projectName":"foo","timestamp":777}`))
	require.NoError(t, err)
	assert.Equal(t, int64(777), Header(c).CommitTimeMillis)
}

func TestApplyDefaults(t *testing.T) {
	now := time.UnixMilli(987654321)

	c := &CreateProject{ProjectName: "foo"}
	ApplyDefaults(c, now)
	assert.Equal(t, now.UnixMilli(), c.CommitTimeMillis)
	assert.Equal(t, System, c.Author)

	// Populated headers are left alone.
	c2 := &CreateProject{Base: Base{CommitTimeMillis: 5, Author: Author{Name: "x", Email: "x@y"}}, ProjectName: "foo"}
	ApplyDefaults(c2, now)
	assert.Equal(t, int64(5), c2.CommitTimeMillis)
	assert.Equal(t, "x", c2.Author.Name)
}

func TestMarshalTransformRejected(t *testing.T) {
	tr := &Transform{
		ProjectName: "foo", RepositoryName: "bar",
		Transformer: func(files map[string][]byte) (map[string][]byte, error) { return files, nil },
	}
	_, err := Marshal(tr)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestForcePushUnwrap(t *testing.T) {
	inner := &CreateProject{ProjectName: "foo"}
	wrapped := &ForcePush{Command: inner}

	assert.Same(t, Command(inner), Unwrap(wrapped))
	// Unwrapping is idempotent.
	assert.Same(t, Command(inner), Unwrap(Unwrap(wrapped)))
	assert.Same(t, Command(inner), Unwrap(inner))
}

func TestIsSystemAdministrative(t *testing.T) {
	assert.True(t, IsSystemAdministrative(&ForcePush{Command: &CreateProject{ProjectName: "p"}}))
	assert.True(t, IsSystemAdministrative(&UpdateServerStatus{Writable: boolPtr(true)}))
	assert.False(t, IsSystemAdministrative(&CreateProject{ProjectName: "p"}))
	assert.False(t, IsSystemAdministrative(&Push{}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"project ok", &CreateProject{ProjectName: "foo"}, false},
		{"project missing name", &CreateProject{}, true},
		{"repo missing repo name", &CreateRepository{ProjectName: "foo"}, true},
		{"rolling negative retention", &CreateRollingRepository{
			ProjectName: "p", RepositoryName: "r", InitialRevision: 1, MinRetentionDays: -1,
		}, true},
		{"rolling zero initial revision", &CreateRollingRepository{
			ProjectName: "p", RepositoryName: "r",
		}, true},
		{"push no changes", &Push{ProjectName: "p", RepositoryName: "r", Summary: "s"}, true},
		{"push no summary", &Push{
			ProjectName: "p", RepositoryName: "r",
			Changes: []Change{UpsertText("/a", "x")},
		}, true},
		{"push relative path", &Push{
			ProjectName: "p", RepositoryName: "r", Summary: "s",
			Changes: []Change{UpsertText("a.txt", "x")},
		}, true},
		{"push dotdot path", &Push{
			ProjectName: "p", RepositoryName: "r", Summary: "s",
			Changes: []Change{UpsertText("/a/../b", "x")},
		}, true},
		{"rename onto itself", &Push{
			ProjectName: "p", RepositoryName: "r", Summary: "s",
			Changes: []Change{Rename("/a", "/a")},
		}, true},
		{"server status empty", &UpdateServerStatus{}, true},
		{"force push without inner", &ForcePush{}, true},
		{"force push validates inner", &ForcePush{Command: &CreateProject{}}, true},
		{"session without id", &CreateSession{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.cmd)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hi\n", SanitizeText("hi"))
	assert.Equal(t, "hi\n", SanitizeText("hi\n"))
	assert.Equal(t, "a\nb\n", SanitizeText("a\r\nb\r\n"))
	assert.Equal(t, "", SanitizeText(""))
}

func TestValidatePath(t *testing.T) {
	for _, good := range []string{"/a", "/a/b.txt", "/a-b/c_d/e.json"} {
		assert.NoError(t, ValidatePath(good), good)
	}
	for _, bad := range []string{"", "/", "a", "/a/", "//a", "/a//b", "/./a", "/a/..", "/../a"} {
		assert.ErrorIs(t, ValidatePath(bad), ErrInvalid, bad)
	}
}
