package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
)

func newTokenStore(t *testing.T) (*TokenStore, context.Context) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	commander, store := newTestPipeline(t, clock, nil)
	ctx := context.Background()

	author := command.Author{Name: "admin", Email: "admin@dogma.dev"}
	_, err := commander.Execute(ctx, &command.CreateProject{
		Base: command.Base{CommitTimeMillis: 1, Author: author}, ProjectName: MetaProject,
	})
	require.NoError(t, err)
	_, err = commander.Execute(ctx, &command.CreateRepository{
		Base: command.Base{CommitTimeMillis: 1, Author: author}, ProjectName: MetaProject, RepositoryName: MetaRepo,
	})
	require.NoError(t, err)
	return NewTokenStore(store, commander, zap.NewNop()), ctx
}

func TestTokenCreateAndAuthenticate(t *testing.T) {
	tokens, ctx := newTokenStore(t)
	author := command.Author{Name: "admin", Email: "admin@dogma.dev"}

	secret, err := tokens.Create(ctx, "ci-deployer", false, author, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	tok, err := tokens.Authenticate(ctx, "ci-deployer", secret)
	require.NoError(t, err)
	assert.Equal(t, "ci-deployer", tok.AppID)
	assert.False(t, tok.Admin)

	// The stored form is a hash, never the raw secret.
	stored, err := tokens.Find(ctx, "ci-deployer")
	require.NoError(t, err)
	assert.NotEqual(t, secret, stored.Secret)

	_, err = tokens.Authenticate(ctx, "ci-deployer", "wrong")
	require.ErrorIs(t, err, ErrBadCredentials)
	_, err = tokens.Authenticate(ctx, "unknown", secret)
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTokenDuplicateAppID(t *testing.T) {
	tokens, ctx := newTokenStore(t)
	author := command.Author{Name: "admin", Email: "admin@dogma.dev"}

	_, err := tokens.Create(ctx, "dup", false, author, 1000)
	require.NoError(t, err)
	_, err = tokens.Create(ctx, "dup", true, author, 2000)
	require.ErrorIs(t, err, ErrTokenExists)
}

func TestTokenDeactivateAndRemove(t *testing.T) {
	tokens, ctx := newTokenStore(t)
	author := command.Author{Name: "admin", Email: "admin@dogma.dev"}

	secret, err := tokens.Create(ctx, "rotating", true, author, 1000)
	require.NoError(t, err)

	require.NoError(t, tokens.SetActive(ctx, "rotating", false, author, 2000))
	_, err = tokens.Authenticate(ctx, "rotating", secret)
	require.ErrorIs(t, err, ErrBadCredentials)

	require.NoError(t, tokens.SetActive(ctx, "rotating", true, author, 3000))
	tok, err := tokens.Authenticate(ctx, "rotating", secret)
	require.NoError(t, err)
	assert.True(t, tok.Admin)

	require.NoError(t, tokens.Remove(ctx, "rotating", author, 4000))
	_, err = tokens.Find(ctx, "rotating")
	require.ErrorIs(t, err, ErrTokenNotFound)
	require.ErrorIs(t, tokens.Remove(ctx, "rotating", author, 5000), ErrTokenNotFound)
}

func TestTokenInvalidAppID(t *testing.T) {
	tokens, ctx := newTokenStore(t)
	_, err := tokens.Create(ctx, "../sneaky", false, command.Author{Name: "a", Email: "a@b.c"}, 1000)
	require.ErrorIs(t, err, command.ErrInvalid)
}
