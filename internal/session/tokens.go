package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/storage"
)

// Application tokens live in /tokens.json of the _dogma/meta repository and
// mutate through ordinary pushes, which both replicates and versions them.
const (
	MetaProject = "_dogma"
	MetaRepo    = "meta"
	tokensPath  = "/tokens.json"
)

var (
	// ErrTokenNotFound is returned for unknown application IDs.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExists rejects creating a second token for an application ID.
	ErrTokenExists = errors.New("token already exists")

	// ErrBadCredentials is returned when the presented secret does not match
	// or the token is deactivated.
	ErrBadCredentials = errors.New("bad credentials")
)

var appIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Token is one application credential. Secret holds a bcrypt hash; the raw
// secret is returned once at creation and never stored.
type Token struct {
	AppID              string         `json:"appId"`
	Secret             string         `json:"secret"`
	Admin              bool           `json:"admin,omitempty"`
	Creator            command.Author `json:"creator"`
	CreationTimeMillis int64          `json:"creationTimeMillis"`
	Deactivated        bool           `json:"deactivated,omitempty"`
}

// TokenStore reads tokens from the meta repository and mutates them through
// the command pipeline.
type TokenStore struct {
	store storage.Storage
	exec  Commander
	log   *zap.Logger
}

// NewTokenStore creates a TokenStore.
func NewTokenStore(store storage.Storage, exec Commander, logger *zap.Logger) *TokenStore {
	return &TokenStore{store: store, exec: exec, log: logger.Named("tokens")}
}

// List returns every token, secrets hashed.
func (t *TokenStore) List(ctx context.Context) ([]Token, error) {
	return t.load(ctx)
}

// Find returns the token for an application ID.
func (t *TokenStore) Find(ctx context.Context, appID string) (Token, error) {
	tokens, err := t.load(ctx)
	if err != nil {
		return Token{}, err
	}
	for _, tok := range tokens {
		if tok.AppID == appID {
			return tok, nil
		}
	}
	return Token{}, fmt.Errorf("%w: %s", ErrTokenNotFound, appID)
}

// Create issues a new token and returns the raw secret, which is shown
// exactly once.
func (t *TokenStore) Create(ctx context.Context, appID string, admin bool, author command.Author, tsMillis int64) (string, error) {
	if !appIDRe.MatchString(appID) {
		return "", fmt.Errorf("%w: invalid application id %q", command.ErrInvalid, appID)
	}
	tokens, err := t.load(ctx)
	if err != nil {
		return "", err
	}
	for _, tok := range tokens {
		if tok.AppID == appID {
			return "", fmt.Errorf("%w: %s", ErrTokenExists, appID)
		}
	}
	secret := "dogma-" + uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("session: hash token secret: %w", err)
	}
	tokens = append(tokens, Token{
		AppID:              appID,
		Secret:             string(hash),
		Admin:              admin,
		Creator:            author,
		CreationTimeMillis: tsMillis,
	})
	if err := t.save(ctx, tokens, fmt.Sprintf("Add token %q", appID), author, tsMillis); err != nil {
		return "", err
	}
	return secret, nil
}

// Authenticate verifies an application secret against the active token.
func (t *TokenStore) Authenticate(ctx context.Context, appID, secret string) (Token, error) {
	tok, err := t.Find(ctx, appID)
	if err != nil {
		return Token{}, err
	}
	if tok.Deactivated {
		return Token{}, fmt.Errorf("%w: token %s is deactivated", ErrBadCredentials, appID)
	}
	if bcrypt.CompareHashAndPassword([]byte(tok.Secret), []byte(secret)) != nil {
		return Token{}, fmt.Errorf("%w: token %s", ErrBadCredentials, appID)
	}
	return tok, nil
}

// SetActive deactivates or reactivates a token without destroying it.
func (t *TokenStore) SetActive(ctx context.Context, appID string, active bool, author command.Author, tsMillis int64) error {
	tokens, err := t.load(ctx)
	if err != nil {
		return err
	}
	for i := range tokens {
		if tokens[i].AppID != appID {
			continue
		}
		if tokens[i].Deactivated == !active {
			return nil
		}
		tokens[i].Deactivated = !active
		verb := "Deactivate"
		if active {
			verb = "Activate"
		}
		return t.save(ctx, tokens, fmt.Sprintf("%s token %q", verb, appID), author, tsMillis)
	}
	return fmt.Errorf("%w: %s", ErrTokenNotFound, appID)
}

// Remove deletes a token permanently.
func (t *TokenStore) Remove(ctx context.Context, appID string, author command.Author, tsMillis int64) error {
	tokens, err := t.load(ctx)
	if err != nil {
		return err
	}
	kept := tokens[:0]
	for _, tok := range tokens {
		if tok.AppID != appID {
			kept = append(kept, tok)
		}
	}
	if len(kept) == len(tokens) {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, appID)
	}
	return t.save(ctx, kept, fmt.Sprintf("Remove token %q", appID), author, tsMillis)
}

func (t *TokenStore) load(ctx context.Context) ([]Token, error) {
	content, err := t.store.GetFile(ctx, MetaProject, MetaRepo, command.Head, tokensPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: read %s: %w", tokensPath, err)
	}
	var tokens []Token
	if err := json.Unmarshal(content, &tokens); err != nil {
		return nil, fmt.Errorf("session: corrupt %s: %w", tokensPath, err)
	}
	return tokens, nil
}

func (t *TokenStore) save(ctx context.Context, tokens []Token, summary string, author command.Author, tsMillis int64) error {
	if tokens == nil {
		tokens = []Token{}
	}
	content, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("session: marshal tokens: %w", err)
	}
	_, err = t.exec.Execute(ctx, &command.NormalizingPush{Push: command.Push{
		Base:           command.Base{CommitTimeMillis: tsMillis, Author: author},
		ProjectName:    MetaProject,
		RepositoryName: MetaRepo,
		BaseRevision:   command.Head,
		Summary:        summary,
		Changes:        []command.Change{command.UpsertJSON(tokensPath, content)},
	}})
	if err != nil {
		return fmt.Errorf("session: push %s: %w", tokensPath, err)
	}
	return nil
}
