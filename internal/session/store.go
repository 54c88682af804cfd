// Package session holds the replicated session and application-token
// stores. Sessions mutate only through CREATE_SESSION / REMOVE_SESSION
// commands in the apply path, so every replica converges on the same
// session set; reads go through an in-process LRU validated against expiry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
)

// DefaultCacheSize bounds the in-memory session cache.
const DefaultCacheSize = 8192

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidID rejects session IDs that cannot name a file.
	ErrInvalidID = errors.New("invalid session id")
)

var idRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// Store persists sessions as one JSON file each under its directory and
// caches reads in an LRU. Writes come exclusively from the command apply
// path, which is single-threaded per entry, so no file-level locking is
// needed.
type Store struct {
	dir   string
	cache *lru.Cache
	clock clockwork.Clock
	log   *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewStore opens (or creates) the session directory.
func NewStore(dir string, cacheSize int, clock clockwork.Clock, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("session: create cache: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		dir:   dir,
		cache: cache,
		clock: clock,
		log:   logger.Named("session"),
	}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Put stores a session. Replaces any previous session with the same ID.
func (s *Store) Put(ctx context.Context, sess command.Session) error {
	if !idRe.MatchString(sess.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", sess.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("session: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(sess.ID)); err != nil {
		return fmt.Errorf("session: install %s: %w", sess.ID, err)
	}
	s.cache.Add(sess.ID, sess)
	return nil
}

// Delete removes a session. Removing an absent session succeeds: the apply
// path replays log entries and must stay idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	s.cache.Remove(id)
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: remove %s: %w", id, err)
	}
	return nil
}

// SetMasterKey installs the wrapped session master key.
func (s *Store) SetMasterKey(ctx context.Context, key []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".master-*")
	if err != nil {
		return fmt.Errorf("session: create temp key: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write master key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close master key: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, "master.key")); err != nil {
		return fmt.Errorf("session: install master key: %w", err)
	}
	return nil
}

// MasterKey returns the installed master key, ErrNotFound when absent.
func (s *Store) MasterKey() ([]byte, error) {
	key, err := os.ReadFile(filepath.Join(s.dir, "master.key"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: read master key: %w", err)
	}
	return key, nil
}

// Get returns a live session. Expired sessions read as absent; the sweeper
// removes their files later.
func (s *Store) Get(ctx context.Context, id string) (command.Session, error) {
	if !idRe.MatchString(id) {
		return command.Session{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if v, ok := s.cache.Get(id); ok {
		s.hits.Add(1)
		sess := v.(command.Session)
		if s.expired(sess) {
			return command.Session{}, ErrNotFound
		}
		return sess, nil
	}
	s.misses.Add(1)

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return command.Session{}, ErrNotFound
		}
		return command.Session{}, fmt.Errorf("session: read %s: %w", id, err)
	}
	var sess command.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return command.Session{}, fmt.Errorf("session: corrupt %s: %w", id, err)
	}
	s.cache.Add(id, sess)
	if s.expired(sess) {
		return command.Session{}, ErrNotFound
	}
	return sess, nil
}

// List returns every persisted session, expired ones included; the sweeper
// uses it to find expiry candidates.
func (s *Store) List(ctx context.Context) ([]command.Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	var out []command.Session
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var sess command.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.log.Warn("skipping corrupt session file", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) expired(sess command.Session) bool {
	return !sess.ExpirationTime.IsZero() && !s.clock.Now().Before(sess.ExpirationTime)
}

// CacheStats reports cumulative cache hits and misses.
func (s *Store) CacheStats() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}

var _ executor.SessionStore = (*Store)(nil)
