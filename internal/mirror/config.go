// Package mirror synchronizes repository content with external Git remotes
// on a cron schedule. Mirror definitions and their credentials live in the
// per-project meta repository (/mirrors.json, /credentials.json), which is
// itself replicated, so every replica sees the same definitions; only the
// leader (or the zone leader, for zone-pinned mirrors) actually runs them.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/storage"
)

const (
	// MetaRepo is the repository inside each project that carries mirror
	// definitions.
	MetaRepo        = "meta"
	MirrorsPath     = "/mirrors.json"
	CredentialsPath = "/credentials.json"

	// DefaultMaxFiles bounds how many files one mirror may carry.
	DefaultMaxFiles = 8192
	// DefaultMaxBytes bounds the total content size of one mirror.
	DefaultMaxBytes = 32 << 20
)

// Direction states which side is the source of truth.
type Direction string

const (
	RemoteToLocal Direction = "REMOTE_TO_LOCAL"
	LocalToRemote Direction = "LOCAL_TO_REMOTE"
)

// ErrInvalidMirror rejects definitions that cannot run.
var ErrInvalidMirror = errors.New("invalid mirror definition")

// scheduleParser accepts standard five-field cron expressions with an
// optional seconds field; Quartz-style "?" is treated as "*".
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Mirror is one sync definition from /mirrors.json. Definitions are only
// ever replaced wholesale by a push, never mutated in place.
type Mirror struct {
	ID           string    `json:"id"`
	Enabled      bool      `json:"enabled"`
	Direction    Direction `json:"direction"`
	LocalRepo    string    `json:"localRepo"`
	LocalPath    string    `json:"localPath,omitempty"`
	Schedule     string    `json:"schedule"`
	RemoteScheme string    `json:"remoteScheme"`
	RemoteURL    string    `json:"remoteUrl"`
	RemotePath   string    `json:"remotePath,omitempty"`
	RemoteBranch string    `json:"remoteBranch,omitempty"`
	Gitignore    string    `json:"gitignore,omitempty"`
	CredentialID string    `json:"credentialId,omitempty"`
	Zone         string    `json:"zone,omitempty"`

	// Project is the owning project, filled in at load time.
	Project string `json:"-"`
}

// Credential is one entry of /credentials.json.
type Credential struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // "password" or "access_token"
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// Validate checks a definition before scheduling.
func (m *Mirror) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMirror)
	}
	if m.Direction != RemoteToLocal && m.Direction != LocalToRemote {
		return fmt.Errorf("%w: %s: unknown direction %q", ErrInvalidMirror, m.ID, m.Direction)
	}
	if m.LocalRepo == "" {
		return fmt.Errorf("%w: %s: missing localRepo", ErrInvalidMirror, m.ID)
	}
	if m.RemoteURL == "" {
		return fmt.Errorf("%w: %s: missing remoteUrl", ErrInvalidMirror, m.ID)
	}
	if _, err := scheduleParser.Parse(normalizeSchedule(m.Schedule)); err != nil {
		return fmt.Errorf("%w: %s: bad schedule %q: %v", ErrInvalidMirror, m.ID, m.Schedule, err)
	}
	return nil
}

// Period returns the interval between two consecutive fires of the
// schedule, measured from now.
func (m *Mirror) Period(now time.Time) time.Duration {
	sched, err := scheduleParser.Parse(normalizeSchedule(m.Schedule))
	if err != nil {
		return time.Minute
	}
	first := sched.Next(now)
	return sched.Next(first).Sub(first)
}

func normalizeSchedule(s string) string {
	return strings.ReplaceAll(s, "?", "*")
}

// localPrefix returns the local path as a directory prefix with leading and
// trailing slashes.
func (m *Mirror) localPrefix() string {
	return dirPrefix(m.LocalPath)
}

func (m *Mirror) remotePrefix() string {
	return dirPrefix(m.RemotePath)
}

func dirPrefix(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// ignorePatterns splits the gitignore field into matchable patterns.
func (m *Mirror) ignorePatterns() []string {
	if m.Gitignore == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(m.Gitignore, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// LoadProject reads the mirror definitions and credentials of one project.
// A project without a meta repository, or without the files, has none.
func LoadProject(ctx context.Context, store storage.Storage, project string) ([]Mirror, []Credential, error) {
	mirrors, err := loadJSON[[]Mirror](ctx, store, project, MirrorsPath)
	if err != nil {
		return nil, nil, err
	}
	for i := range mirrors {
		mirrors[i].Project = project
	}
	creds, err := loadJSON[[]Credential](ctx, store, project, CredentialsPath)
	if err != nil {
		return nil, nil, err
	}
	return mirrors, creds, nil
}

func loadJSON[T any](ctx context.Context, store storage.Storage, project, path string) (T, error) {
	var out T
	content, err := store.GetFile(ctx, project, MetaRepo, command.Head, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return out, nil
		}
		return out, fmt.Errorf("mirror: read %s/%s%s: %w", project, MetaRepo, path, err)
	}
	if err := json.Unmarshal(content, &out); err != nil {
		return out, fmt.Errorf("mirror: corrupt %s/%s%s: %w", project, MetaRepo, path, err)
	}
	return out, nil
}

// FindCredential resolves a mirror's credential reference; mirrors without
// one sync anonymously.
func FindCredential(creds []Credential, id string) (Credential, error) {
	if id == "" {
		return Credential{}, nil
	}
	for _, c := range creds {
		if c.ID == id {
			return c, nil
		}
	}
	return Credential{}, fmt.Errorf("%w: credential %q not found", ErrInvalidMirror, id)
}
