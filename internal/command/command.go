// Package command defines the write-operation algebra of the Dogma server:
// a closed tagged union of JSON-serializable commands, the changes a push
// may carry, and the canonical wire codec shared by the API layer and the
// replication log.
//
// Every command carries a shared header: the type tag, a commit timestamp
// in epoch milliseconds, and an author. Commands are immutable values;
// construct them with the New* helpers and never mutate them after handing
// them to an executor. Adding a new command requires a struct, a tag
// constant, a decoder-table entry and one executor dispatch arm. A replica
// that does not know a tag must fail the decode rather than silently skip
// a log entry.
package command

import (
	"fmt"
	"time"
)

// Type is the wire discriminator of a command.
type Type string

const (
	TypeCreateProject   Type = "CREATE_PROJECT"
	TypeRemoveProject   Type = "REMOVE_PROJECT"
	TypeUnremoveProject Type = "UNREMOVE_PROJECT"
	TypePurgeProject    Type = "PURGE_PROJECT"

	TypeResetMetaRepository Type = "RESET_META_REPOSITORY"

	TypeCreateRepository        Type = "CREATE_REPOSITORY"
	TypeRemoveRepository        Type = "REMOVE_REPOSITORY"
	TypeUnremoveRepository      Type = "UNREMOVE_REPOSITORY"
	TypePurgeRepository         Type = "PURGE_REPOSITORY"
	TypeCreateRollingRepository Type = "CREATE_ROLLING_REPOSITORY"
	TypeRotateWdek              Type = "ROTATE_WDEK"
	TypeUpdateRepositoryStatus  Type = "UPDATE_REPOSITORY_STATUS"

	// TypePush applies its changes verbatim; it is the only push variant the
	// replication log ever carries. TypeNormalizingPush is normalized against
	// the head before application. TypeTransform exists only in-process: a
	// transformer is a Go function and has no wire form, so it never appears
	// in the decoder table.
	TypePush            Type = "PUSH"
	TypeNormalizingPush Type = "NORMALIZING_PUSH"
	TypeTransform       Type = "TRANSFORM"

	TypeCreateSession          Type = "CREATE_SESSION"
	TypeRemoveSession          Type = "REMOVE_SESSION"
	TypeCreateSessionMasterKey Type = "CREATE_SESSION_MASTER_KEY"

	TypeUpdateServerStatus Type = "UPDATE_SERVER_STATUS"
	TypeForcePush          Type = "FORCE_PUSH"
)

// Base is the header shared by every command. The JSON key for the
// timestamp is commitTimeMillis; a legacy "timestamp" key is accepted on
// decode for log entries written by older servers.
type Base struct {
	CommitTimeMillis int64  `json:"commitTimeMillis,omitempty"`
	Author           Author `json:"author,omitzero"`
}

func (b *Base) header() *Base { return b }

// Command is the closed union of all write operations. Only types in this
// package implement it.
type Command interface {
	CommandType() Type
	header() *Base
}

// Header exposes a command's shared header for inspection and defaulting.
func Header(c Command) *Base { return c.header() }

// ApplyDefaults populates a missing timestamp from the clock and a missing
// author with System. Called once at enqueue time; decoded commands replayed
// from the log keep their original header.
func ApplyDefaults(c Command, now time.Time) {
	h := c.header()
	if h.CommitTimeMillis == 0 {
		h.CommitTimeMillis = now.UnixMilli()
	}
	if h.Author.IsZero() {
		h.Author = System
	}
}

// ─── Project lifecycle ───────────────────────────────────────────────────────

type CreateProject struct {
	Base
	ProjectName string `json:"projectName"`
}

type RemoveProject struct {
	Base
	ProjectName string `json:"projectName"`
}

type UnremoveProject struct {
	Base
	ProjectName string `json:"projectName"`
}

type PurgeProject struct {
	Base
	ProjectName string `json:"projectName"`
}

// ResetMetaRepository is accepted on the wire for compatibility with old
// servers but rejected at execution time; the meta-repository migration it
// served is complete.
type ResetMetaRepository struct {
	Base
	ProjectName string `json:"projectName"`
}

func (*CreateProject) CommandType() Type       { return TypeCreateProject }
func (*RemoveProject) CommandType() Type       { return TypeRemoveProject }
func (*UnremoveProject) CommandType() Type     { return TypeUnremoveProject }
func (*PurgeProject) CommandType() Type        { return TypePurgeProject }
func (*ResetMetaRepository) CommandType() Type { return TypeResetMetaRepository }

// ─── Repository lifecycle ────────────────────────────────────────────────────

type CreateRepository struct {
	Base
	ProjectName    string `json:"projectName"`
	RepositoryName string `json:"repositoryName"`
}

type RemoveRepository struct {
	Base
	ProjectName    string `json:"projectName"`
	RepositoryName string `json:"repositoryName"`
}

type UnremoveRepository struct {
	Base
	ProjectName    string `json:"projectName"`
	RepositoryName string `json:"repositoryName"`
}

type PurgeRepository struct {
	Base
	ProjectName    string `json:"projectName"`
	RepositoryName string `json:"repositoryName"`
}

// CreateRollingRepository creates a repository whose history is split into a
// primary (recent commits) and an archive once both retention thresholds are
// exceeded. History lookups transparently span both.
type CreateRollingRepository struct {
	Base
	ProjectName         string `json:"projectName"`
	RepositoryName      string `json:"repositoryName"`
	InitialRevision     int64  `json:"initialRevision"`
	MinRetentionCommits int    `json:"minRetentionCommits"`
	MinRetentionDays    int    `json:"minRetentionDays"`
}

// WdekDetails identifies the wrapped data-encryption key a rotation installs.
// The key material is opaque to the command pipeline.
type WdekDetails struct {
	KeyID      string `json:"keyId"`
	WrappedKey []byte `json:"wrappedKey"`
}

type RotateWdek struct {
	Base
	ProjectName    string      `json:"projectName"`
	RepositoryName string      `json:"repositoryName"`
	Wdek           WdekDetails `json:"wdek"`
}

// RepositoryStatus mirrors the per-repository replication flag.
type RepositoryStatus string

const (
	RepositoryActive   RepositoryStatus = "ACTIVE"
	RepositoryReadOnly RepositoryStatus = "READ_ONLY"
)

type UpdateRepositoryStatus struct {
	Base
	ProjectName    string           `json:"projectName"`
	RepositoryName string           `json:"repositoryName"`
	Status         RepositoryStatus `json:"status"`
}

func (*CreateRepository) CommandType() Type        { return TypeCreateRepository }
func (*RemoveRepository) CommandType() Type        { return TypeRemoveRepository }
func (*UnremoveRepository) CommandType() Type      { return TypeUnremoveRepository }
func (*PurgeRepository) CommandType() Type         { return TypePurgeRepository }
func (*CreateRollingRepository) CommandType() Type { return TypeCreateRollingRepository }
func (*RotateWdek) CommandType() Type              { return TypeRotateWdek }
func (*UpdateRepositoryStatus) CommandType() Type  { return TypeUpdateRepositoryStatus }

// ─── Push family ─────────────────────────────────────────────────────────────

// Push applies its changes verbatim against BaseRevision, which must equal
// the repository head at apply time (fast-forward) or the command fails with
// a conflict.
type Push struct {
	Base
	ProjectName    string   `json:"projectName"`
	RepositoryName string   `json:"repositoryName"`
	BaseRevision   Revision `json:"baseRevision"`
	Summary        string   `json:"summary"`
	Detail         string   `json:"detail,omitempty"`
	Markup         Markup   `json:"markup,omitempty"`
	Changes        []Change `json:"changes"`
	// ForcePushed marks commits admitted through a FORCE_PUSH wrapper while
	// the replica was read-only, for audit.
	ForcePushed bool `json:"forcePushed,omitempty"`
}

// NormalizingPush is normalized against the head before application: the
// server resolves patches, drops redundant upserts and rewrites renames, and
// the result carries the normalized change set.
type NormalizingPush struct {
	Push
}

// ContentTransformer rewrites a snapshot of repository content. It receives
// every file at the base revision keyed by path and returns the desired
// content; paths absent from the result are removed.
type ContentTransformer func(files map[string][]byte) (map[string][]byte, error)

// Transform asks the server to compute the change set itself by applying a
// transformer to the content at BaseRevision. It has no wire form: the
// replicated executor resolves it into a verbatim Push before the command
// reaches the log.
type Transform struct {
	Base
	ProjectName    string             `json:"projectName"`
	RepositoryName string             `json:"repositoryName"`
	BaseRevision   Revision           `json:"baseRevision"`
	Summary        string             `json:"summary"`
	Detail         string             `json:"detail,omitempty"`
	Markup         Markup             `json:"markup,omitempty"`
	Transformer    ContentTransformer `json:"-"`
}

func (*Push) CommandType() Type            { return TypePush }
func (*NormalizingPush) CommandType() Type { return TypeNormalizingPush }
func (*Transform) CommandType() Type       { return TypeTransform }

// ─── Sessions ────────────────────────────────────────────────────────────────

// Session is an authenticated login replicated across the cluster so that a
// client may talk to any replica.
type Session struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	CreationTime   time.Time `json:"creationTime"`
	ExpirationTime time.Time `json:"expirationTime"`
	CSRFToken      string    `json:"csrfToken,omitempty"`
}

type CreateSession struct {
	Base
	Session Session `json:"session"`
}

type RemoveSession struct {
	Base
	SessionID string `json:"sessionId"`
}

// CreateSessionMasterKey installs the wrapped master key that session
// payloads are sealed with. The key bytes are opaque here.
type CreateSessionMasterKey struct {
	Base
	MasterKey []byte `json:"masterKey"`
}

func (*CreateSession) CommandType() Type          { return TypeCreateSession }
func (*RemoveSession) CommandType() Type          { return TypeRemoveSession }
func (*CreateSessionMasterKey) CommandType() Type { return TypeCreateSessionMasterKey }

// ─── Administrative ──────────────────────────────────────────────────────────

// UpdateServerStatus toggles the replica-wide writable/replicating flags.
// Nil fields are left unchanged. Administrative: admitted in read-only mode.
type UpdateServerStatus struct {
	Base
	Writable    *bool `json:"writable,omitempty"`
	Replicating *bool `json:"replicating,omitempty"`
}

// ForcePush wraps any write command so it is admitted even while the replica
// is non-writable. Unwrapping is idempotent.
type ForcePush struct {
	Base
	Command Command `json:"-"`
}

func (*UpdateServerStatus) CommandType() Type { return TypeUpdateServerStatus }
func (*ForcePush) CommandType() Type          { return TypeForcePush }

// Unwrap peels ForcePush wrappers off a command. Safe on arbitrary nesting.
func Unwrap(c Command) Command {
	for {
		fp, ok := c.(*ForcePush)
		if !ok {
			return c
		}
		c = fp.Command
	}
}

// IsSystemAdministrative reports whether the command bypasses the
// read-only admission gate.
func IsSystemAdministrative(c Command) bool {
	switch c.(type) {
	case *ForcePush, *UpdateServerStatus:
		return true
	}
	return false
}

// Scope returns the project and repository a command addresses; empty
// strings when the command is not scoped that far.
func Scope(c Command) (project, repo string) {
	switch v := Unwrap(c).(type) {
	case *CreateProject:
		return v.ProjectName, ""
	case *RemoveProject:
		return v.ProjectName, ""
	case *UnremoveProject:
		return v.ProjectName, ""
	case *PurgeProject:
		return v.ProjectName, ""
	case *ResetMetaRepository:
		return v.ProjectName, ""
	case *CreateRepository:
		return v.ProjectName, v.RepositoryName
	case *RemoveRepository:
		return v.ProjectName, v.RepositoryName
	case *UnremoveRepository:
		return v.ProjectName, v.RepositoryName
	case *PurgeRepository:
		return v.ProjectName, v.RepositoryName
	case *CreateRollingRepository:
		return v.ProjectName, v.RepositoryName
	case *RotateWdek:
		return v.ProjectName, v.RepositoryName
	case *UpdateRepositoryStatus:
		return v.ProjectName, v.RepositoryName
	case *Push:
		return v.ProjectName, v.RepositoryName
	case *NormalizingPush:
		return v.ProjectName, v.RepositoryName
	case *Transform:
		return v.ProjectName, v.RepositoryName
	}
	return "", ""
}

// Validate checks a command's structural invariants. It does not touch
// repository state; conflicts and missing targets surface at apply time.
func Validate(c Command) error {
	switch v := c.(type) {
	case *CreateProject, *RemoveProject, *UnremoveProject, *PurgeProject, *ResetMetaRepository:
		if p, _ := Scope(c); p == "" {
			return fmt.Errorf("%w: %s requires projectName", ErrInvalid, c.CommandType())
		}
	case *CreateRepository, *RemoveRepository, *UnremoveRepository, *PurgeRepository,
		*RotateWdek, *UpdateRepositoryStatus:
		p, r := Scope(c)
		if p == "" || r == "" {
			return fmt.Errorf("%w: %s requires projectName and repositoryName", ErrInvalid, c.CommandType())
		}
	case *CreateRollingRepository:
		if v.ProjectName == "" || v.RepositoryName == "" {
			return fmt.Errorf("%w: %s requires projectName and repositoryName", ErrInvalid, c.CommandType())
		}
		if v.InitialRevision < 1 {
			return fmt.Errorf("%w: initialRevision must be positive", ErrInvalid)
		}
		if v.MinRetentionCommits < 0 || v.MinRetentionDays < 0 {
			return fmt.Errorf("%w: retention thresholds must not be negative", ErrInvalid)
		}
	case *Push:
		return validatePush(v)
	case *NormalizingPush:
		return validatePush(&v.Push)
	case *Transform:
		if v.ProjectName == "" || v.RepositoryName == "" {
			return fmt.Errorf("%w: TRANSFORM requires projectName and repositoryName", ErrInvalid)
		}
		if v.Transformer == nil {
			return fmt.Errorf("%w: TRANSFORM requires a transformer", ErrInvalid)
		}
	case *CreateSession:
		if v.Session.ID == "" {
			return fmt.Errorf("%w: CREATE_SESSION requires a session id", ErrInvalid)
		}
	case *RemoveSession:
		if v.SessionID == "" {
			return fmt.Errorf("%w: REMOVE_SESSION requires a session id", ErrInvalid)
		}
	case *CreateSessionMasterKey:
		if len(v.MasterKey) == 0 {
			return fmt.Errorf("%w: CREATE_SESSION_MASTER_KEY requires key material", ErrInvalid)
		}
	case *UpdateServerStatus:
		if v.Writable == nil && v.Replicating == nil {
			return fmt.Errorf("%w: UPDATE_SERVER_STATUS changes nothing", ErrInvalid)
		}
	case *ForcePush:
		if v.Command == nil {
			return fmt.Errorf("%w: FORCE_PUSH requires an inner command", ErrInvalid)
		}
		if _, nested := v.Command.(*ForcePush); nested {
			// Tolerated: Unwrap handles nesting, but reject obviously
			// malformed double-wrapping from buggy clients.
			return fmt.Errorf("%w: FORCE_PUSH must not wrap another FORCE_PUSH", ErrInvalid)
		}
		return Validate(v.Command)
	default:
		return fmt.Errorf("%w: unknown command %T", ErrInvalid, c)
	}
	return nil
}

func validatePush(p *Push) error {
	if p.ProjectName == "" || p.RepositoryName == "" {
		return fmt.Errorf("%w: push requires projectName and repositoryName", ErrInvalid)
	}
	if p.Summary == "" {
		return fmt.Errorf("%w: push requires a summary", ErrInvalid)
	}
	if len(p.Changes) == 0 {
		return fmt.Errorf("%w: push carries no changes", ErrInvalid)
	}
	for i := range p.Changes {
		if err := p.Changes[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
