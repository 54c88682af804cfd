package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by the project and repository
// models. ID uses UUID v7 (time-ordered) so B-tree inserts stay sequential
// and listing by ID is also listing by creation order. CreatedAt and
// UpdatedAt are managed by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Project is the top-level namespace. Removal is a soft mark (RemovedAt):
// removed projects stay addressable for unremove until a purge deletes them
// for real. GORM's DeletedAt does not fit here: removed rows must remain
// visible to listing and unremove.
type Project struct {
	Base
	Name      string `gorm:"uniqueIndex;not null"`
	CreatedBy string `gorm:"not null;default:''"`
	RemovedAt *time.Time
}

// Repository belongs to a project. Rolling repositories additionally carry
// retention settings that drive the history archiver.
type Repository struct {
	Base
	ProjectID           uuid.UUID `gorm:"type:text;not null;index:idx_repositories_project_name,unique"`
	Name                string    `gorm:"not null;index:idx_repositories_project_name,unique"`
	Status              string    `gorm:"not null;default:'ACTIVE'"` // "ACTIVE" or "READ_ONLY"
	Rolling             bool      `gorm:"not null;default:false"`
	InitialRevision     int64     `gorm:"not null;default:1"`
	MinRetentionCommits int       `gorm:"not null;default:0"`
	MinRetentionDays    int       `gorm:"not null;default:0"`
	WdekKeyID           string    `gorm:"not null;default:''"`
	WdekWrappedKey      []byte    `gorm:"type:text"`
	RemovedAt           *time.Time
}

// Commit is one entry of a repository's live history. The composite primary
// key (repository, revision) both enforces the dense-revision invariant and
// serves as the history index. Changes holds the normalized change set as a
// JSON array, which is what History and the replay fingerprint read back.
type Commit struct {
	RepositoryID     uuid.UUID `gorm:"type:text;primaryKey"`
	Revision         int64     `gorm:"primaryKey;autoIncrement:false"`
	AuthorName       string    `gorm:"not null;default:''"`
	AuthorEmail      string    `gorm:"not null;default:''"`
	CommitTimeMillis int64     `gorm:"not null"`
	Summary          string    `gorm:"not null;default:''"`
	Detail           string    `gorm:"type:text;not null;default:''"`
	Markup           string    `gorm:"not null;default:''"`
	ForcePushed      bool      `gorm:"not null;default:false"`
	Changes          []byte    `gorm:"type:text;not null"`
}

// ArchivedCommit mirrors Commit for history that a rolling repository's
// archiver has moved out of the live table. Entries are untouched by
// archival, so old revisions stay readable.
type ArchivedCommit struct {
	RepositoryID     uuid.UUID `gorm:"type:text;primaryKey"`
	Revision         int64     `gorm:"primaryKey;autoIncrement:false"`
	AuthorName       string    `gorm:"not null;default:''"`
	AuthorEmail      string    `gorm:"not null;default:''"`
	CommitTimeMillis int64     `gorm:"not null"`
	Summary          string    `gorm:"not null;default:''"`
	Detail           string    `gorm:"type:text;not null;default:''"`
	Markup           string    `gorm:"not null;default:''"`
	ForcePushed      bool      `gorm:"not null;default:false"`
	Changes          []byte    `gorm:"type:text;not null"`
}

// Entry records the state of one path at one revision: either new content or
// a tombstone (Deleted). A read at revision R resolves a path to its newest
// entry with revision <= R.
type Entry struct {
	RepositoryID uuid.UUID `gorm:"type:text;primaryKey"`
	Path         string    `gorm:"primaryKey"`
	Revision     int64     `gorm:"primaryKey;autoIncrement:false"`
	Deleted      bool      `gorm:"not null;default:false"`
	Content      []byte    `gorm:"type:text"`
}
