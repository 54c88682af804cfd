package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/storage"
)

// Names may start with an underscore to leave room for server-internal
// projects and repositories such as "_dogma" and "meta".
var nameRe = regexp.MustCompile(`^[_a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Store implements storage.Storage on a GORM database.
type Store struct {
	db  *gorm.DB
	log *zap.Logger

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
	gcBusy    map[string]bool
}

var _ storage.Storage = (*Store)(nil)

// New wraps an opened database (see Open) as a Store.
func New(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{
		db:        db,
		log:       log.Named("store"),
		repoLocks: make(map[string]*sync.Mutex),
		gcBusy:    make(map[string]bool),
	}
}

// lockRepo serializes mutations per repository. The executor already
// serializes commands globally; this guards direct callers such as the GC
// sweeper and transforms running off the command path.
func (s *Store) lockRepo(project, repo string) func() {
	key := project + "/" + repo
	s.mu.Lock()
	l, ok := s.repoLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.repoLocks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func validateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidName, name)
	}
	return nil
}

// getProject fetches a project row by name, removed or not.
func getProject(tx *gorm.DB, name string) (*Project, error) {
	var p Project
	if err := tx.Where("name = ?", name).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("project %s: %w", name, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("gormstore: load project %s: %w", name, err)
	}
	return &p, nil
}

// getLiveProject fetches a project that has not been marked removed.
func getLiveProject(tx *gorm.DB, name string) (*Project, error) {
	p, err := getProject(tx, name)
	if err != nil {
		return nil, err
	}
	if p.RemovedAt != nil {
		return nil, fmt.Errorf("project %s: %w", name, storage.ErrNotFound)
	}
	return p, nil
}

// getRepo fetches a repository row under a live project, removed or not.
func getRepo(tx *gorm.DB, project, repo string) (*Repository, error) {
	p, err := getLiveProject(tx, project)
	if err != nil {
		return nil, err
	}
	var r Repository
	if err := tx.Where("project_id = ? AND name = ?", p.ID, repo).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("repository %s/%s: %w", project, repo, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("gormstore: load repository %s/%s: %w", project, repo, err)
	}
	return &r, nil
}

// getLiveRepo fetches a repository that has not been marked removed.
func getLiveRepo(tx *gorm.DB, project, repo string) (*Repository, error) {
	r, err := getRepo(tx, project, repo)
	if err != nil {
		return nil, err
	}
	if r.RemovedAt != nil {
		return nil, fmt.Errorf("repository %s/%s: %w", project, repo, storage.ErrNotFound)
	}
	return r, nil
}

// headRevision reads the highest live commit revision of a repository.
func headRevision(tx *gorm.DB, repoID uuid.UUID) (int64, error) {
	var head *int64
	err := tx.Model(&Commit{}).Where("repository_id = ?", repoID).
		Select("MAX(revision)").Scan(&head).Error
	if err != nil {
		return 0, fmt.Errorf("gormstore: read head: %w", err)
	}
	if head == nil {
		return 0, nil
	}
	return *head, nil
}

// ---------------------------------------------------------------------------
// Project lifecycle
// ---------------------------------------------------------------------------

func (s *Store) CreateProject(ctx context.Context, name string, tsMillis int64, author command.Author) error {
	if err := validateName(name); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Project{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return fmt.Errorf("gormstore: check project %s: %w", name, err)
		}
		if count > 0 {
			return fmt.Errorf("project %s: %w", name, storage.ErrExists)
		}
		p := Project{Name: name, CreatedBy: author.Email}
		p.CreatedAt = time.UnixMilli(tsMillis).UTC()
		if err := tx.Create(&p).Error; err != nil {
			return fmt.Errorf("gormstore: create project %s: %w", name, err)
		}
		return nil
	})
}

func (s *Store) RemoveProject(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := getProject(tx, name)
		if err != nil {
			return err
		}
		if p.RemovedAt != nil {
			return fmt.Errorf("project %s: %w", name, storage.ErrAlreadyRemoved)
		}
		now := time.Now().UTC()
		if err := tx.Model(p).Update("removed_at", &now).Error; err != nil {
			return fmt.Errorf("gormstore: remove project %s: %w", name, err)
		}
		return nil
	})
}

func (s *Store) UnremoveProject(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := getProject(tx, name)
		if err != nil {
			return err
		}
		if p.RemovedAt == nil {
			return fmt.Errorf("project %s: %w", name, storage.ErrNotRemoved)
		}
		if err := tx.Model(p).Update("removed_at", nil).Error; err != nil {
			return fmt.Errorf("gormstore: unremove project %s: %w", name, err)
		}
		return nil
	})
}

func (s *Store) PurgeProject(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := getProject(tx, name)
		if err != nil {
			return err
		}
		if p.RemovedAt == nil {
			return fmt.Errorf("project %s: %w", name, storage.ErrNotRemoved)
		}
		var repos []Repository
		if err := tx.Where("project_id = ?", p.ID).Find(&repos).Error; err != nil {
			return fmt.Errorf("gormstore: list repositories of %s: %w", name, err)
		}
		for i := range repos {
			if err := purgeRepoRows(tx, &repos[i]); err != nil {
				return err
			}
		}
		if err := tx.Delete(p).Error; err != nil {
			return fmt.Errorf("gormstore: purge project %s: %w", name, err)
		}
		return nil
	})
}

func (s *Store) ListProjects(ctx context.Context, includeRemoved bool) ([]storage.ProjectInfo, error) {
	q := s.db.WithContext(ctx).Model(&Project{}).Order("name")
	if !includeRemoved {
		q = q.Where("removed_at IS NULL")
	}
	var rows []Project
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list projects: %w", err)
	}
	out := make([]storage.ProjectInfo, 0, len(rows))
	for _, p := range rows {
		out = append(out, storage.ProjectInfo{
			Name:      p.Name,
			CreatedAt: p.CreatedAt,
			RemovedAt: p.RemovedAt,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Repository lifecycle
// ---------------------------------------------------------------------------

func (s *Store) CreateRepository(ctx context.Context, project, repo string, tsMillis int64, author command.Author) error {
	return s.createRepository(ctx, project, repo, tsMillis, author, 1, 0, 0, false)
}

func (s *Store) CreateRollingRepository(ctx context.Context, project, repo string, initialRevision int64, minRetentionCommits, minRetentionDays int, tsMillis int64, author command.Author) error {
	if initialRevision < 1 {
		return fmt.Errorf("%w: initial revision %d", storage.ErrInvalidRetention, initialRevision)
	}
	if minRetentionCommits < 0 || minRetentionDays < 0 {
		return fmt.Errorf("%w: commits=%d days=%d", storage.ErrInvalidRetention, minRetentionCommits, minRetentionDays)
	}
	return s.createRepository(ctx, project, repo, tsMillis, author, initialRevision, minRetentionCommits, minRetentionDays, true)
}

func (s *Store) createRepository(ctx context.Context, project, repo string, tsMillis int64, author command.Author, initialRevision int64, minRetentionCommits, minRetentionDays int, rolling bool) error {
	if err := validateName(repo); err != nil {
		return err
	}
	unlock := s.lockRepo(project, repo)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := getLiveProject(tx, project)
		if err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&Repository{}).Where("project_id = ? AND name = ?", p.ID, repo).Count(&count).Error; err != nil {
			return fmt.Errorf("gormstore: check repository %s/%s: %w", project, repo, err)
		}
		if count > 0 {
			return fmt.Errorf("repository %s/%s: %w", project, repo, storage.ErrExists)
		}
		r := Repository{
			ProjectID:           p.ID,
			Name:                repo,
			Status:              string(command.RepositoryActive),
			Rolling:             rolling,
			InitialRevision:     initialRevision,
			MinRetentionCommits: minRetentionCommits,
			MinRetentionDays:    minRetentionDays,
		}
		r.CreatedAt = time.UnixMilli(tsMillis).UTC()
		if err := tx.Create(&r).Error; err != nil {
			return fmt.Errorf("gormstore: create repository %s/%s: %w", project, repo, err)
		}
		// Every repository starts with an empty initial commit so that the
		// first push can use it as the base revision.
		initial := Commit{
			RepositoryID:     r.ID,
			Revision:         initialRevision,
			AuthorName:       author.Name,
			AuthorEmail:      author.Email,
			CommitTimeMillis: tsMillis,
			Summary:          "Create a new repository",
			Changes:          []byte("[]"),
		}
		if err := tx.Create(&initial).Error; err != nil {
			return fmt.Errorf("gormstore: create initial commit of %s/%s: %w", project, repo, err)
		}
		return nil
	})
}

func (s *Store) RemoveRepository(ctx context.Context, project, repo string) error {
	unlock := s.lockRepo(project, repo)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getRepo(tx, project, repo)
		if err != nil {
			return err
		}
		if r.RemovedAt != nil {
			return fmt.Errorf("repository %s/%s: %w", project, repo, storage.ErrAlreadyRemoved)
		}
		now := time.Now().UTC()
		if err := tx.Model(r).Update("removed_at", &now).Error; err != nil {
			return fmt.Errorf("gormstore: remove repository %s/%s: %w", project, repo, err)
		}
		return nil
	})
}

func (s *Store) UnremoveRepository(ctx context.Context, project, repo string) error {
	unlock := s.lockRepo(project, repo)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getRepo(tx, project, repo)
		if err != nil {
			return err
		}
		if r.RemovedAt == nil {
			return fmt.Errorf("repository %s/%s: %w", project, repo, storage.ErrNotRemoved)
		}
		if err := tx.Model(r).Update("removed_at", nil).Error; err != nil {
			return fmt.Errorf("gormstore: unremove repository %s/%s: %w", project, repo, err)
		}
		return nil
	})
}

func (s *Store) PurgeRepository(ctx context.Context, project, repo string) error {
	unlock := s.lockRepo(project, repo)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getRepo(tx, project, repo)
		if err != nil {
			return err
		}
		if r.RemovedAt == nil {
			return fmt.Errorf("repository %s/%s: %w", project, repo, storage.ErrNotRemoved)
		}
		return purgeRepoRows(tx, r)
	})
}

// purgeRepoRows hard-deletes a repository and everything hanging off it.
func purgeRepoRows(tx *gorm.DB, r *Repository) error {
	for _, del := range []interface{}{&Commit{}, &ArchivedCommit{}, &Entry{}} {
		if err := tx.Where("repository_id = ?", r.ID).Delete(del).Error; err != nil {
			return fmt.Errorf("gormstore: purge repository %s: %w", r.Name, err)
		}
	}
	if err := tx.Delete(r).Error; err != nil {
		return fmt.Errorf("gormstore: purge repository %s: %w", r.Name, err)
	}
	return nil
}

func (s *Store) ListRepositories(ctx context.Context, project string, includeRemoved bool) ([]storage.RepositoryInfo, error) {
	var out []storage.RepositoryInfo
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := getLiveProject(tx, project)
		if err != nil {
			return err
		}
		q := tx.Where("project_id = ?", p.ID).Order("name")
		if !includeRemoved {
			q = q.Where("removed_at IS NULL")
		}
		var rows []Repository
		if err := q.Find(&rows).Error; err != nil {
			return fmt.Errorf("gormstore: list repositories of %s: %w", project, err)
		}
		for i := range rows {
			head, err := headRevision(tx, rows[i].ID)
			if err != nil {
				return err
			}
			out = append(out, storage.RepositoryInfo{
				Project:   project,
				Name:      rows[i].Name,
				Head:      command.NewRevision(head),
				Status:    command.RepositoryStatus(rows[i].Status),
				Rolling:   rows[i].Rolling,
				RemovedAt: rows[i].RemovedAt,
			})
		}
		return nil
	})
	return out, err
}

func (s *Store) UpdateRepositoryStatus(ctx context.Context, project, repo string, status command.RepositoryStatus) error {
	if status != command.RepositoryActive && status != command.RepositoryReadOnly {
		return fmt.Errorf("%w: repository status %q", storage.ErrInvalidChange, status)
	}
	unlock := s.lockRepo(project, repo)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		if err := tx.Model(r).Update("status", string(status)).Error; err != nil {
			return fmt.Errorf("gormstore: update status of %s/%s: %w", project, repo, err)
		}
		return nil
	})
}

func (s *Store) RotateWdek(ctx context.Context, project, repo string, wdek command.WdekDetails) error {
	unlock := s.lockRepo(project, repo)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{
			"wdek_key_id":      wdek.KeyID,
			"wdek_wrapped_key": wdek.WrappedKey,
		}
		if err := tx.Model(r).Updates(updates).Error; err != nil {
			return fmt.Errorf("gormstore: rotate wdek of %s/%s: %w", project, repo, err)
		}
		return nil
	})
}

// marshalChanges serializes a normalized change set for the commit row.
func marshalChanges(changes []command.Change) ([]byte, error) {
	if len(changes) == 0 {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("gormstore: marshal changes: %w", err)
	}
	return b, nil
}
