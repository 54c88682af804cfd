package gormstore

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/storage"
)

// normalizeAgainst resolves a possibly relative revision against the
// repository's current head. Absolute revisions must lie inside the
// repository's history, which starts at InitialRevision.
func normalizeAgainst(tx *gorm.DB, r *Repository, rev command.Revision) (command.Revision, error) {
	head, err := headRevision(tx, r.ID)
	if err != nil {
		return command.Revision{}, err
	}
	n := rev.Major
	if rev.IsRelative() {
		n = head + rev.Major
	}
	if n < r.InitialRevision || n > head {
		return command.Revision{}, fmt.Errorf("revision %s (head %d): %w", rev, head, storage.ErrRevisionNotFound)
	}
	return command.NewRevision(n), nil
}

func (s *Store) NormalizeRevision(ctx context.Context, project, repo string, rev command.Revision) (command.Revision, error) {
	var out command.Revision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		out, err = normalizeAgainst(tx, r, rev)
		return err
	})
	return out, err
}

func (s *Store) Head(ctx context.Context, project, repo string) (command.Revision, error) {
	var out command.Revision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		head, err := headRevision(tx, r.ID)
		if err != nil {
			return err
		}
		out = command.NewRevision(head)
		return nil
	})
	return out, err
}

func (s *Store) GetFile(ctx context.Context, project, repo string, rev command.Revision, path string) ([]byte, error) {
	if err := command.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	var content []byte
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		n, err := normalizeAgainst(tx, r, rev)
		if err != nil {
			return err
		}
		c, ok, err := newTree(tx, r.ID, n.Major).get(path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("entry %s at %s: %w", path, n, storage.ErrNotFound)
		}
		content = c
		return nil
	})
	return content, err
}

func (s *Store) ListFiles(ctx context.Context, project, repo string, rev command.Revision, pathPrefix string) (map[string][]byte, error) {
	var files map[string][]byte
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		n, err := normalizeAgainst(tx, r, rev)
		if err != nil {
			return err
		}
		files, err = newTree(tx, r.ID, n.Major).snapshot(pathPrefix)
		return err
	})
	return files, err
}

func (s *Store) History(ctx context.Context, project, repo string, from, to command.Revision) ([]storage.CommitInfo, error) {
	var out []storage.CommitInfo
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		f, err := normalizeAgainst(tx, r, from)
		if err != nil {
			return err
		}
		t, err := normalizeAgainst(tx, r, to)
		if err != nil {
			return err
		}
		lo, hi := f.Major, t.Major
		descending := lo >= hi
		if descending {
			lo, hi = hi, lo
		}

		var live []Commit
		err = tx.Where("repository_id = ? AND revision BETWEEN ? AND ?", r.ID, lo, hi).
			Order("revision").Find(&live).Error
		if err != nil {
			return fmt.Errorf("gormstore: history of %s/%s: %w", project, repo, err)
		}
		var archived []ArchivedCommit
		err = tx.Where("repository_id = ? AND revision BETWEEN ? AND ?", r.ID, lo, hi).
			Order("revision").Find(&archived).Error
		if err != nil {
			return fmt.Errorf("gormstore: archived history of %s/%s: %w", project, repo, err)
		}

		out = make([]storage.CommitInfo, 0, len(live)+len(archived))
		for _, c := range archived {
			out = append(out, commitInfo(Commit(c)))
		}
		for _, c := range live {
			out = append(out, commitInfo(c))
		}
		sort.Slice(out, func(i, j int) bool {
			if descending {
				return out[i].Revision.Major > out[j].Revision.Major
			}
			return out[i].Revision.Major < out[j].Revision.Major
		})
		return nil
	})
	return out, err
}

func commitInfo(c Commit) storage.CommitInfo {
	return storage.CommitInfo{
		Revision:         command.NewRevision(c.Revision),
		Author:           command.Author{Name: c.AuthorName, Email: c.AuthorEmail},
		CommitTimeMillis: c.CommitTimeMillis,
		Summary:          c.Summary,
		Detail:           c.Detail,
		Markup:           command.Markup(c.Markup),
		ForcePushed:      c.ForcePushed,
	}
}

func (s *Store) Diff(ctx context.Context, project, repo string, from, to command.Revision) ([]command.Change, error) {
	var changes []command.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		f, err := normalizeAgainst(tx, r, from)
		if err != nil {
			return err
		}
		t, err := normalizeAgainst(tx, r, to)
		if err != nil {
			return err
		}
		before, err := newTree(tx, r.ID, f.Major).snapshot("")
		if err != nil {
			return err
		}
		after, err := newTree(tx, r.ID, t.Major).snapshot("")
		if err != nil {
			return err
		}
		changes = storage.DiffTrees(before, after)
		return nil
	})
	return changes, err
}
