package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/storage"
)

// tree reads repository content at a fixed revision with an in-memory
// overlay, so that changes inside one push observe the effect of the changes
// before them.
type tree struct {
	tx     *gorm.DB
	repoID uuid.UUID
	rev    int64

	upserts map[string][]byte
	deletes map[string]bool
}

func newTree(tx *gorm.DB, repoID uuid.UUID, rev int64) *tree {
	return &tree{
		tx:      tx,
		repoID:  repoID,
		rev:     rev,
		upserts: make(map[string][]byte),
		deletes: make(map[string]bool),
	}
}

// get resolves a path to its content, overlay first, then the newest entry
// at or below the tree's revision.
func (t *tree) get(path string) ([]byte, bool, error) {
	if t.deletes[path] {
		return nil, false, nil
	}
	if content, ok := t.upserts[path]; ok {
		return content, true, nil
	}
	var e Entry
	err := t.tx.Where("repository_id = ? AND path = ? AND revision <= ?", t.repoID, path, t.rev).
		Order("revision DESC").First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("gormstore: read entry %s: %w", path, err)
	}
	if e.Deleted {
		return nil, false, nil
	}
	return e.Content, true, nil
}

// snapshot materializes every live path of the tree. prefix narrows the
// result to paths under that directory ("" or "/" keeps everything).
func (t *tree) snapshot(prefix string) (map[string][]byte, error) {
	var rows []Entry
	err := t.tx.Where("repository_id = ? AND revision <= ?", t.repoID, t.rev).
		Order("path, revision").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: read tree: %w", err)
	}
	out := make(map[string][]byte)
	// Rows arrive sorted by (path, revision); the last row per path wins.
	for _, e := range rows {
		if e.Deleted {
			delete(out, e.Path)
		} else {
			out[e.Path] = e.Content
		}
	}
	for p := range t.deletes {
		delete(out, p)
	}
	for p, c := range t.upserts {
		out[p] = c
	}
	if prefix != "" && prefix != "/" {
		for p := range out {
			if p != prefix && !command.IsDirPrefixOf(prefix, p) {
				delete(out, p)
			}
		}
	}
	return out, nil
}

func (t *tree) upsert(path string, content []byte) {
	delete(t.deletes, path)
	t.upserts[path] = content
}

func (t *tree) remove(path string) {
	delete(t.upserts, path)
	t.deletes[path] = true
}

// resolveChanges applies a change set against the tree at base, mutating the
// tree's overlay, and returns the normalized change set: patches resolved to
// upserts, no-op upserts and removes of nothing dropped, renames expanded
// onto the overlay but kept as RENAME in the normalized form.
func resolveChanges(t *tree, changes []command.Change) ([]command.Change, error) {
	var norm []command.Change
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidChange, err)
		}
		switch c.Type {
		case command.ChangeUpsertText, command.ChangeUpsertYAML:
			text, err := c.Text()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", storage.ErrInvalidChange, err)
			}
			text = command.SanitizeText(text)
			cur, ok, err := t.get(c.Path)
			if err != nil {
				return nil, err
			}
			if ok && string(cur) == text {
				continue
			}
			t.upsert(c.Path, []byte(text))
			if c.Type == command.ChangeUpsertYAML {
				norm = append(norm, command.UpsertYAML(c.Path, text))
			} else {
				norm = append(norm, command.UpsertText(c.Path, text))
			}

		case command.ChangeUpsertJSON:
			compacted := command.UpsertJSON(c.Path, c.Content)
			cur, ok, err := t.get(c.Path)
			if err != nil {
				return nil, err
			}
			if ok && storage.JSONEqual(cur, compacted.Content) {
				continue
			}
			t.upsert(c.Path, compacted.Content)
			norm = append(norm, compacted)

		case command.ChangeRemove:
			if _, ok, err := t.get(c.Path); err != nil {
				return nil, err
			} else if ok {
				t.remove(c.Path)
				norm = append(norm, command.Remove(c.Path))
				continue
			}
			children, err := t.snapshot(c.Path)
			if err != nil {
				return nil, err
			}
			if len(children) == 0 {
				return nil, fmt.Errorf("%w: nothing to remove at %s", storage.ErrInvalidChange, c.Path)
			}
			for p := range children {
				t.remove(p)
			}
			norm = append(norm, command.Remove(c.Path))

		case command.ChangeRename:
			target, err := c.NewPath()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", storage.ErrInvalidChange, err)
			}
			if _, ok, err := t.get(target); err != nil {
				return nil, err
			} else if ok {
				return nil, fmt.Errorf("%w: rename target %s exists", storage.ErrInvalidChange, target)
			}
			if occupied, err := t.snapshot(target); err != nil {
				return nil, err
			} else if len(occupied) > 0 {
				return nil, fmt.Errorf("%w: rename target %s exists", storage.ErrInvalidChange, target)
			}
			if content, ok, err := t.get(c.Path); err != nil {
				return nil, err
			} else if ok {
				t.remove(c.Path)
				t.upsert(target, content)
				norm = append(norm, command.Rename(c.Path, target))
				continue
			}
			children, err := t.snapshot(c.Path)
			if err != nil {
				return nil, err
			}
			if len(children) == 0 {
				return nil, fmt.Errorf("%w: nothing to rename at %s", storage.ErrInvalidChange, c.Path)
			}
			for p, content := range children {
				t.remove(p)
				t.upsert(target+p[len(c.Path):], content)
			}
			norm = append(norm, command.Rename(c.Path, target))

		case command.ChangeApplyJSONPatch:
			cur, ok, err := t.get(c.Path)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: no entry to patch at %s", storage.ErrInvalidChange, c.Path)
			}
			patch, err := jsonpatch.DecodePatch(c.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: bad JSON patch at %s: %v", storage.ErrInvalidChange, c.Path, err)
			}
			patched, err := patch.Apply(cur)
			if err != nil {
				return nil, fmt.Errorf("%w: JSON patch at %s does not apply: %v", storage.ErrInvalidChange, c.Path, err)
			}
			if storage.JSONEqual(cur, patched) {
				continue
			}
			resolved := command.UpsertJSON(c.Path, patched)
			t.upsert(c.Path, resolved.Content)
			norm = append(norm, resolved)

		case command.ChangeApplyTextPatch:
			cur, ok, err := t.get(c.Path)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: no entry to patch at %s", storage.ErrInvalidChange, c.Path)
			}
			diff, err := c.Text()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", storage.ErrInvalidChange, err)
			}
			patched, err := command.ApplyUnifiedDiff(string(cur), diff)
			if err != nil {
				return nil, fmt.Errorf("%w: text patch at %s does not apply: %v", storage.ErrInvalidChange, c.Path, err)
			}
			if patched == string(cur) {
				continue
			}
			t.upsert(c.Path, []byte(patched))
			norm = append(norm, command.UpsertText(c.Path, patched))

		default:
			return nil, fmt.Errorf("%w: unknown change type %q", storage.ErrInvalidChange, c.Type)
		}
	}
	return norm, nil
}

// entryRows turns the tree's overlay into entry rows at the given revision.
// Rows are sorted by path so inserts hit the composite index in order.
func (t *tree) entryRows(rev int64) []Entry {
	rows := make([]Entry, 0, len(t.upserts)+len(t.deletes))
	for p := range t.deletes {
		rows = append(rows, Entry{RepositoryID: t.repoID, Path: p, Revision: rev, Deleted: true})
	}
	for p, content := range t.upserts {
		rows = append(rows, Entry{RepositoryID: t.repoID, Path: p, Revision: rev, Content: content})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows
}

func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) (command.CommitResult, error) {
	unlock := s.lockRepo(req.Project, req.Repository)
	defer unlock()

	var result command.CommitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, req.Project, req.Repository)
		if err != nil {
			return err
		}
		if r.Status == string(command.RepositoryReadOnly) && !req.ForcePushed {
			return fmt.Errorf("repository %s/%s: %w", req.Project, req.Repository, storage.ErrReadOnly)
		}
		head, err := headRevision(tx, r.ID)
		if err != nil {
			return err
		}

		base := req.BaseRevision
		if base.IsRelative() {
			base = command.NewRevision(head + base.Major)
		}
		if base.Major != head {
			// A push replayed after a crash carries the fingerprint of the
			// commit it already produced; report it as redundant so the
			// caller can treat it as success with the unchanged head.
			if base.Major == head-1 {
				var last Commit
				err := tx.Where("repository_id = ? AND revision = ?", r.ID, head).First(&last).Error
				if err == nil &&
					last.CommitTimeMillis == req.CommitTimeMillis &&
					last.AuthorName == req.Author.Name &&
					last.AuthorEmail == req.Author.Email &&
					last.Summary == req.Summary {
					result = command.CommitResult{Revision: command.NewRevision(head)}
					return fmt.Errorf("push already applied as revision %d: %w", head, storage.ErrRedundantChange)
				}
			}
			return fmt.Errorf("base %s does not match head %d: %w", req.BaseRevision, head, storage.ErrConflict)
		}

		t := newTree(tx, r.ID, head)
		norm, err := resolveChanges(t, req.Changes)
		if err != nil {
			return err
		}
		if len(norm) == 0 {
			result = command.CommitResult{Revision: command.NewRevision(head)}
			return fmt.Errorf("nothing to commit: %w", storage.ErrRedundantChange)
		}

		newRev := head + 1
		changesJSON, err := marshalChanges(norm)
		if err != nil {
			return err
		}
		row := Commit{
			RepositoryID:     r.ID,
			Revision:         newRev,
			AuthorName:       req.Author.Name,
			AuthorEmail:      req.Author.Email,
			CommitTimeMillis: req.CommitTimeMillis,
			Summary:          req.Summary,
			Detail:           req.Detail,
			Markup:           string(req.Markup),
			ForcePushed:      req.ForcePushed,
			Changes:          changesJSON,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("gormstore: insert commit %d of %s/%s: %w", newRev, req.Project, req.Repository, err)
		}
		if rows := t.entryRows(newRev); len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("gormstore: insert entries of %s/%s@%d: %w", req.Project, req.Repository, newRev, err)
			}
		}
		result = command.CommitResult{Revision: command.NewRevision(newRev), Changes: norm}
		return nil
	})
	if err != nil {
		return result, err
	}
	s.log.Debug("committed",
		zap.String("project", req.Project),
		zap.String("repository", req.Repository),
		zap.Int64("revision", result.Revision.Major),
		zap.Int("changes", len(result.Changes)))
	return result, nil
}

func (s *Store) PreviewDiff(ctx context.Context, project, repo string, base command.Revision, changes []command.Change) ([]command.Change, error) {
	var norm []command.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		rev, err := normalizeAgainst(tx, r, base)
		if err != nil {
			return err
		}
		norm, err = resolveChanges(newTree(tx, r.ID, rev.Major), changes)
		return err
	})
	return norm, err
}

func (s *Store) ApplyTransform(ctx context.Context, project, repo string, base command.Revision, tsMillis int64, author command.Author, summary string, transformer command.ContentTransformer) (command.CommitResult, error) {
	if transformer == nil {
		return command.CommitResult{}, fmt.Errorf("%w: nil transformer", storage.ErrInvalidChange)
	}

	// Snapshot, transform, and diff outside the commit lock would race with
	// concurrent pushes; the executor serializes per repository, so holding
	// the commit path open for the transformer's duration is acceptable.
	var before map[string][]byte
	var rev command.Revision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		rev, err = normalizeAgainst(tx, r, base)
		if err != nil {
			return err
		}
		before, err = newTree(tx, r.ID, rev.Major).snapshot("")
		return err
	})
	if err != nil {
		return command.CommitResult{}, err
	}

	// Hand the transformer a copy; it must not reach back into the store.
	input := make(map[string][]byte, len(before))
	for p, c := range before {
		input[p] = append([]byte(nil), c...)
	}
	after, err := transformer(input)
	if err != nil {
		return command.CommitResult{}, fmt.Errorf("%w: transformer: %v", storage.ErrInvalidChange, err)
	}

	changes := storage.DiffTrees(before, after)
	if len(changes) == 0 {
		return command.CommitResult{Revision: rev}, fmt.Errorf("transform produced no change: %w", storage.ErrRedundantChange)
	}
	return s.Commit(ctx, storage.CommitRequest{
		Project:          project,
		Repository:       repo,
		BaseRevision:     rev,
		CommitTimeMillis: tsMillis,
		Author:           author,
		Summary:          summary,
		Changes:          changes,
		Normalize:        true,
	})
}

func (s *Store) GC(ctx context.Context, project, repo string) (command.Revision, error) {
	key := project + "/" + repo
	s.mu.Lock()
	if s.gcBusy[key] {
		s.mu.Unlock()
		return command.Revision{}, fmt.Errorf("gc of %s: %w", key, storage.ErrBusy)
	}
	s.gcBusy[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.gcBusy, key)
		s.mu.Unlock()
	}()

	unlock := s.lockRepo(project, repo)
	defer unlock()

	var head command.Revision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := getLiveRepo(tx, project, repo)
		if err != nil {
			return err
		}
		h, err := headRevision(tx, r.ID)
		if err != nil {
			return err
		}
		head = command.NewRevision(h)
		if !r.Rolling {
			return nil
		}

		// Keep the newest MinRetentionCommits commits (at least the head),
		// and nothing younger than MinRetentionDays, then move the rest to
		// the archive. Entries stay, so archived revisions remain readable.
		threshold := h - int64(r.MinRetentionCommits)
		if threshold >= h {
			threshold = h - 1
		}
		cutoffMillis := time.Now().Add(-time.Duration(r.MinRetentionDays) * 24 * time.Hour).UnixMilli()

		var victims []Commit
		err = tx.Where("repository_id = ? AND revision <= ? AND commit_time_millis < ?", r.ID, threshold, cutoffMillis).
			Order("revision").Find(&victims).Error
		if err != nil {
			return fmt.Errorf("gormstore: gc scan %s: %w", key, err)
		}
		if len(victims) == 0 {
			return nil
		}
		archived := make([]ArchivedCommit, len(victims))
		for i, c := range victims {
			archived[i] = ArchivedCommit(c)
		}
		if err := tx.Create(&archived).Error; err != nil {
			return fmt.Errorf("gormstore: gc archive %s: %w", key, err)
		}
		err = tx.Where("repository_id = ? AND revision <= ? AND commit_time_millis < ?", r.ID, threshold, cutoffMillis).
			Delete(&Commit{}).Error
		if err != nil {
			return fmt.Errorf("gormstore: gc trim %s: %w", key, err)
		}
		s.log.Info("archived rolling history",
			zap.String("repository", key),
			zap.Int("commits", len(victims)),
			zap.Int64("through", victims[len(victims)-1].Revision))
		return nil
	})
	return head, err
}
