package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/storage"
)

// ErrMirrorTooLarge is returned when a sync would exceed the per-mirror file
// count or byte limits.
var ErrMirrorTooLarge = errors.New("mirror: content exceeds limits")

// Commander submits write commands to the replicated pipeline.
type Commander interface {
	Execute(ctx context.Context, cmd command.Command) (executor.Result, error)
}

// Runner performs a single mirror sync in either direction. Remote trees are
// checked out into an in-memory filesystem, never onto disk.
type Runner struct {
	store    storage.Storage
	exec     Commander
	clock    clockwork.Clock
	maxFiles int
	maxBytes int64
	log      *zap.Logger
}

// NewRunner creates a Runner with the default size limits.
func NewRunner(store storage.Storage, exec Commander, clock clockwork.Clock, logger *zap.Logger) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		store:    store,
		exec:     exec,
		clock:    clock,
		maxFiles: DefaultMaxFiles,
		maxBytes: DefaultMaxBytes,
		log:      logger.Named("mirror"),
	}
}

// Run executes one sync of the given mirror.
func (r *Runner) Run(ctx context.Context, m Mirror, cred Credential) error {
	if err := m.Validate(); err != nil {
		return err
	}
	switch m.Direction {
	case RemoteToLocal:
		return r.remoteToLocal(ctx, m, cred)
	case LocalToRemote:
		return r.localToRemote(ctx, m, cred)
	default:
		return fmt.Errorf("%w: %s: unknown direction %q", ErrInvalidMirror, m.ID, m.Direction)
	}
}

// remoteToLocal clones the remote branch and pushes the difference against
// the local tree as a single normalizing push. The push travels through the
// replication log like any other write, so followers converge without
// running the sync themselves.
func (r *Runner) remoteToLocal(ctx context.Context, m Mirror, cred Credential) error {
	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), r.cloneOptions(m, cred, true))
	if err != nil {
		return fmt.Errorf("mirror %s: clone %s: %w", m.ID, m.RemoteURL, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("mirror %s: worktree: %w", m.ID, err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("mirror %s: resolve head: %w", m.ID, err)
	}

	desired, err := r.collectRemote(wt.Filesystem, m)
	if err != nil {
		return err
	}
	before, err := r.store.ListFiles(ctx, m.Project, m.LocalRepo, command.Head, listPrefix(m.localPrefix()))
	if err != nil {
		return fmt.Errorf("mirror %s: list %s/%s: %w", m.ID, m.Project, m.LocalRepo, err)
	}
	changes := storage.DiffTrees(before, desired)
	if len(changes) == 0 {
		r.log.Debug("remote and local trees already match",
			zap.String("mirror", m.ID), zap.String("commit", head.Hash().String()))
		return nil
	}

	now := r.clock.Now()
	_, err = r.exec.Execute(ctx, &command.NormalizingPush{Push: command.Push{
		Base:           command.Base{CommitTimeMillis: now.UnixMilli(), Author: command.System},
		ProjectName:    m.Project,
		RepositoryName: m.LocalRepo,
		BaseRevision:   command.Head,
		Summary:        fmt.Sprintf("Mirror %s", m.ID),
		Detail:         fmt.Sprintf("Mirrored from %s at commit %s", m.RemoteURL, head.Hash()),
		Changes:        changes,
	}})
	if err != nil {
		return fmt.Errorf("mirror %s: push: %w", m.ID, err)
	}
	r.log.Info("mirrored remote into local repository",
		zap.String("mirror", m.ID),
		zap.String("commit", head.Hash().String()),
		zap.Int("changes", len(changes)))
	return nil
}

// localToRemote replaces the remote subtree with the local one and pushes a
// commit when anything changed. Unlike remoteToLocal this writes directly to
// the remote, so it must only ever run on one replica at a time.
func (r *Runner) localToRemote(ctx context.Context, m Mirror, cred Credential) error {
	auth := basicAuth(cred)
	st := memory.NewStorage()
	fs := memfs.New()

	repo, err := git.CloneContext(ctx, st, fs, r.cloneOptions(m, cred, false))
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		repo, err = r.initEmptyRemote(st, fs, m)
	}
	if err != nil {
		return fmt.Errorf("mirror %s: clone %s: %w", m.ID, m.RemoteURL, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("mirror %s: worktree: %w", m.ID, err)
	}

	files, err := r.store.ListFiles(ctx, m.Project, m.LocalRepo, command.Head, listPrefix(m.localPrefix()))
	if err != nil {
		return fmt.Errorf("mirror %s: list %s/%s: %w", m.ID, m.Project, m.LocalRepo, err)
	}
	if err := r.checkLimits(m, files); err != nil {
		return err
	}

	if err := r.replaceRemoteTree(wt, m, files); err != nil {
		return err
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("mirror %s: status: %w", m.ID, err)
	}
	if status.IsClean() {
		r.log.Debug("remote already up to date", zap.String("mirror", m.ID))
		return nil
	}

	now := r.clock.Now()
	hash, err := wt.Commit(fmt.Sprintf("Mirror %s/%s", m.Project, m.LocalRepo), &git.CommitOptions{
		Author: &object.Signature{Name: command.System.Name, Email: command.System.Email, When: now},
	})
	if err != nil {
		return fmt.Errorf("mirror %s: commit: %w", m.ID, err)
	}
	if err := repo.PushContext(ctx, &git.PushOptions{Auth: auth}); err != nil {
		return fmt.Errorf("mirror %s: push %s: %w", m.ID, m.RemoteURL, err)
	}
	r.log.Info("mirrored local repository to remote",
		zap.String("mirror", m.ID), zap.String("commit", hash.String()))
	return nil
}

func (r *Runner) cloneOptions(m Mirror, cred Credential, shallow bool) *git.CloneOptions {
	opts := &git.CloneOptions{
		URL:  resolveURL(m),
		Auth: basicAuth(cred),
	}
	if m.RemoteBranch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(m.RemoteBranch)
		opts.SingleBranch = true
	}
	// Local-filesystem remotes skip the shallow negotiation.
	if shallow && (m.RemoteScheme == "git+https" || m.RemoteScheme == "git+http") {
		opts.Depth = 1
	}
	return opts
}

// initEmptyRemote prepares a fresh repository for the first push to a remote
// that has no commits yet.
func (r *Runner) initEmptyRemote(st *memory.Storage, fs billy.Filesystem, m Mirror) (*git.Repository, error) {
	branch := m.RemoteBranch
	if branch == "" {
		branch = "main"
	}
	repo, err := git.InitWithOptions(st, fs, git.InitOptions{
		DefaultBranch: plumbing.NewBranchReferenceName(branch),
	})
	if err != nil {
		return nil, err
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{resolveURL(m)},
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// collectRemote reads every mirrored file out of the checked-out worktree,
// keyed by its target path in the local repository.
func (r *Runner) collectRemote(fs billy.Filesystem, m Mirror) (map[string][]byte, error) {
	remotePrefix := m.remotePrefix()
	localPrefix := m.localPrefix()
	patterns := m.ignorePatterns()
	out := make(map[string][]byte)
	var total int64

	err := util.Walk(fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		p = "/" + strings.TrimPrefix(p, "/")
		if strings.HasPrefix(p, "/"+git.GitDirName+"/") {
			return nil
		}
		if remotePrefix != "/" && !strings.HasPrefix(p, remotePrefix) {
			return nil
		}
		rel := strings.TrimPrefix(p, remotePrefix)
		if ignored(patterns, rel) {
			return nil
		}
		content, err := util.ReadFile(fs, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		out[localPrefix+rel] = content
		total += int64(len(content))
		if len(out) > r.maxFiles || total > r.maxBytes {
			return fmt.Errorf("%w: %s: more than %d files or %d bytes",
				ErrMirrorTooLarge, m.ID, r.maxFiles, r.maxBytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mirror %s: walk remote tree: %w", m.ID, err)
	}
	return out, nil
}

// replaceRemoteTree makes the worktree subtree under remotePath an exact
// copy of the local files.
func (r *Runner) replaceRemoteTree(wt *git.Worktree, m Mirror, files map[string][]byte) error {
	remotePrefix := m.remotePrefix()
	localPrefix := m.localPrefix()
	patterns := m.ignorePatterns()

	desired := make(map[string][]byte, len(files))
	for p, content := range files {
		rel := strings.TrimPrefix(p, localPrefix)
		if ignored(patterns, rel) {
			continue
		}
		desired[strings.TrimPrefix(remotePrefix+rel, "/")] = content
	}

	// Drop files the local side no longer has.
	var stale []string
	err := util.Walk(wt.Filesystem, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		p = "/" + strings.TrimPrefix(p, "/")
		if strings.HasPrefix(p, "/"+git.GitDirName+"/") {
			return nil
		}
		if remotePrefix != "/" && !strings.HasPrefix(p, remotePrefix) {
			return nil
		}
		if _, keep := desired[strings.TrimPrefix(p, "/")]; !keep {
			stale = append(stale, strings.TrimPrefix(p, "/"))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror %s: walk worktree: %w", m.ID, err)
	}
	for _, p := range stale {
		if _, err := wt.Remove(p); err != nil {
			return fmt.Errorf("mirror %s: remove %s: %w", m.ID, p, err)
		}
	}
	for p, content := range desired {
		if err := util.WriteFile(wt.Filesystem, p, content, 0o644); err != nil {
			return fmt.Errorf("mirror %s: write %s: %w", m.ID, p, err)
		}
		if _, err := wt.Add(p); err != nil {
			return fmt.Errorf("mirror %s: add %s: %w", m.ID, p, err)
		}
	}
	return nil
}

func (r *Runner) checkLimits(m Mirror, files map[string][]byte) error {
	if len(files) > r.maxFiles {
		return fmt.Errorf("%w: %s: %d files", ErrMirrorTooLarge, m.ID, len(files))
	}
	var total int64
	for _, content := range files {
		total += int64(len(content))
	}
	if total > r.maxBytes {
		return fmt.Errorf("%w: %s: %d bytes", ErrMirrorTooLarge, m.ID, total)
	}
	return nil
}

// resolveURL maps the scheme field onto a URL go-git understands. A bare
// "file" scheme (or none) points at a repository on the local filesystem,
// which the tests use.
func resolveURL(m Mirror) string {
	switch m.RemoteScheme {
	case "git+https":
		return "https://" + m.RemoteURL
	case "git+http":
		return "http://" + m.RemoteURL
	default:
		return m.RemoteURL
	}
}

func basicAuth(cred Credential) *githttp.BasicAuth {
	switch cred.Type {
	case "password":
		return &githttp.BasicAuth{Username: cred.Username, Password: cred.Password}
	case "access_token":
		user := cred.Username
		if user == "" {
			user = "token"
		}
		return &githttp.BasicAuth{Username: user, Password: cred.AccessToken}
	default:
		return nil
	}
}

// ignored matches a path relative to the mirror root against the gitignore
// patterns. Patterns with a slash match the whole relative path; bare
// patterns match any path segment.
func ignored(patterns []string, rel string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, pat := range patterns {
		pat = strings.TrimPrefix(pat, "/")
		if strings.ContainsRune(pat, '/') {
			if ok, _ := path.Match(pat, rel); ok {
				return true
			}
			if strings.HasPrefix(rel, pat+"/") {
				return true
			}
			continue
		}
		for _, seg := range strings.Split(rel, "/") {
			if ok, _ := path.Match(pat, seg); ok {
				return true
			}
		}
	}
	return false
}

func listPrefix(prefix string) string {
	if prefix == "/" {
		return ""
	}
	return strings.TrimSuffix(prefix, "/")
}
