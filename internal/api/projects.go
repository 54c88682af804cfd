package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/storage"
)

// ProjectHandler serves project and repository CRUD. Reads go straight to
// storage; every mutation is a command through the replicated pipeline.
type ProjectHandler struct {
	store storage.Storage
	exec  Commander
	clock clockwork.Clock
	log   *zap.Logger
}

func NewProjectHandler(store storage.Storage, exec Commander, clock clockwork.Clock, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{store: store, exec: exec, clock: clock, log: logger.Named("projects")}
}

// base builds the command base for the authenticated caller.
func (h *ProjectHandler) base(r *http.Request) command.Base {
	return command.Base{
		CommitTimeMillis: h.clock.Now().UnixMilli(),
		Author:           authorFor(r),
	}
}

// authorFor derives the commit author from the request principal.
func authorFor(r *http.Request) command.Author {
	p := principalFromCtx(r.Context())
	if p == nil {
		return command.System
	}
	email := p.Name
	if !strings.ContainsRune(email, '@') {
		email += "@dogma.local"
	}
	return command.Author{Name: p.Name, Email: email}
}

// List handles GET /api/v1/projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	includeRemoved := r.URL.Query().Get("includeRemoved") == "true"
	projects, err := h.store.ListProjects(r.Context(), includeRemoved)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, projects)
}

type createProjectRequest struct {
	Name string `json:"name"`
}

// Create handles POST /api/v1/projects.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, err := h.exec.Execute(r.Context(), &command.CreateProject{
		Base: h.base(r), ProjectName: req.Name,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Created(w, envelope{"name": req.Name})
}

// Remove handles DELETE /api/v1/projects/{project}.
func (h *ProjectHandler) Remove(w http.ResponseWriter, r *http.Request) {
	_, err := h.exec.Execute(r.Context(), &command.RemoveProject{
		Base: h.base(r), ProjectName: chi.URLParam(r, "project"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	NoContent(w)
}

// Unremove handles POST /api/v1/projects/{project}/unremove.
func (h *ProjectHandler) Unremove(w http.ResponseWriter, r *http.Request) {
	_, err := h.exec.Execute(r.Context(), &command.UnremoveProject{
		Base: h.base(r), ProjectName: chi.URLParam(r, "project"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	NoContent(w)
}

// Purge handles DELETE /api/v1/projects/{project}/purge. Admin only; the
// content is gone for good.
func (h *ProjectHandler) Purge(w http.ResponseWriter, r *http.Request) {
	_, err := h.exec.Execute(r.Context(), &command.PurgeProject{
		Base: h.base(r), ProjectName: chi.URLParam(r, "project"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	NoContent(w)
}

// ListRepos handles GET /api/v1/projects/{project}/repos.
func (h *ProjectHandler) ListRepos(w http.ResponseWriter, r *http.Request) {
	includeRemoved := r.URL.Query().Get("includeRemoved") == "true"
	repos, err := h.store.ListRepositories(r.Context(), chi.URLParam(r, "project"), includeRemoved)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, repos)
}

type createRepoRequest struct {
	Name string `json:"name"`

	// Rolling repositories split old history into an archive once both
	// retention thresholds pass.
	Rolling             bool  `json:"rolling,omitempty"`
	InitialRevision     int64 `json:"initialRevision,omitempty"`
	MinRetentionCommits int   `json:"minRetentionCommits,omitempty"`
	MinRetentionDays    int   `json:"minRetentionDays,omitempty"`
}

// CreateRepo handles POST /api/v1/projects/{project}/repos.
func (h *ProjectHandler) CreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	project := chi.URLParam(r, "project")
	var cmd command.Command
	if req.Rolling {
		cmd = &command.CreateRollingRepository{
			Base:                h.base(r),
			ProjectName:         project,
			RepositoryName:      req.Name,
			InitialRevision:     req.InitialRevision,
			MinRetentionCommits: req.MinRetentionCommits,
			MinRetentionDays:    req.MinRetentionDays,
		}
	} else {
		cmd = &command.CreateRepository{
			Base: h.base(r), ProjectName: project, RepositoryName: req.Name,
		}
	}
	if _, err := h.exec.Execute(r.Context(), cmd); err != nil {
		writeError(w, h.log, err)
		return
	}
	Created(w, envelope{"project": project, "name": req.Name})
}

// RemoveRepo handles DELETE /api/v1/projects/{project}/repos/{repo}.
func (h *ProjectHandler) RemoveRepo(w http.ResponseWriter, r *http.Request) {
	_, err := h.exec.Execute(r.Context(), &command.RemoveRepository{
		Base:           h.base(r),
		ProjectName:    chi.URLParam(r, "project"),
		RepositoryName: chi.URLParam(r, "repo"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	NoContent(w)
}

// UnremoveRepo handles POST /api/v1/projects/{project}/repos/{repo}/unremove.
func (h *ProjectHandler) UnremoveRepo(w http.ResponseWriter, r *http.Request) {
	_, err := h.exec.Execute(r.Context(), &command.UnremoveRepository{
		Base:           h.base(r),
		ProjectName:    chi.URLParam(r, "project"),
		RepositoryName: chi.URLParam(r, "repo"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	NoContent(w)
}

// PurgeRepo handles DELETE /api/v1/projects/{project}/repos/{repo}/purge.
func (h *ProjectHandler) PurgeRepo(w http.ResponseWriter, r *http.Request) {
	_, err := h.exec.Execute(r.Context(), &command.PurgeRepository{
		Base:           h.base(r),
		ProjectName:    chi.URLParam(r, "project"),
		RepositoryName: chi.URLParam(r, "repo"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	NoContent(w)
}
