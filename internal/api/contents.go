package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/storage"
)

// ContentHandler serves file reads, history, diffs and pushes.
type ContentHandler struct {
	store storage.Storage
	exec  Commander
	clock clockwork.Clock
	log   *zap.Logger
}

func NewContentHandler(store storage.Storage, exec Commander, clock clockwork.Clock, logger *zap.Logger) *ContentHandler {
	return &ContentHandler{store: store, exec: exec, clock: clock, log: logger.Named("contents")}
}

// parseRevision reads a revision query parameter. Absent or "head" means
// HEAD; negative numbers are relative, positive absolute.
func parseRevision(r *http.Request, key string) (command.Revision, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" || raw == "head" || raw == "HEAD" {
		return command.Head, true
	}
	major, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return command.Revision{}, false
	}
	return command.NewRevision(major), true
}

// GetFile handles GET /api/v1/projects/{project}/repos/{repo}/contents/*.
// The response carries the content verbatim plus the resolved revision.
func (h *ContentHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	rev, ok := parseRevision(r, "revision")
	if !ok {
		ErrBadRequest(w, "invalid revision")
		return
	}
	project, repo := chi.URLParam(r, "project"), chi.URLParam(r, "repo")
	path := "/" + chi.URLParam(r, "*")

	resolved, err := h.store.NormalizeRevision(r.Context(), project, repo, rev)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	content, err := h.store.GetFile(r.Context(), project, repo, resolved, path)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, envelope{
		"path":     path,
		"revision": resolved,
		"content":  string(content),
	})
}

// ListFiles handles GET /api/v1/projects/{project}/repos/{repo}/files.
func (h *ContentHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	rev, ok := parseRevision(r, "revision")
	if !ok {
		ErrBadRequest(w, "invalid revision")
		return
	}
	project, repo := chi.URLParam(r, "project"), chi.URLParam(r, "repo")
	files, err := h.store.ListFiles(r.Context(), project, repo, rev, r.URL.Query().Get("pathPrefix"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	Ok(w, envelope{"paths": paths})
}

// History handles GET /api/v1/projects/{project}/repos/{repo}/history.
func (h *ContentHandler) History(w http.ResponseWriter, r *http.Request) {
	from, ok := parseRevision(r, "from")
	if !ok {
		ErrBadRequest(w, "invalid from revision")
		return
	}
	to, ok := parseRevision(r, "to")
	if !ok {
		ErrBadRequest(w, "invalid to revision")
		return
	}
	project, repo := chi.URLParam(r, "project"), chi.URLParam(r, "repo")
	commits, err := h.store.History(r.Context(), project, repo, from, to)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, commits)
}

// Diff handles GET /api/v1/projects/{project}/repos/{repo}/diff.
func (h *ContentHandler) Diff(w http.ResponseWriter, r *http.Request) {
	from, ok := parseRevision(r, "from")
	if !ok {
		ErrBadRequest(w, "invalid from revision")
		return
	}
	to, ok := parseRevision(r, "to")
	if !ok {
		ErrBadRequest(w, "invalid to revision")
		return
	}
	project, repo := chi.URLParam(r, "project"), chi.URLParam(r, "repo")
	changes, err := h.store.Diff(r.Context(), project, repo, from, to)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, changes)
}

type pushRequest struct {
	BaseRevision int64            `json:"baseRevision"`
	Summary      string           `json:"summary"`
	Detail       string           `json:"detail,omitempty"`
	Markup       command.Markup   `json:"markup,omitempty"`
	Changes      []command.Change `json:"changes"`

	// Normalize routes the push through content normalization, which
	// tolerates a stale base and redundant changes.
	Normalize bool `json:"normalize,omitempty"`
}

type pushResponse struct {
	Revision  json.RawMessage `json:"revision,omitempty"`
	Redundant bool            `json:"redundant,omitempty"`
}

// Push handles POST /api/v1/projects/{project}/repos/{repo}/contents.
func (h *ContentHandler) Push(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Changes) == 0 {
		ErrBadRequest(w, "changes must not be empty")
		return
	}
	push := command.Push{
		Base: command.Base{
			CommitTimeMillis: h.clock.Now().UnixMilli(),
			Author:           authorFor(r),
		},
		ProjectName:    chi.URLParam(r, "project"),
		RepositoryName: chi.URLParam(r, "repo"),
		BaseRevision:   command.NewRevision(req.BaseRevision),
		Summary:        req.Summary,
		Detail:         req.Detail,
		Markup:         req.Markup,
		Changes:        req.Changes,
	}
	var cmd command.Command = &push
	if req.Normalize {
		cmd = &command.NormalizingPush{Push: push}
	}
	res, err := h.exec.Execute(r.Context(), cmd)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, resultPayload(res))
}

func resultPayload(res executor.Result) pushResponse {
	out := pushResponse{Redundant: res.Redundant}
	if res.Commit != nil {
		if raw, err := json.Marshal(res.Commit.Revision); err == nil {
			out.Revision = raw
		}
	}
	return out
}
