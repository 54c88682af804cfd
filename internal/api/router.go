package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/session"
	"github.com/dogma-io/dogma/internal/status"
	"github.com/dogma-io/dogma/internal/storage"
)

// Commander submits commands to the write pipeline.
type Commander interface {
	Execute(ctx context.Context, cmd command.Command) (executor.Result, error)
}

// ClusterInfo is the replication state the status endpoint reports. Nil in
// standalone mode.
type ClusterInfo interface {
	IsLeader() bool
	LeaderURL() string
	CommitSeq() uint64
	LastApplied() uint64
	Diverged() bool
}

// RouterConfig holds every dependency the router needs. It is populated in
// main after all components are initialized.
type RouterConfig struct {
	Store     storage.Storage
	Commander Commander
	Status    *status.Manager
	Cluster   ClusterInfo

	Sessions *session.Store
	Tokens   *session.TokenStore

	// Admins lists usernames whose sessions carry administrative rights;
	// application tokens carry their own admin flag.
	Admins []string

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler

	SessionTTL time.Duration
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// NewRouter builds the fully configured admin router.
func NewRouter(cfg RouterConfig) http.Handler {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	auth := NewAuthenticator(cfg.Sessions, cfg.Tokens, cfg.Admins, cfg.Logger)
	authHandler := NewAuthHandler(cfg.Tokens, cfg.Commander, clock, cfg.SessionTTL, cfg.Logger)
	projectHandler := NewProjectHandler(cfg.Store, cfg.Commander, clock, cfg.Logger)
	contentHandler := NewContentHandler(cfg.Store, cfg.Commander, clock, cfg.Logger)
	statusHandler := &statusHandler{
		status:  cfg.Status,
		cluster: cfg.Cluster,
		exec:    cfg.Commander,
		clock:   clock,
		log:     cfg.Logger.Named("status"),
	}

	r.Get("/healthz", statusHandler.Health)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes.
		r.Group(func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Get("/status", statusHandler.Get)
		})

		// Authenticated routes.
		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate)

			r.Post("/logout", authHandler.Logout)

			r.Get("/projects", projectHandler.List)
			r.Post("/projects", projectHandler.Create)
			r.Delete("/projects/{project}", projectHandler.Remove)
			r.Post("/projects/{project}/unremove", projectHandler.Unremove)

			r.Get("/projects/{project}/repos", projectHandler.ListRepos)
			r.Post("/projects/{project}/repos", projectHandler.CreateRepo)
			r.Delete("/projects/{project}/repos/{repo}", projectHandler.RemoveRepo)
			r.Post("/projects/{project}/repos/{repo}/unremove", projectHandler.UnremoveRepo)

			r.Get("/projects/{project}/repos/{repo}/contents/*", contentHandler.GetFile)
			r.Post("/projects/{project}/repos/{repo}/contents", contentHandler.Push)
			r.Get("/projects/{project}/repos/{repo}/files", contentHandler.ListFiles)
			r.Get("/projects/{project}/repos/{repo}/history", contentHandler.History)
			r.Get("/projects/{project}/repos/{repo}/diff", contentHandler.Diff)

			// Admin-only routes.
			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)

				r.Put("/status", statusHandler.Update)
				r.Delete("/projects/{project}/purge", projectHandler.Purge)
				r.Delete("/projects/{project}/repos/{repo}/purge", projectHandler.PurgeRepo)

				r.Get("/tokens", authHandler.ListTokens)
				r.Post("/tokens", authHandler.CreateToken)
				r.Patch("/tokens/{appId}", authHandler.UpdateToken)
				r.Delete("/tokens/{appId}", authHandler.DeleteToken)
			})
		})
	})

	return r
}

// statusHandler serves health and replica status.
type statusHandler struct {
	status  *status.Manager
	cluster ClusterInfo
	exec    Commander
	clock   clockwork.Clock
	log     *zap.Logger
}

// Health handles GET /healthz. Not-started replicas report unavailable so
// load balancers hold traffic until startup completes.
func (h *statusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.status.Snapshot().Started {
		ErrUnavailable(w, "starting up")
		return
	}
	Ok(w, envelope{"status": "ok"})
}

type replicaStatus struct {
	status.Status
	Leader      bool   `json:"leader"`
	LeaderURL   string `json:"leaderUrl,omitempty"`
	CommitSeq   uint64 `json:"commitSeq"`
	LastApplied uint64 `json:"lastApplied"`
	Diverged    bool   `json:"diverged,omitempty"`
}

// Get handles GET /api/v1/status.
func (h *statusHandler) Get(w http.ResponseWriter, r *http.Request) {
	out := replicaStatus{Status: h.status.Snapshot(), Leader: true}
	if h.cluster != nil {
		out.Leader = h.cluster.IsLeader()
		out.LeaderURL = h.cluster.LeaderURL()
		out.CommitSeq = h.cluster.CommitSeq()
		out.LastApplied = h.cluster.LastApplied()
		out.Diverged = h.cluster.Diverged()
	}
	Ok(w, out)
}

type updateStatusRequest struct {
	Writable    *bool `json:"writable,omitempty"`
	Replicating *bool `json:"replicating,omitempty"`
}

// Update handles PUT /api/v1/status, mapping onto UPDATE_SERVER_STATUS.
// The command applies to this replica only.
func (h *statusHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Writable == nil && req.Replicating == nil {
		ErrBadRequest(w, "nothing to update")
		return
	}
	_, err := h.exec.Execute(r.Context(), &command.UpdateServerStatus{
		Base: command.Base{
			CommitTimeMillis: h.clock.Now().UnixMilli(),
			Author:           authorFor(r),
		},
		Writable:    req.Writable,
		Replicating: req.Replicating,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, h.status.Snapshot())
}
