package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/session"
)

// DefaultSessionTTL is how long a login is valid without renewal.
const DefaultSessionTTL = 8 * time.Hour

// AuthHandler serves login, logout and token management. Logins are
// authenticated against the application token store; the session the login
// creates travels through the replication log, so it is valid on every
// replica.
type AuthHandler struct {
	tokens     *session.TokenStore
	exec       Commander
	clock      clockwork.Clock
	sessionTTL time.Duration
	log        *zap.Logger
}

func NewAuthHandler(tokens *session.TokenStore, exec Commander, clock clockwork.Clock, sessionTTL time.Duration, logger *zap.Logger) *AuthHandler {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &AuthHandler{
		tokens:     tokens,
		exec:       exec,
		clock:      clock,
		sessionTTL: sessionTTL,
		log:        logger.Named("auth_handler"),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string    `json:"sessionId"`
	CSRFToken string    `json:"csrfToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login handles POST /api/v1/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}
	tok, err := h.tokens.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		// One 401 for unknown apps and wrong secrets alike, to avoid
		// token enumeration.
		ErrUnauthorized(w)
		return
	}

	now := h.clock.Now()
	sess := command.Session{
		ID:             uuid.NewString(),
		Username:       tok.AppID,
		CreationTime:   now,
		ExpirationTime: now.Add(h.sessionTTL),
		CSRFToken:      uuid.NewString(),
	}
	_, err = h.exec.Execute(r.Context(), &command.CreateSession{
		Base:    command.Base{CommitTimeMillis: now.UnixMilli(), Author: command.Author{Name: tok.AppID, Email: tok.AppID + "@dogma.local"}},
		Session: sess,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, loginResponse{
		SessionID: sess.ID,
		CSRFToken: sess.CSRFToken,
		ExpiresAt: sess.ExpirationTime,
	})
}

// Logout handles POST /api/v1/logout. Token principals have no session to
// remove.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p := principalFromCtx(r.Context())
	if p == nil || p.SessionID == "" {
		NoContent(w)
		return
	}
	_, err := h.exec.Execute(r.Context(), &command.RemoveSession{
		Base:      command.Base{CommitTimeMillis: h.clock.Now().UnixMilli(), Author: authorFor(r)},
		SessionID: p.SessionID,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	NoContent(w)
}

// tokenView is a Token with the secret hash stripped.
type tokenView struct {
	AppID              string         `json:"appId"`
	Admin              bool           `json:"admin,omitempty"`
	Creator            command.Author `json:"creator"`
	CreationTimeMillis int64          `json:"creationTimeMillis"`
	Deactivated        bool           `json:"deactivated,omitempty"`
}

func viewOf(t session.Token) tokenView {
	return tokenView{
		AppID:              t.AppID,
		Admin:              t.Admin,
		Creator:            t.Creator,
		CreationTimeMillis: t.CreationTimeMillis,
		Deactivated:        t.Deactivated,
	}
}

// ListTokens handles GET /api/v1/tokens.
func (h *AuthHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.tokens.List(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, viewOf(t))
	}
	Ok(w, views)
}

type createTokenRequest struct {
	AppID string `json:"appId"`
	Admin bool   `json:"admin,omitempty"`
}

// CreateToken handles POST /api/v1/tokens. The raw secret appears in this
// response and nowhere else.
func (h *AuthHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	secret, err := h.tokens.Create(r.Context(), req.AppID, req.Admin, authorFor(r), h.clock.Now().UnixMilli())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Created(w, envelope{"appId": req.AppID, "secret": secret})
}

type updateTokenRequest struct {
	Active bool `json:"active"`
}

// UpdateToken handles PATCH /api/v1/tokens/{appId}.
func (h *AuthHandler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	var req updateTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appID := chi.URLParam(r, "appId")
	if err := h.tokens.SetActive(r.Context(), appID, req.Active, authorFor(r), h.clock.Now().UnixMilli()); err != nil {
		writeError(w, h.log, err)
		return
	}
	tok, err := h.tokens.Find(r.Context(), appID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	Ok(w, viewOf(tok))
}

// DeleteToken handles DELETE /api/v1/tokens/{appId}.
func (h *AuthHandler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Remove(r.Context(), chi.URLParam(r, "appId"), authorFor(r), h.clock.Now().UnixMilli()); err != nil {
		writeError(w, h.log, err)
		return
	}
	NoContent(w)
}
