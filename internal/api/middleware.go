package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/session"
)

type contextKey int

const (
	// contextKeyPrincipal holds the authenticated *Principal.
	contextKeyPrincipal contextKey = iota
)

// Principal is the authenticated caller: either an interactive user with a
// session, or an application presenting a token.
type Principal struct {
	Name  string
	Admin bool

	// SessionID is set for session principals only.
	SessionID string
}

// Authenticator resolves Authorization headers against the session and
// token stores.
//
// Accepted forms:
//
//	Authorization: Bearer <session-id>
//	Authorization: Bearer <app-id>:<secret>
type Authenticator struct {
	sessions *session.Store
	tokens   *session.TokenStore
	admins   map[string]bool
	log      *zap.Logger
}

// NewAuthenticator creates an Authenticator. admins lists the usernames
// whose sessions carry administrative rights.
func NewAuthenticator(sessions *session.Store, tokens *session.TokenStore, admins []string, logger *zap.Logger) *Authenticator {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		set[a] = true
	}
	return &Authenticator{sessions: sessions, tokens: tokens, admins: set, log: logger.Named("auth")}
}

// Resolve returns the principal for a bearer value, or nil.
func (a *Authenticator) Resolve(ctx context.Context, bearer string) *Principal {
	if appID, secret, ok := strings.Cut(bearer, ":"); ok {
		tok, err := a.tokens.Authenticate(ctx, appID, secret)
		if err != nil {
			return nil
		}
		return &Principal{Name: tok.AppID, Admin: tok.Admin}
	}
	sess, err := a.sessions.Get(ctx, bearer)
	if err != nil {
		return nil
	}
	return &Principal{Name: sess.Username, Admin: a.admins[sess.Username], SessionID: sess.ID}
}

// Authenticate rejects requests without a resolvable bearer credential and
// stores the principal in the request context.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			ErrUnauthorized(w)
			return
		}
		scheme, value, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			ErrUnauthorized(w)
			return
		}
		p := a.Resolve(r.Context(), value)
		if p == nil {
			ErrUnauthorized(w)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyPrincipal, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin allows only administrative principals. Must run after
// Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromCtx(r.Context())
		if p == nil {
			ErrUnauthorized(w)
			return
		}
		if !p.Admin {
			ErrForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs each request with method, path, status and size.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// principalFromCtx retrieves the principal stored by Authenticate. Nil means
// the request is unauthenticated.
func principalFromCtx(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKeyPrincipal).(*Principal)
	return p
}
