package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mroger/tom/internal/config"
	"github.com/mroger/tom/internal/store"
	"github.com/mroger/tom/types"
)

const sessionCookieName = "tom_session"

// Auth handles login/logout and resolves the authenticated username for a
// request, backed by the sliding-TTL file session store per §3.2.
type Auth struct {
	cfg      *config.Config
	sessions *store.SessionStore
	logger   *zap.Logger
}

// NewAuth constructs an Auth over the given user table and session store.
func NewAuth(cfg *config.Config, sessions *store.SessionStore, logger *zap.Logger) *Auth {
	return &Auth{cfg: cfg, sessions: sessions, logger: logger}
}

// checkPassword verifies submitted against the configured credential.
// Operators are expected to store a bcrypt hash (prefixed "$2"); a literal
// password is also accepted for backward compatibility with a first-run
// config.yml, compared in constant time since there is no hash to verify.
func (a *Auth) checkPassword(configured, submitted string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(submitted)) == nil
	}
	a.logger.Warn("user password stored in plaintext in config.yml; consider a bcrypt hash")
	return subtle.ConstantTimeCompare([]byte(configured), []byte(submitted)) == 1
}

// Login validates username/password and mints a session cookie on POST.
// GET is a lightweight probe so the frontend can check session state
// before rendering its login form, per §4.2.2's "/auth, /login | GET,POST".
func (a *Auth) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		_, authenticated := a.sessionFromRequest(r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"authenticated":%t}`, authenticated)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	user, ok := a.cfg.UserByName(username)
	if !ok || !a.checkPassword(user.Password, password) {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	sess, err := a.sessions.Create(username)
	if err != nil {
		a.logger.Error("session create failed", zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(store.SessionTTL),
	})
	http.Redirect(w, r, "/index", http.StatusFound)
}

// sessionFromRequest resolves the session cookie without rejecting the
// request on failure, for probes like GET /auth that want a boolean
// rather than a 401.
func (a *Auth) sessionFromRequest(r *http.Request) (*store.Session, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, false
	}
	return a.sessions.Lookup(c.Value)
}

// Logout invalidates the current session.
func (a *Auth) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		a.sessions.Delete(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusFound)
}

// RequireSession rejects requests without a valid session cookie and
// injects the resolved username into the request context via
// types.WithUsername, per §4.2.2.
func (a *Auth) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		sess, ok := a.sessions.Lookup(c.Value)
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		ctx := types.WithUsername(r.Context(), sess.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
