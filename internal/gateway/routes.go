package gateway

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/mroger/tom/internal/config"
	"github.com/mroger/tom/internal/metrics"
)

// Deps bundles everything NewRouter needs to build Tom's route table.
type Deps struct {
	Cfg         *config.Config
	Auth        *Auth
	Handlers    *Handlers
	Metrics     *metrics.Collector
	StaticDir   string
	AllowedCORS []string
	Logger      *zap.Logger
}

// NewRouter builds the full handler chain per §4.2.2's route table:
// public auth endpoints, authenticated local API handlers, and the
// authenticated /memory[/*] reverse proxy.
func NewRouter(ctx context.Context, d Deps) http.Handler {
	mux := http.NewServeMux()

	// /auth and /login are equivalent public entry points per §4.2.2's
	// routing table ("/auth, /login, /logout | GET,POST | local | —").
	mux.HandleFunc("/auth", d.Auth.Login)
	mux.HandleFunc("/login", d.Auth.Login)
	mux.HandleFunc("/logout", d.Auth.Logout)
	mux.HandleFunc("/healthz", Liveness)

	authed := func(h http.HandlerFunc) http.Handler {
		return d.Auth.RequireSession(h)
	}

	mux.Handle("/process", authed(d.Handlers.Process))
	mux.Handle("/reset", authed(d.Handlers.Reset))
	mux.Handle("/tasks", authed(d.Handlers.Tasks))
	mux.Handle("/status", authed(d.Handlers.Status))
	mux.Handle("/notifications", authed(d.Handlers.Notifications))
	mux.Handle("/notificationconfig", authed(d.Handlers.NotificationConfig))
	mux.Handle("/firebase_messaging_sw_js", authed(d.Handlers.FirebaseMessagingSW))
	mux.Handle("/fcmtoken", authed(d.Handlers.FCMToken))
	mux.Handle("/health", authed(d.Handlers.Health))

	memProxy := NewMemoryProxy(d.Cfg.Global.MemoryBaseURLTemplate, d.Logger)
	mux.Handle("/memory/", authed(http.StripPrefix("/memory", memProxy).ServeHTTP))
	mux.Handle("/memory", authed(http.StripPrefix("/memory", memProxy).ServeHTTP))

	if d.StaticDir != "" {
		fs := http.FileServer(http.Dir(d.StaticDir))
		mux.Handle("/static/", authed(http.StripPrefix("/static/", fs).ServeHTTP))
		mux.Handle("/index", authed(func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, d.StaticDir+"/index.html")
		}))
	}

	var handler http.Handler = mux
	middlewares := []Middleware{
		Recovery(d.Logger),
		RequestID(),
		RequestLogger(d.Logger),
		SecurityHeaders(),
		CORS(d.AllowedCORS),
		RateLimiter(ctx, d.Cfg.Global.RateLimitRPS, int(d.Cfg.Global.RateLimitRPS)),
	}
	if d.Metrics != nil {
		middlewares = append(middlewares, MetricsMiddleware(d.Metrics))
	}
	return Chain(handler, middlewares...)
}
