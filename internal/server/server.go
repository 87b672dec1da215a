package server

import (
	"context"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/broadcast"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/config"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/notify"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/presence"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/ratelimit"
)

const sessionKeyToken = "token"

// SessionLookup validates a session token against the relational store.
type SessionLookup interface {
	Lookup(ctx context.Context, token string) (string, error)
}

// Pinger is the readiness slice of the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter is the readiness slice of the resilient broker client.
type HealthReporter interface {
	Healthy(ctx context.Context) bool
}

// Deps collects everything the HTTP surface is wired to.
type Deps struct {
	Guard     SessionLookup
	Managers  map[string]*broadcast.Manager
	Announcer *notify.Announcer
	TTS       *notify.TTSNotifier
	Forum     *notify.ForumNotifier
	Presence  map[string]*presence.Tracker
	Registry  *presence.ReplicaRegistry
	Limiter   *ratelimit.FixedWindowLimiter
	DB        Pinger
	Broker    HealthReporter
}

type Server struct {
	echo         *echo.Echo
	config       *config.Config
	sessionStore *sessions.CookieStore
	deps         Deps
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	}

	srv := &Server{
		echo:         e,
		config:       cfg,
		sessionStore: sessionStore,
		deps:         deps,
	}
	srv.registerRoutes()
	return srv
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	return s.echo.Start(":" + s.config.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
