package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Live-event sockets (guarded; the upgrade happens in the handler,
	// after auth, never inside the channel manager)
	s.echo.GET("/ws/:channel", s.handleSocket, s.requireSession)

	// Producer API (guarded + rate limited)
	s.echo.POST("/api/broadcasts", s.handleAnnounce, s.requireSession, s.rateLimit)
	s.echo.POST("/api/tts/jobs/:job/status", s.handleTTSStatus, s.requireSession, s.rateLimit)
	s.echo.POST("/api/forum/notify", s.handleForumNotify, s.requireSession, s.rateLimit)

	// Presence (guarded, read only)
	s.echo.GET("/api/channels/:channel/online", s.handleOnline, s.requireSession)
	s.echo.GET("/api/replicas", s.handleReplicas, s.requireSession)
}
