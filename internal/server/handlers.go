package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/database"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/logging"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// origin enforcement happens at the reverse proxy
		return true
	},
}

// --- Middleware ---

// requireSession is the connection guard: it resolves the session cookie
// against the relational session store before any socket or producer
// request proceeds.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := s.sessionStore.Get(c.Request(), s.config.SessionCookieName)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid session")
		}

		token, ok := session.Values[sessionKeyToken].(string)
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing session")
		}

		identity, err := s.deps.Guard.Lookup(c.Request().Context(), token)
		if errors.Is(err, database.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "session expired")
		}
		if err != nil {
			slog.Error("Session lookup failed", "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "session lookup failed")
		}

		c.Set("identity", identity)
		return next(c)
	}
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := c.Get("identity").(string)
		if !s.deps.Limiter.Allow(c.Request().Context(), identity) {
			metrics.RateLimitedRequests.Inc()
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

// --- WebSocket handler ---

func (s *Server) handleSocket(c echo.Context) error {
	channel := c.Param("channel")
	manager, known := s.deps.Managers[channel]
	if !known {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}

	identity := c.Get("identity").(string)
	log := logging.WithIdentity(identity).With("channel", channel)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	if err := manager.Connect(conn, identity); err != nil {
		log.Warn("Failed to register socket", "error", err)
		_ = conn.Close()
		return nil
	}

	// read pump; this is a push-only socket, inbound frames only feed
	// the keepalive machinery
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	manager.Disconnect(conn)
	return nil
}

// --- Producer API ---

type announceRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleAnnounce(c echo.Context) error {
	var req announceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	s.deps.Announcer.AnnounceBroadcast(c.Request().Context(), req.Message)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "published"})
}

type ttsStatusRequest struct {
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Position  int    `json:"position"`
	Percent   int    `json:"percent"`
	ResultURL string `json:"result_url"`
	Reason    string `json:"reason"`
}

func (s *Server) handleTTSStatus(c echo.Context) error {
	jobID := c.Param("job")

	var req ttsStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	ctx := c.Request().Context()
	switch req.Status {
	case "queued":
		s.deps.TTS.JobQueued(ctx, req.UserID, jobID, req.Position)
	case "processing":
		s.deps.TTS.JobProgress(ctx, req.UserID, jobID, req.Percent)
	case "complete":
		s.deps.TTS.JobComplete(ctx, req.UserID, jobID, req.ResultURL)
	case "failed":
		s.deps.TTS.JobFailed(ctx, req.UserID, jobID, req.Reason)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "published"})
}

type forumNotifyRequest struct {
	Recipient string `json:"recipient"`
	ThreadID  string `json:"thread_id"`
	Author    string `json:"author"`
	Kind      string `json:"kind"`
}

func (s *Server) handleForumNotify(c echo.Context) error {
	var req forumNotifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Recipient == "" || req.ThreadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient and thread_id are required")
	}

	ctx := c.Request().Context()
	switch req.Kind {
	case "", "reply":
		s.deps.Forum.ReplyPosted(ctx, req.Recipient, req.ThreadID, req.Author)
	case "mention":
		s.deps.Forum.MentionPosted(ctx, req.Recipient, req.ThreadID, req.Author)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown kind")
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "published"})
}

// --- Presence ---

func (s *Server) handleOnline(c echo.Context) error {
	channel := c.Param("channel")
	tracker, known := s.deps.Presence[channel]
	if !known {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}

	ctx := c.Request().Context()
	return c.JSON(http.StatusOK, map[string]any{
		"channel":    channel,
		"count":      tracker.Count(ctx),
		"identities": tracker.Online(ctx),
	})
}

func (s *Server) handleReplicas(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"replicas": s.deps.Registry.Active(c.Request().Context()),
	})
}

// --- Health ---

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness fails only on database loss. A degraded broker is
// reported but never fails readiness: the service still serves local
// delivery without it.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx := c.Request().Context()

	if err := s.deps.DB.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  "database unreachable",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"broker": s.deps.Broker.Healthy(ctx),
	})
}
