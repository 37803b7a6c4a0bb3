// Package ws streams run progress to browser clients over WebSocket.
// A client connects to /v1/projects/{id}/events and receives every event the
// run service publishes for that project until it disconnects.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/jkaninda/kijenzi/internal/domain"
	"github.com/jkaninda/kijenzi/internal/events"
)

// Subprotocol is offered to clients that negotiate one.
const Subprotocol = "kijenzi-events-v1"

const (
	defaultHeartbeat = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// ProjectLookup checks that a project exists. storage.ProjectStore implements it.
type ProjectLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Project, error)
}

// Config configures the websocket event stream.
type Config struct {
	// Authorize validates the client token. nil = no authentication.
	Authorize func(token string) bool
	// OriginPatterns lists allowed cross-origin hosts (see websocket.AcceptOptions).
	OriginPatterns []string
	// Heartbeat is the ping interval. 0 = 30s.
	Heartbeat time.Duration
}

// Server upgrades requests to websocket connections fed by the event broker.
type Server struct {
	broker   *events.Broker
	projects ProjectLookup
	cfg      Config
	logger   *slog.Logger
}

// NewServer creates a websocket event stream server.
func NewServer(broker *events.Broker, projects ProjectLookup, cfg Config, logger *slog.Logger) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &Server{
		broker:   broker,
		projects: projects,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on websocket requests, so the token may
	// also come from the query string.
	if s.cfg.Authorize != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" || !s.cfg.Authorize(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	projectID, err := ProjectIDFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, "invalid project ID", http.StatusBadRequest)
		return
	}
	if _, err := s.projects.Get(r.Context(), projectID); err != nil {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn, projectID)
}

// stream forwards project events until the client leaves or the server stops.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, projectID uuid.UUID) {
	sub := s.broker.Subscribe(projectID)
	defer sub.Close()
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx = conn.CloseRead(ctx)

	s.logger.Debug("event stream opened", slog.String("project_id", projectID.String()))

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed", slog.String("project_id", projectID.String()))
			return
		case <-ticker.C:
			if err := s.ping(ctx, conn); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("project_id", projectID.String()),
					slog.String("error", err.Error()),
				)
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.write(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("event write failed",
						slog.String("project_id", projectID.String()),
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func (s *Server) ping(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Ping(ctx)
}

// ProjectIDFromPath extracts the project ID from ".../projects/{id}/events".
func ProjectIDFromPath(path string) (uuid.UUID, error) {
	_, rest, ok := strings.Cut(path, "/projects/")
	if !ok {
		return uuid.Nil, errors.New("path has no project segment")
	}
	id, _, _ := strings.Cut(rest, "/")
	return uuid.Parse(id)
}
