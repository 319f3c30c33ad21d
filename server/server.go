// Package server provides a reusable adjutant server that can be embedded
// in other binaries. It opens the store, loads the session registry,
// reattaches discovered tmux sessions, and wires every subsystem onto one
// HTTP handler.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adjutant/adjutant/internal/beads"
	"github.com/adjutant/adjutant/internal/bridge"
	"github.com/adjutant/adjutant/internal/bus"
	"github.com/adjutant/adjutant/internal/chatws"
	"github.com/adjutant/adjutant/internal/logging"
	"github.com/adjutant/adjutant/internal/push"
	"github.com/adjutant/adjutant/internal/session"
	"github.com/adjutant/adjutant/internal/ssegw"
	"github.com/adjutant/adjutant/internal/store"
	"github.com/adjutant/adjutant/internal/tmux"
	"github.com/adjutant/adjutant/internal/toolgw"
)

// Config holds the server's runtime configuration.
type Config struct {
	Addr         string   // TCP listen address (e.g. ":4711")
	DataDir      string   // registry, database, session logs
	APIKeyHashes []string // bcrypt hashes accepted for chat auth; empty means open
	PushURL      string   // notification webhook; empty disables push
	BdBin        string   // task-graph CLI binary, default "bd"
	MaxSessions  int
	AgentCommand string
}

// Validate checks the configuration and creates the data directories.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(c.LogDir(), 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite message database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "adjutant.db")
}

// RegistryPath returns the path to the session registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "sessions.json")
}

// LogDir returns the directory for per-session output logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Server is one wired adjutant instance.
type Server struct {
	cfg     Config
	sqlDB   *sql.DB
	store   *store.Store
	bus     *bus.Bus
	bridge  *bridge.Bridge
	manager *session.Manager
	bd      *beads.Client
	chat    *chatws.Server
	sse     *ssegw.Gateway
	tools   *toolgw.Gateway
	http    *http.Server
	handler http.Handler
}

// NewServer opens the database, runs migrations, loads the registry,
// reattaches any surviving tmux sessions, and wires all services. Call
// Serve to start listening.
func NewServer(cfg Config) (*Server, error) {
	return newServer(cfg, tmux.New())
}

func newServer(cfg Config, mux *tmux.Adapter) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(sqlDB)

	b := bus.New()

	reg, err := session.NewRegistry(cfg.RegistryPath(), b)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}

	mgr := session.NewManager(mux, reg, session.ManagerOptions{
		MaxSessions:  cfg.MaxSessions,
		AgentCommand: cfg.AgentCommand,
	})

	th := bridge.NewThrottle(bridge.ThrottleOptions{
		PersistLogs: true,
		LogDir:      cfg.LogDir(),
	})
	br := bridge.New(mgr, mux, th, b, bridge.Options{})

	s := &Server{
		cfg:     cfg,
		sqlDB:   sqlDB,
		store:   st,
		bus:     b,
		bridge:  br,
		manager: mgr,
		bd:      beads.NewClient(cfg.BdBin),
		chat:    chatws.NewServer(st, br, b, chatws.Options{APIKeyHashes: cfg.APIKeyHashes}),
		sse:     ssegw.New(b),
		tools:   toolgw.New(st, b, reg, push.New(cfg.PushURL), nil),
	}
	s.recover()
	s.handler = logging.HTTPMiddleware(s.routes())
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// recover reconciles the persisted registry with the live tmux server:
// sessions found running get their output tap restarted, everything else is
// marked offline. External sessions matching the managed prefix are
// adopted.
func (s *Server) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.manager.DiscoverSessions(ctx, "adj-"); err != nil {
		slog.Warn("session discovery failed", "error", err)
	}

	// MarkOfflineExcept matches on mux session names; taps start by id.
	reg := s.manager.Registry()
	live := make(map[string]bool)
	var tapIDs []string
	for _, sess := range reg.GetAll() {
		if s.manager.IsAlive(ctx, sess.ID) {
			live[sess.MuxSession] = true
			tapIDs = append(tapIDs, sess.ID)
		}
	}
	if err := reg.MarkOfflineExcept(live); err != nil {
		slog.Warn("offline sweep failed", "error", err)
	}
	for _, id := range tapIDs {
		s.bridge.StartTap(id)
	}
	slog.Info("registry recovered", "sessions", reg.Size(), "live", len(tapIDs))
}

// Handler returns the fully wired HTTP handler, mainly for tests and
// embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Bus returns the server's event bus.
func (s *Server) Bus() *bus.Bus {
	return s.bus
}

// Serve listens on the configured address and blocks until ctx is
// cancelled, then shuts down in dependency order: HTTP drain, chat fanout,
// output taps and throttle, WAL checkpoint, database.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.closeAll()
		return fmt.Errorf("listen tcp: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("adjutant shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("adjutant listening", "addr", s.cfg.Addr)
	if err := s.http.Serve(ln); err != http.ErrServerClosed {
		s.closeAll()
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone

	s.closeAll()
	return nil
}

// closeAll tears down the non-HTTP subsystems. Safe to call once.
func (s *Server) closeAll() {
	s.chat.Close()
	s.bridge.Close()
	if err := s.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
}

// routes builds the full route table.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ws/chat", s.chat)
	mux.Handle("/ws/agent", s.tools)
	mux.Handle("GET /api/events", s.sse)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleKillSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.handleSessionInput)
	mux.HandleFunc("POST /api/sessions/{id}/interrupt", s.handleSessionInterrupt)
	mux.HandleFunc("POST /api/sessions/{id}/permission", s.handleSessionPermission)

	mux.HandleFunc("GET /api/messages", s.handleGetMessages)
	mux.HandleFunc("GET /api/messages/unread", s.handleUnreadCounts)
	mux.HandleFunc("GET /api/threads", s.handleGetThreads)
	mux.HandleFunc("GET /api/agents", s.handleGetAgents)
	mux.HandleFunc("POST /api/bd", s.handleBd)

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}
