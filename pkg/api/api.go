package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/cloudarchive/pkg/archiver"
	"github.com/ethpandaops/cloudarchive/pkg/config"
	"github.com/ethpandaops/cloudarchive/pkg/history"
	"github.com/ethpandaops/cloudarchive/pkg/status"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const shutdownTimeout = 10 * time.Second

// Controller is the pipeline the API drives.
type Controller interface {
	GetStatus() status.Snapshot
	Start(outputDir string) (archiver.Result, error)
	Stop() (archiver.Result, error)
	Upload(path string) (archiver.Result, error)
	History(ctx context.Context, limit int, allSessions bool) ([]history.Entry, error)
}

// Compile-time interface check.
var _ Controller = (*archiver.Service)(nil)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the bound listen address once started.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	ctrl       Controller
	users      map[string][]byte
	httpServer *http.Server
	addr       string
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	ctrl Controller,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		ctrl: ctrl,
		done: make(chan struct{}),
	}
}

// Start hashes the configured credentials and starts the HTTP server.
func (s *server) Start(_ context.Context) error {
	if err := s.loadUsers(); err != nil {
		return err
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.addr = ln.Addr().String()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

func (s *server) Addr() string {
	return s.addr
}

// loadUsers hashes the configured basic auth passwords so plaintext
// passwords are not kept in memory past startup.
func (s *server) loadUsers() error {
	if !s.cfg.BasicAuth.Enabled {
		return nil
	}

	s.users = make(map[string][]byte, len(s.cfg.BasicAuth.Users))

	for _, u := range s.cfg.BasicAuth.Users {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		s.users[u.Username] = hash
	}

	s.log.WithField("count", len(s.users)).Info("Loaded basic auth users")

	return nil
}
