package smtpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailcatch/internal/auth"
	"github.io/infrasutra/mailcatch/internal/journal"
	"github.io/infrasutra/mailcatch/internal/store"
)

const (
	defaultDomain = "mailcatch"
)

var ErrListenerClosed = errors.New("smtp listener closed")

// Ingester receives every message that passed authentication and the size
// check. A returned error means the message could not be parsed.
type Ingester interface {
	Ingest(raw []byte, acceptedAt time.Time) (store.Summary, error)
}

// Recorder is optional; a nil Recorder disables the intake journal.
type Recorder interface {
	Record(ctx context.Context, event journal.Event) (int64, error)
}

type Config struct {
	Addr            string
	MaxMessageBytes int64
	Policy          *auth.Policy
	Ingester        Ingester
	Journal         Recorder
	Logger          *slog.Logger
}

type Server struct {
	backend *backend
	addr    string
	logger  *slog.Logger

	mu   sync.Mutex
	smtp *smtp.Server
	ln   net.Listener
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: &backend{
			policy:   cfg.Policy,
			maxBytes: cfg.MaxMessageBytes,
			ingester: cfg.Ingester,
			journal:  cfg.Journal,
			logger:   logger,
		},
		addr:   cfg.Addr,
		logger: logger,
	}
}

// Start binds the listener, tearing down any previous one first. The
// returned channel receives one error if the serve loop ends without Stop
// being called.
func (s *Server) Start() (<-chan error, error) {
	if err := s.Stop(); err != nil {
		s.logger.Warn("close previous smtp listener", "error", err)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	server := s.newSMTPServer()

	s.mu.Lock()
	s.smtp = server
	s.ln = ln
	s.mu.Unlock()

	failed := make(chan error, 1)
	go func() {
		err := server.Serve(ln)

		s.mu.Lock()
		stopped := s.smtp != server
		if !stopped {
			s.smtp = nil
			s.ln = nil
		}
		s.mu.Unlock()
		if stopped {
			return
		}
		if err == nil {
			err = ErrListenerClosed
		}
		failed <- err
	}()

	s.logger.Info("smtp server listening", "addr", ln.Addr().String())
	return failed, nil
}

// Stop closes the listener and every open session. Stopping a server that
// is not running is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	server, ln := s.smtp, s.ln
	s.smtp = nil
	s.ln = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	err := server.Close()
	// Serve may not have registered ln yet.
	ln.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close smtp server: %w", err)
	}
	s.logger.Info("smtp server stopped", "addr", ln.Addr().String())
	return nil
}

// Addr is nil while the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) newSMTPServer() *smtp.Server {
	server := smtp.NewServer(s.backend)
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 60 * time.Second
	server.WriteTimeout = 60 * time.Second
	server.MaxRecipients = 100
	// Only the total size is limited.
	server.MaxLineLength = 0
	if s.backend.maxBytes > 0 {
		// One byte of headroom: Collect is the gate, so a message of exactly
		// the configured size is accepted.
		server.MaxMessageBytes = s.backend.maxBytes + 1
	}
	server.ErrorLog = slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn)
	return server
}
