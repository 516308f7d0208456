// Package probe checks that an SMTP listener answers a greeting and accepts
// the configured credentials, acting as a short-lived client.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type State int

const (
	Idle State = iota
	Connecting
	Verifying
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Verifying:
		return "verifying"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const defaultTimeout = 5 * time.Second

type Config struct {
	Addr     string
	Username string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

type Prober struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	conn   net.Conn
	client *smtp.Client
	err    error
}

func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{cfg: cfg, logger: logger}
}

// Verify makes one attempt: connect, greet, authenticate, quit. The
// connection never outlives the call.
func (p *Prober) Verify(ctx context.Context) error {
	p.Close()
	p.setState(Connecting, nil)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return p.fail(fmt.Errorf("connect %s: %w", p.cfg.Addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	client := smtp.NewClient(conn)
	p.mu.Lock()
	p.conn = conn
	p.client = client
	p.mu.Unlock()

	p.setState(Verifying, nil)
	if err := client.Hello("localhost"); err != nil {
		return p.fail(fmt.Errorf("greet %s: %w", p.cfg.Addr, err))
	}
	if err := client.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
		return p.fail(fmt.Errorf("authenticate %s: %w", p.cfg.Addr, err))
	}
	if err := client.Quit(); err != nil {
		p.logger.Debug("probe quit", "addr", p.cfg.Addr, "error", err)
	}
	p.release()
	p.setState(Connected, nil)
	p.logger.Debug("probe connected", "addr", p.cfg.Addr)
	return nil
}

// Close releases the probe connection, if any. It is safe to call at any
// time and more than once.
func (p *Prober) Close() error {
	p.release()
	return nil
}

func (p *Prober) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err is the reason for the last Failed transition.
func (p *Prober) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Prober) release() {
	p.mu.Lock()
	client, conn := p.client, p.conn
	p.client = nil
	p.conn = nil
	p.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

func (p *Prober) fail(err error) error {
	p.release()
	p.setState(Failed, err)
	p.logger.Debug("probe failed", "addr", p.cfg.Addr, "error", err)
	return err
}

func (p *Prober) setState(state State, err error) {
	p.mu.Lock()
	p.state = state
	p.err = err
	p.mu.Unlock()
}
