// Package capture is the single entry point the rest of the program uses:
// it owns the SMTP listener, the intake pipeline, the summary cache and the
// liveness probe, and exposes the operations a presentation layer needs.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/mailcatch/internal/auth"
	"github.io/infrasutra/mailcatch/internal/config"
	"github.io/infrasutra/mailcatch/internal/intake"
	"github.io/infrasutra/mailcatch/internal/journal"
	"github.io/infrasutra/mailcatch/internal/mailbox"
	"github.io/infrasutra/mailcatch/internal/probe"
	"github.io/infrasutra/mailcatch/internal/smtpserver"
	"github.io/infrasutra/mailcatch/internal/store"
)

var (
	ErrRecordNotFound = errors.New("email record not found")
	ErrNotRunning     = errors.New("smtp server is not running")
)

const initialBackoff = 200 * time.Millisecond

type Deps struct {
	Files *store.Manager
	// Journal is optional.
	Journal *journal.Journal
	// Notifier receives new messages when notifications are enabled.
	Notifier intake.Notifier
	Logger   *slog.Logger
}

// Entry is one row of the message list.
type Entry struct {
	Label   string        `json:"label"`
	Summary store.Summary `json:"summary"`
}

type Service struct {
	cfg      config.Config
	files    *store.Manager
	journal  *journal.Journal
	cache    *mailbox.Cache
	pipeline *intake.Pipeline
	server   *smtpserver.Server
	prober   *probe.Prober
	logger   *slog.Logger

	// mu serializes Start and Stop.
	mu     sync.Mutex
	cancel context.CancelFunc

	stateMu   sync.Mutex
	running   bool
	stateSubs map[int]func(bool)
	nextSub   int
}

func New(cfg config.Config, deps Deps) (*Service, error) {
	if deps.Files == nil {
		return nil, errors.New("capture: storage manager is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cache := mailbox.New(deps.Files.Limit(), deps.Files.WriteSummaries)
	var notifier intake.Notifier
	if cfg.ShowNotifications {
		notifier = deps.Notifier
	}
	pipeline := intake.NewPipeline(intake.Options{
		Store:    deps.Files,
		Cache:    cache,
		Notifier: notifier,
		Logger:   logger,
	})

	var recorder smtpserver.Recorder
	if deps.Journal != nil {
		recorder = deps.Journal
	}
	server := smtpserver.New(smtpserver.Config{
		Addr:            cfg.SMTPAddr(),
		MaxMessageBytes: cfg.MaxMessageSize,
		Policy:          auth.New(cfg.SMTPUsername, cfg.SMTPPassword, cfg.AllowExternal),
		Ingester:        pipeline,
		Journal:         recorder,
		Logger:          logger,
	})
	prober := probe.New(probe.Config{
		Addr:     probeAddr(cfg),
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		Timeout:  cfg.ProbeTimeout,
		Logger:   logger,
	})

	return &Service{
		cfg:       cfg,
		files:     deps.Files,
		journal:   deps.Journal,
		cache:     cache,
		pipeline:  pipeline,
		server:    server,
		prober:    prober,
		logger:    logger,
		stateSubs: make(map[int]func(bool)),
	}, nil
}

// probeAddr points the probe at the loopback side of the listener.
func probeAddr(cfg config.Config) string {
	host := cfg.SMTPHost
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.SMTPPort))
}

// targetAddr prefers the bound port, which differs from the configured one
// when the configuration asks for an ephemeral port.
func (s *Service) targetAddr() string {
	cfg := s.cfg
	if addr, ok := s.server.Addr().(*net.TCPAddr); ok {
		cfg.SMTPPort = addr.Port
	}
	return probeAddr(cfg)
}

// Start binds the listener after tearing down any previous one. When the
// port cannot be bound, the probe checks whether a compatible listener
// already answers there; only if that fails too is an error returned and
// the service left stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(); err != nil {
		s.logger.Warn("stop previous listener", "error", err)
	}
	if err := s.reload(); err != nil {
		s.logger.Warn("load summaries", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	failed, err := s.server.Start()
	if err != nil {
		if rerr := s.recover(ctx, err); rerr != nil {
			cancel()
			s.setRunning(false)
			return fmt.Errorf("start smtp server: %w", rerr)
		}
		s.logger.Info("smtp port already served, following shared storage", "addr", s.cfg.SMTPAddr())
	} else {
		go s.monitor(runCtx, failed)
	}
	s.cancel = cancel

	if err := s.files.Watch(runCtx, s.follow); err != nil {
		s.logger.Debug("summary watch disabled", "error", err)
	}
	s.setRunning(true)
	return nil
}

// Stop closes the listener, empties the in-memory list and releases the
// probe connection.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Service) stopLocked() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	err := s.server.Stop()
	s.prober.Close()
	s.cache.Clear()
	s.setRunning(false)
	if err != nil {
		return fmt.Errorf("stop smtp server: %w", err)
	}
	return nil
}

func (s *Service) Running() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.running
}

// SMTPAddr is the bound listener address, or nil when this process does not
// own the listener.
func (s *Service) SMTPAddr() net.Addr {
	return s.server.Addr()
}

// ProbeState reports where the last connectivity check ended.
func (s *Service) ProbeState() probe.State {
	return s.prober.State()
}

// OnStateChange registers fn for running-state transitions.
func (s *Service) OnStateChange(fn func(running bool)) func() {
	s.stateMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.stateSubs[id] = fn
	s.stateMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.stateMu.Lock()
			delete(s.stateSubs, id)
			s.stateMu.Unlock()
		})
	}
}

func (s *Service) setRunning(running bool) {
	s.stateMu.Lock()
	if s.running == running {
		s.stateMu.Unlock()
		return
	}
	s.running = running
	subs := make([]func(bool), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		subs = append(subs, fn)
	}
	s.stateMu.Unlock()

	for _, fn := range subs {
		fn(running)
	}
}

// recover probes the configured port with doubling backoff between
// attempts. It returns nil as soon as one probe succeeds.
func (s *Service) recover(ctx context.Context, cause error) error {
	s.logger.Warn("smtp listener failed, probing port", "addr", s.cfg.SMTPAddr(), "error", cause)
	attempts := max(s.cfg.ProbeAttempts, 1)
	backoff := initialBackoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = s.prober.Verify(ctx); err == nil {
			return nil
		}
		s.logger.Warn("probe failed", "attempt", attempt, "of", attempts, "error", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", cause, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: probe: %w", cause, err)
}

// monitor handles a serve loop that ends on its own after a good start.
func (s *Service) monitor(ctx context.Context, failed <-chan error) {
	select {
	case <-ctx.Done():
	case err := <-failed:
		if rerr := s.recover(ctx, err); rerr != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("smtp listener lost", "error", rerr)
			s.setRunning(false)
		}
	}
}

func (s *Service) reload() error {
	_, err := s.cache.Sync(s.files.Summaries)
	return err
}

func (s *Service) follow([]store.Summary) {
	if !s.Running() {
		return
	}
	if err := s.reload(); err != nil {
		s.logger.Debug("reload summaries", "error", err)
	}
}

// Subscribe registers fn for every change of the message list.
func (s *Service) Subscribe(fn func([]store.Summary)) func() {
	return s.cache.Subscribe(fn)
}

func (s *Service) ListSummaries() []Entry {
	summaries := s.cache.Snapshot()
	entries := make([]Entry, 0, len(summaries))
	for _, summary := range summaries {
		entries = append(entries, Entry{Label: Label(summary), Summary: summary})
	}
	return entries
}

// Label formats the list line for a summary: local receive time, subject
// and sender.
func Label(summary store.Summary) string {
	return fmt.Sprintf("[%s] %s - %s", summary.ReceivedAt.Local().Format("15:04:05"), summary.Subject, summary.From)
}

func (s *Service) GetDetails(id string) (store.Email, error) {
	email, ok, err := s.files.LoadEmail(id)
	if err != nil {
		return store.Email{}, fmt.Errorf("load email %s: %w", id, err)
	}
	if !ok {
		return store.Email{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return email, nil
}

// MarkRead is a no-op for unknown ids. While stopped the persisted index is
// updated directly.
func (s *Service) MarkRead(id string) error {
	found, err := s.cache.MarkRead(id)
	if err == nil && !found {
		err = s.cache.Exclusive(func() error {
			_, err := s.files.MarkSummaryRead(id)
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	return nil
}

// DeleteOne drops the summary before the detail record so the index never
// points at a removed record. Ids missing from the mirror, as after Stop,
// are removed from the persisted index directly.
func (s *Service) DeleteOne(id string) error {
	found, err := s.cache.Remove(id)
	if err != nil {
		return fmt.Errorf("delete email %s: %w", id, err)
	}
	if !found {
		err = s.cache.Exclusive(func() error {
			found, err = s.files.RemoveSummary(id)
			return err
		})
		if err != nil {
			return fmt.Errorf("delete email %s: %w", id, err)
		}
	}
	if !found {
		if _, ok, err := s.files.LoadEmail(id); err == nil && !ok {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
	}
	if err := s.files.RemoveEmail(id); err != nil {
		return fmt.Errorf("delete email %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes every stored message and writes an empty index. It
// waits for messages being stored to reach the index first, so none of
// them survives in one place but not the other. Calling it again on an
// empty store does nothing.
func (s *Service) DeleteAll() error {
	var failed int
	err := s.pipeline.Purge(func() error {
		var err error
		failed, err = s.cache.Reset(s.files.Clear)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete all emails: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("delete all emails: %d entries could not be removed", failed)
	}
	return nil
}

// Count is the number of messages in the list.
func (s *Service) Count() int {
	return s.cache.Len()
}

// Attachment resolves name against the stored blob names first, which are
// unique within a message, then against the original file names.
func (s *Service) Attachment(id, name string) (store.Attachment, []byte, error) {
	email, err := s.GetDetails(id)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	match := slices.IndexFunc(email.Attachments, func(a store.Attachment) bool {
		return a.Location != "" && a.StoredName() == name
	})
	if match < 0 {
		match = slices.IndexFunc(email.Attachments, func(a store.Attachment) bool {
			return a.Location != "" && a.FileName == name
		})
	}
	if match >= 0 {
		attachment := email.Attachments[match]
		data, ok, err := s.files.LoadBlob(attachment.Location)
		if err != nil {
			return store.Attachment{}, nil, fmt.Errorf("load attachment: %w", err)
		}
		if ok {
			return attachment, data, nil
		}
	}
	return store.Attachment{}, nil, fmt.Errorf("%w: attachment %s of %s", ErrRecordNotFound, name, id)
}

// Journal lists recent intake outcomes; it is empty when no journal is
// configured.
func (s *Service) Journal(ctx context.Context, limit int) ([]journal.Event, error) {
	if s.journal == nil {
		return []journal.Event{}, nil
	}
	return s.journal.Recent(ctx, limit)
}

func (s *Service) Quarantined(ctx context.Context, id int64) (journal.Event, error) {
	if s.journal == nil {
		return journal.Event{}, fmt.Errorf("%w: journal event %d", ErrRecordNotFound, id)
	}
	event, ok, err := s.journal.Quarantined(ctx, id)
	if err != nil {
		return journal.Event{}, err
	}
	if !ok {
		return journal.Event{}, fmt.Errorf("%w: journal event %d", ErrRecordNotFound, id)
	}
	return event, nil
}

// Send composes draft and delivers it through the listener with the
// configured credentials, exactly as an application under test would.
func (s *Service) Send(ctx context.Context, draft intake.Draft) error {
	if !s.Running() {
		return ErrNotRunning
	}
	raw, err := intake.Compose(draft, time.Now())
	if err != nil {
		return err
	}
	from := draft.From
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}
	err = probe.Send(ctx, probe.Config{
		Addr:     s.targetAddr(),
		Username: s.cfg.SMTPUsername,
		Password: s.cfg.SMTPPassword,
		Timeout:  s.cfg.ProbeTimeout,
	}, from, draft.Recipients(), raw)
	if err != nil {
		return fmt.Errorf("send test message: %w", err)
	}
	return nil
}
