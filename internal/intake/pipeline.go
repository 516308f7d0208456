package intake

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/mailcatch/internal/mailbox"
	"github.io/infrasutra/mailcatch/internal/store"
)

const defaultSubject = "No Subject"

type Store interface {
	SaveEmail(store.Email) error
	RemoveEmail(id string) error
}

// Notifier is told about every newly stored message. It runs on its own
// goroutine; a panic there is logged and swallowed.
type Notifier interface {
	NewMessage(store.Summary)
}

type NotifierFunc func(store.Summary)

func (f NotifierFunc) NewMessage(s store.Summary) { f(s) }

type Options struct {
	Parser   Parser
	Store    Store
	Cache    *mailbox.Cache
	Notifier Notifier
	Logger   *slog.Logger
}

type Pipeline struct {
	parser   Parser
	store    Store
	cache    *mailbox.Cache
	notifier Notifier
	logger   *slog.Logger

	// mu guards pending, the ids handed out but not yet in the cache.
	mu      sync.Mutex
	pending map[string]struct{}
	// gate is held shared from a detail write until its index insert, and
	// exclusively by Purge.
	gate sync.RWMutex
}

func NewPipeline(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parser := opts.Parser
	if parser == nil {
		parser = NewMIMEParser(logger)
	}
	return &Pipeline{
		parser:   parser,
		store:    opts.Store,
		cache:    opts.Cache,
		notifier: opts.Notifier,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}
}

// Ingest parses raw and stores the result. Only a parse failure is returned;
// storage failures are logged and the message still counts as accepted.
func (p *Pipeline) Ingest(raw []byte, acceptedAt time.Time) (store.Summary, error) {
	parsed, err := p.parser.Parse(raw)
	if err != nil {
		return store.Summary{}, err
	}

	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		subject = defaultSubject
	}

	email := store.Email{
		ID:          p.reserveID(parsed.MessageID),
		ReceivedAt:  acceptedAt,
		Subject:     subject,
		From:        JoinAddresses(parsed.From),
		To:          JoinAddresses(parsed.To),
		Cc:          JoinAddresses(parsed.Cc),
		Bcc:         JoinAddresses(parsed.Bcc),
		Text:        parsed.Text,
		HTML:        parsed.HTML,
		Source:      string(raw),
		Attachments: parsed.Attachments,
	}
	summary := email.Summary()

	p.gate.RLock()
	if err := p.store.SaveEmail(email); err != nil {
		p.gate.RUnlock()
		p.release(email.ID)
		p.logger.Error("store email", "id", email.ID, "error", err)
		return summary, nil
	}
	p.mu.Lock()
	evicted, err := p.cache.Insert(summary)
	delete(p.pending, email.ID)
	p.mu.Unlock()
	p.gate.RUnlock()
	if err != nil {
		p.logger.Error("write summaries", "id", email.ID, "error", err)
	}

	for _, old := range evicted {
		if err := p.store.RemoveEmail(old.ID); err != nil {
			p.logger.Warn("remove evicted email", "id", old.ID, "error", err)
		}
	}

	p.logger.Info("email stored", "id", email.ID, "subject", subject, "from", email.From, "attachments", len(email.Attachments))
	p.notify(summary)
	return summary, nil
}

// Purge runs fn while no message sits between its detail write and its
// index insert, so fn can wipe storage without orphaning an index entry.
func (p *Pipeline) Purge(fn func() error) error {
	p.gate.Lock()
	defer p.gate.Unlock()
	return fn()
}

// reserveID prefers the message's own Message-ID unless it is missing,
// already stored or claimed by a message still being written.
func (p *Pipeline) reserveID(messageID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := messageID
	if _, busy := p.pending[id]; id == "" || busy || p.cache.Contains(id) {
		id = uuid.NewString()
	}
	p.pending[id] = struct{}{}
	return id
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Pipeline) notify(summary store.Summary) {
	if p.notifier == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Warn("new message notification", "id", summary.ID, "panic", fmt.Sprint(r))
			}
		}()
		p.notifier.NewMessage(summary)
	}()
}
