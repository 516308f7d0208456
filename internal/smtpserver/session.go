package smtpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailcatch/internal/auth"
	"github.io/infrasutra/mailcatch/internal/intake"
	"github.io/infrasutra/mailcatch/internal/journal"
)

var (
	ErrAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	ErrOriginRejected = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      auth.ErrOriginRejected.Error(),
	}
	ErrInvalidCredentials = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	ErrMessageTooLarge = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      intake.ErrSizeExceeded.Error(),
	}
	ErrUnsupportedMechanism = &smtp.SMTPError{
		Code:         504,
		EnhancedCode: smtp.EnhancedCode{5, 5, 4},
		Message:      "Unsupported authentication mechanism",
	}
)

type backend struct {
	policy   *auth.Policy
	maxBytes int64
	ingester Ingester
	journal  Recorder
	logger   *slog.Logger
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return b.newSession(c.Conn().RemoteAddr()), nil
}

func (b *backend) newSession(remote net.Addr) *session {
	return &session{backend: b, remote: remote}
}

func (b *backend) record(event journal.Event) {
	if b.journal == nil {
		return
	}
	if _, err := b.journal.Record(context.Background(), event); err != nil {
		b.logger.Warn("record intake event", "kind", event.Kind, "error", err)
	}
}

type session struct {
	backend       *backend
	remote        net.Addr
	authenticated bool
	from          string
	to            []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if err := s.backend.policy.CheckOrigin(s.remote); err != nil {
		s.reject(err)
		return nil, ErrOriginRejected
	}
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				s.reject(auth.ErrInvalidCredentials)
				return ErrInvalidCredentials
			}
			return s.verify(username, password)
		}), nil
	case sasl.Login:
		return newLoginServer(s.verify), nil
	}
	return nil, ErrUnsupportedMechanism
}

func (s *session) verify(username, password string) error {
	if err := s.backend.policy.Authenticate(s.remote, username, password); err != nil {
		s.reject(err)
		if errors.Is(err, auth.ErrOriginRejected) {
			return ErrOriginRejected
		}
		return ErrInvalidCredentials
	}
	s.authenticated = true
	return nil
}

// reject drops whatever the session held before the failed attempt.
func (s *session) reject(reason error) {
	s.authenticated = false
	s.Reset()
	s.backend.logger.Warn("smtp auth rejected", "remote", s.remoteString(), "error", reason)
	s.backend.record(journal.Event{
		Kind:   journal.KindAuthRejected,
		Remote: s.remoteString(),
		Detail: reason.Error(),
	})
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authenticated {
		return ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.authenticated {
		return ErrAuthRequired
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if !s.authenticated {
		return ErrAuthRequired
	}
	raw, err := intake.Collect(r, s.backend.maxBytes)
	if errors.Is(err, intake.ErrSizeExceeded) || errors.Is(err, smtp.ErrDataTooLarge) {
		s.backend.logger.Warn("smtp message too large", "remote", s.remoteString(), "limit", s.backend.maxBytes)
		s.backend.record(journal.Event{
			Kind:   journal.KindSizeExceeded,
			Remote: s.remoteString(),
			Detail: intake.ErrSizeExceeded.Error(),
			Size:   s.backend.maxBytes,
		})
		return ErrMessageTooLarge
	}
	if err != nil {
		return err
	}

	summary, err := s.backend.ingester.Ingest(raw, time.Now())
	if err != nil {
		// Still acknowledged so the sender does not retry; the raw bytes stay
		// in the journal.
		s.backend.logger.Warn("discard unparsable message", "remote", s.remoteString(), "size", len(raw), "error", err)
		s.backend.record(journal.Event{
			Kind:   journal.KindParseFailed,
			Remote: s.remoteString(),
			Detail: err.Error(),
			Size:   int64(len(raw)),
			Raw:    raw,
		})
		return nil
	}
	s.backend.record(journal.Event{
		Kind:      journal.KindAccepted,
		Remote:    s.remoteString(),
		MessageID: summary.ID,
		Size:      int64(len(raw)),
	})
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) remoteString() string {
	if s.remote == nil {
		return ""
	}
	return s.remote.String()
}
