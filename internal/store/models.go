package store

import (
	"net/url"
	"path"
	"time"
)

type Email struct {
	ID          string       `json:"id"`
	ReceivedAt  time.Time    `json:"receivedDateTime"`
	Subject     string       `json:"subject"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Cc          string       `json:"cc"`
	Bcc         string       `json:"bcc"`
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	Source      string       `json:"source"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment describes one MIME part of an Email. Data is only populated on
// the intake path; persisted records reference the blob through Location.
type Attachment struct {
	ContentType        string `json:"contentType"`
	FileName           string `json:"fileName"`
	ContentDisposition string `json:"contentDisposition"`
	ContentID          string `json:"contentId"`
	Length             int64  `json:"length"`
	Location           string `json:"location,omitempty"`
	Data               []byte `json:"-"`
}

// StoredName is the name the blob was saved under. It differs from FileName
// when another attachment of the same message already used that name.
func (a Attachment) StoredName() string {
	if a.Location == "" {
		return ""
	}
	name, err := url.PathUnescape(path.Base(a.Location))
	if err != nil {
		return path.Base(a.Location)
	}
	return name
}

type Summary struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Opened     bool      `json:"opened"`
	ReceivedAt time.Time `json:"receivedDateTime"`
}

func (e Email) Summary() Summary {
	return Summary{
		ID:         e.ID,
		Subject:    e.Subject,
		From:       e.From,
		To:         e.To,
		ReceivedAt: e.ReceivedAt,
	}
}

// Equal compares summaries by value; ReceivedAt is compared as an instant so
// records survive a JSON round trip.
func (s Summary) Equal(other Summary) bool {
	return s.ID == other.ID &&
		s.Subject == other.Subject &&
		s.From == other.From &&
		s.To == other.To &&
		s.Opened == other.Opened &&
		s.ReceivedAt.Equal(other.ReceivedAt)
}
