package intake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/mailcatch/internal/store"
)

var ErrParse = errors.New("parse message")

// Parsed is the structured view of a raw message that the pipeline needs.
// Address lists are already formatted for display.
type Parsed struct {
	MessageID   string
	Subject     string
	From        []string
	To          []string
	Cc          []string
	Bcc         []string
	Text        string
	HTML        string
	Attachments []store.Attachment
}

type Parser interface {
	Parse(raw []byte) (*Parsed, error)
}

type MIMEParser struct {
	logger *slog.Logger
}

func NewMIMEParser(logger *slog.Logger) *MIMEParser {
	return &MIMEParser{logger: logger}
}

func (p *MIMEParser) Parse(raw []byte) (*Parsed, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if err != nil {
		p.logger.Warn("unknown charset in message header", "error", err)
	}

	parsed := &Parsed{
		From: addressList(reader.Header, "From"),
		To:   addressList(reader.Header, "To"),
		Cc:   addressList(reader.Header, "Cc"),
		Bcc:  addressList(reader.Header, "Bcc"),
	}
	if subject, err := reader.Header.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = reader.Header.Get("Subject")
	}
	if id, err := reader.Header.MessageID(); err == nil {
		parsed.MessageID = strings.TrimSpace(id)
	}

	var text, html []string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !message.IsUnknownCharset(err) {
				p.logger.Warn("read message part", "error", err)
				break
			}
			// The part is still readable, just not transcoded.
			p.logger.Warn("unknown charset in message part", "error", err)
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			p.logger.Warn("read message part body", "error", err)
			continue
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := header.ContentType()
			switch {
			case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
				text = append(text, string(body))
			case strings.HasPrefix(mediaType, "text/html"):
				html = append(html, string(body))
			default:
				_, dispParams, _ := header.ContentDisposition()
				name := dispParams["filename"]
				if name == "" {
					name = params["name"]
				}
				parsed.Attachments = append(parsed.Attachments, store.Attachment{
					ContentType:        mediaType,
					FileName:           name,
					ContentDisposition: "inline",
					ContentID:          contentID(header.Get("Content-Id")),
					Length:             int64(len(body)),
					Data:               body,
				})
			}
		case *mail.AttachmentHeader:
			name, _ := header.Filename()
			mediaType, params, _ := header.ContentType()
			if name == "" {
				name = params["name"]
			}
			parsed.Attachments = append(parsed.Attachments, store.Attachment{
				ContentType:        mediaType,
				FileName:           strings.TrimSpace(name),
				ContentDisposition: "attachment",
				ContentID:          contentID(header.Get("Content-Id")),
				Length:             int64(len(body)),
				Data:               body,
			})
		}
	}

	parsed.Text = trimBody(strings.Join(text, "\n"))
	parsed.HTML = trimBody(strings.Join(html, "\n"))
	return parsed, nil
}

// addressList formats every address of a header for display. Headers that do
// not parse as address lists are kept as their decoded text.
func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		if value, textErr := h.Text(key); textErr == nil && sanitize(value) != "" {
			return []string{sanitize(value)}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, displayAddress(addr.Name, addr.Address))
	}
	return out
}

func contentID(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "<>")
}

func trimBody(body string) string {
	return strings.TrimRight(body, "\r\n")
}
