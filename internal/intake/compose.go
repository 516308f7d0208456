package intake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

var ErrEmptyDraft = errors.New("message body required")

// Draft is an outbound test message built by the operator.
type Draft struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

// Recipients returns the bare addresses of d.To, deduplicated and
// lower-cased, skipping entries that do not parse.
func (d Draft) Recipients() []string {
	seen := map[string]struct{}{}
	result := []string{}
	for _, recipient := range d.To {
		addr, err := mail.ParseAddress(strings.TrimSpace(recipient))
		if err != nil {
			continue
		}
		key := strings.ToLower(addr.Address)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, key)
	}
	return result
}

// Compose renders d as an RFC 5322 message. Text and HTML bodies together
// produce a multipart/alternative message.
func Compose(d Draft, now time.Time) ([]byte, error) {
	textBody := strings.TrimSpace(d.Text)
	htmlBody := strings.TrimSpace(d.HTML)
	if textBody == "" && htmlBody == "" {
		return nil, ErrEmptyDraft
	}
	from, err := mail.ParseAddress(sanitizeHeader(d.From))
	if err != nil {
		return nil, fmt.Errorf("parse sender: %w", err)
	}
	to := d.Recipients()
	if len(to) == 0 {
		return nil, errors.New("at least one recipient required")
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	addrs := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		addrs = append(addrs, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", addrs)
	h.SetSubject(sanitizeHeader(d.Subject))
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	if textBody != "" && htmlBody != "" {
		w, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}
		if err := writePart(w, "text/plain", textBody); err != nil {
			return nil, err
		}
		if err := writePart(w, "text/html", htmlBody); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close message: %w", err)
		}
		return buf.Bytes(), nil
	}

	contentType, body := "text/plain", textBody
	if body == "" {
		contentType, body = "text/html", htmlBody
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return part.Close()
}

func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}
