package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailcatch/internal/capture"
	"github.io/infrasutra/mailcatch/internal/config"
	"github.io/infrasutra/mailcatch/internal/journal"
	"github.io/infrasutra/mailcatch/internal/sse"
	"github.io/infrasutra/mailcatch/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	service *capture.Service
	server  *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Config{
		SMTPHost:          "127.0.0.1",
		MaxMessageSize:    1 << 20,
		SMTPUsername:      "user",
		SMTPPassword:      "pass",
		MaxStoredMessages: 10,
		ProbeAttempts:     1,
		ProbeTimeout:      time.Second,
	}
	files, err := store.OpenDir(t.TempDir(), cfg.MaxStoredMessages, discardLogger())
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	j, err := journal.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	svc, err := capture.New(cfg, capture.Deps{Files: files, Journal: j, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	srv := NewServer(svc, sse.NewHub(), discardLogger())
	t.Cleanup(srv.Close)
	return &fixture{service: svc, server: srv}
}

func (f *fixture) deliver(t *testing.T, raw string) {
	t.Helper()
	c, err := smtp.Dial(f.service.SMTPAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if err := c.Auth(sasl.NewPlainClient("", "user", "pass")); err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if err := c.Mail("a@x.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("b@y.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, err := io.WriteString(w, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close data: %v", err)
	}
	c.Quit()
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

type listResponse struct {
	Messages []capture.Entry `json:"messages"`
	HasNext  bool            `json:"hasNext"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const withAttachment = "From: a@x.com\r\n" +
	"To: b@y.com\r\n" +
	"Subject: Report\r\n" +
	"Message-ID: <report@x.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aGVsbG8=\r\n" +
	"--XYZ--\r\n"

func TestMessages_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	if got := decode[listResponse](t, rec); len(got.Messages) != 0 {
		t.Fatalf("list: got %d messages, want 0", len(got.Messages))
	}

	f.deliver(t, withAttachment)

	list := decode[listResponse](t, f.do(t, http.MethodGet, "/api/messages", ""))
	if len(list.Messages) != 1 || list.Messages[0].Summary.ID != "report@x.com" {
		t.Fatalf("list: got %+v", list.Messages)
	}
	if list.Messages[0].Summary.Opened {
		t.Error("message opened before it was read")
	}

	rec = f.do(t, http.MethodGet, "/api/messages/report@x.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: got %d", rec.Code)
	}
	email := decode[store.Email](t, rec)
	if email.Subject != "Report" || email.Text != "see attached" || len(email.Attachments) != 1 {
		t.Errorf("detail: got %+v", email)
	}
	list = decode[listResponse](t, f.do(t, http.MethodGet, "/api/messages", ""))
	if !list.Messages[0].Summary.Opened {
		t.Error("detail did not mark the message read")
	}

	rec = f.do(t, http.MethodGet, "/api/messages/report@x.com/raw", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "message/rfc822" {
		t.Fatalf("raw: got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "Subject: Report") {
		t.Errorf("raw body: got %q", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/messages/report@x.com/attachments/notes.txt", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Errorf("attachment: got %d %q", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/api/messages/report@x.com/attachments/missing.txt", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing attachment: got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/messages/report@x.com", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/messages/report@x.com", ""); rec.Code != http.StatusNotFound {
		t.Errorf("detail after delete: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/messages/report@x.com", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d", rec.Code)
	}
}

func TestMessages_PaginationAndDeleteAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, id := range []string{"m1@x.com", "m2@x.com", "m3@x.com"} {
		f.deliver(t, "From: a@x.com\r\nSubject: "+id+"\r\nMessage-ID: <"+id+">\r\n\r\nbody\r\n")
	}

	page := decode[listResponse](t, f.do(t, http.MethodGet, "/api/messages?limit=2", ""))
	if len(page.Messages) != 2 || !page.HasNext {
		t.Fatalf("page 1: got %d messages, hasNext %v", len(page.Messages), page.HasNext)
	}
	page = decode[listResponse](t, f.do(t, http.MethodGet, "/api/messages?limit=2&page=2", ""))
	if len(page.Messages) != 1 || page.HasNext {
		t.Fatalf("page 2: got %d messages, hasNext %v", len(page.Messages), page.HasNext)
	}
	if status := decode[serverStatus](t, f.do(t, http.MethodGet, "/api/server", "")); status.Messages != 3 {
		t.Errorf("status messages: got %d, want 3", status.Messages)
	}

	if rec := f.do(t, http.MethodDelete, "/api/messages", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete all: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/messages", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete all again: got %d", rec.Code)
	}
	if page := decode[listResponse](t, f.do(t, http.MethodGet, "/api/messages", "")); len(page.Messages) != 0 {
		t.Errorf("after delete all: got %d messages", len(page.Messages))
	}
	if status := decode[serverStatus](t, f.do(t, http.MethodGet, "/api/server", "")); status.Messages != 0 {
		t.Errorf("status messages after delete all: got %d", status.Messages)
	}
}

func TestServerControl(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	status := decode[serverStatus](t, f.do(t, http.MethodGet, "/api/server", ""))
	if !status.Running || status.SMTPAddr == "" {
		t.Fatalf("status: got %+v", status)
	}
	if rec := f.do(t, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("ready: got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/server", `{"action":"stop"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: got %d %s", rec.Code, rec.Body.String())
	}
	if status := decode[serverStatus](t, rec); status.Running || status.SMTPAddr != "" {
		t.Errorf("after stop: got %+v", status)
	}
	if rec := f.do(t, http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready while stopped: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/send", `{"from":"a@x.com","to":["b@y.com"],"text":"hi"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("send while stopped: got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/server", `{"action":"start"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: got %d %s", rec.Code, rec.Body.String())
	}
	if status := decode[serverStatus](t, rec); !status.Running {
		t.Errorf("after start: got %+v", status)
	}

	if rec := f.do(t, http.MethodPost, "/api/server", `{"action":"restart"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/api/server", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health: got %d %q", rec.Code, rec.Body.String())
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/send", `{"from":"dev@x.com","to":["qa@y.com"],"subject":"Smoke","text":"hi"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("send: got %d %s", rec.Code, rec.Body.String())
	}
	list := decode[listResponse](t, f.do(t, http.MethodGet, "/api/messages", ""))
	if len(list.Messages) != 1 || list.Messages[0].Summary.Subject != "Smoke" {
		t.Fatalf("list: got %+v", list.Messages)
	}

	if rec := f.do(t, http.MethodPost, "/api/send", `{"from":"dev@x.com","to":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("no recipients: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/send", `{"from":"dev@x.com","to":["qa@y.com"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty body: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/send", `{`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: got %d", rec.Code)
	}
}

func TestJournal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.deliver(t, "this line has no colon\r\n\r\nbody\r\n")

	rec := f.do(t, http.MethodGet, "/api/journal?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("journal: got %d", rec.Code)
	}
	got := decode[struct {
		Events []journal.Event `json:"events"`
	}](t, rec)
	if len(got.Events) != 1 || got.Events[0].Kind != journal.KindParseFailed {
		t.Fatalf("events: got %+v", got.Events)
	}

	rec = f.do(t, http.MethodGet, "/api/journal/"+jsonID(got.Events[0].ID)+"/raw", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "no colon") {
		t.Errorf("raw: got %d %q", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/api/journal/9999/raw", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown event: got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/journal/abc/raw", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d", rec.Code)
	}
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type: got %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func(prefix string) string {
		t.Helper()
		for lines.Scan() {
			if line := lines.Text(); strings.HasPrefix(line, prefix) {
				return line
			}
		}
		t.Fatalf("stream ended before %q: %v", prefix, lines.Err())
		return ""
	}

	if got := next("event: "); got != "event: ready" {
		t.Fatalf("first event: got %q", got)
	}
	f.deliver(t, "From: a@x.com\r\nSubject: live\r\n\r\nbody\r\n")
	if got := next("event: "); got != "event: changed" {
		t.Fatalf("event: got %q, want changed", got)
	}
	if got := next("data: "); got != `data: {"count":1}` {
		t.Errorf("data: got %q", got)
	}
}
