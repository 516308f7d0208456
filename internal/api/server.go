package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailcatch/internal/capture"
	"github.io/infrasutra/mailcatch/internal/intake"
	"github.io/infrasutra/mailcatch/internal/journal"
	"github.io/infrasutra/mailcatch/internal/pagination"
	"github.io/infrasutra/mailcatch/internal/sse"
	"github.io/infrasutra/mailcatch/internal/store"
)

const pingInterval = 20 * time.Second

type Server struct {
	service *capture.Service
	hub     *sse.Hub
	logger  *slog.Logger
	mux     *http.ServeMux
	detach  []func()
}

func NewServer(service *capture.Service, hub *sse.Hub, logger *slog.Logger) *Server {
	server := &Server{
		service: service,
		hub:     hub,
		logger:  logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", server.handleMessages)
	mux.HandleFunc("/api/messages/", server.handleMessage)
	mux.HandleFunc("/api/stream", server.handleStream)
	mux.HandleFunc("/api/server", server.handleServer)
	mux.HandleFunc("/api/send", server.handleSend)
	mux.HandleFunc("/api/journal", server.handleJournal)
	mux.HandleFunc("/api/journal/", server.handleJournalRaw)
	server.mux = mux

	server.detach = append(server.detach,
		service.Subscribe(func(summaries []store.Summary) {
			server.publish(sse.EventChanged, map[string]int{"count": len(summaries)})
		}),
		service.OnStateChange(func(running bool) {
			server.publish(sse.EventState, server.status())
		}),
	)
	return server
}

// Close stops forwarding service events to the hub.
func (s *Server) Close() {
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	if path == "/health" {
		s.handleHealth(w, r)
		return
	}
	if path == "/ready" {
		s.handleReady(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) publish(event string, data any) {
	if err := s.hub.Publish(event, data); err != nil {
		s.logger.Warn("publish event", "event", event, "error", err)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		params := pagination.FromQuery(r.URL.Query())
		entries, hasNext := pagination.Window(s.service.ListSummaries(), params)
		response := struct {
			Messages []capture.Entry `json:"messages"`
			Page     int             `json:"page"`
			Limit    int             `json:"limit"`
			HasNext  bool            `json:"hasNext"`
		}{
			Messages: entries,
			Page:     params.Page,
			Limit:    params.Limit,
			HasNext:  hasNext,
		}
		s.respondJSON(w, http.StatusOK, response)
	case http.MethodDelete:
		if err := s.service.DeleteAll(); err != nil {
			s.logger.Error("delete all emails", "error", err)
			http.Error(w, "unable to delete all emails", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleMessageDetail(w, r, id)
		case http.MethodDelete:
			s.handleMessageDelete(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "raw" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleMessageRaw(w, r, id)
		return
	}

	if len(parts) == 3 && parts[1] == "attachments" && parts[2] != "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleAttachment(w, r, id, parts[2])
		return
	}

	http.NotFound(w, r)
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request, id string) {
	email, err := s.service.GetDetails(id)
	if err != nil {
		s.respondError(w, err, "unable to load message")
		return
	}
	if err := s.service.MarkRead(id); err != nil {
		s.logger.Warn("mark read", "id", id, "error", err)
	}
	if email.Attachments == nil {
		email.Attachments = []store.Attachment{}
	}
	s.respondJSON(w, http.StatusOK, email)
}

func (s *Server) handleMessageRaw(w http.ResponseWriter, r *http.Request, id string) {
	email, err := s.service.GetDetails(id)
	if err != nil {
		s.respondError(w, err, "unable to load message")
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "message-"+id+".eml"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(email.Source))
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, id, name string) {
	attachment, data, err := s.service.Attachment(id, name)
	if err != nil {
		s.respondError(w, err, "unable to load attachment")
		return
	}
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.service.DeleteOne(id); err != nil {
		s.respondError(w, err, "unable to delete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ready, err := sse.Encode("ready", s.status())
	if err != nil {
		http.Error(w, "unable to encode status", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(ready)
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, s.status())
	case http.MethodPost:
		var payload struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		switch payload.Action {
		case "start":
			if err := s.service.Start(r.Context()); err != nil {
				s.logger.Error("start smtp server", "error", err)
				http.Error(w, fmt.Sprintf("unable to start smtp server: %v", err), http.StatusServiceUnavailable)
				return
			}
		case "stop":
			if err := s.service.Stop(); err != nil {
				s.logger.Error("stop smtp server", "error", err)
				http.Error(w, fmt.Sprintf("unable to stop smtp server: %v", err), http.StatusInternalServerError)
				return
			}
		default:
			http.Error(w, "invalid action", http.StatusBadRequest)
			return
		}
		s.respondJSON(w, http.StatusOK, s.status())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var draft intake.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if len(draft.Recipients()) == 0 {
		http.Error(w, "at least one recipient required", http.StatusBadRequest)
		return
	}
	if err := s.service.Send(r.Context(), draft); err != nil {
		switch {
		case errors.Is(err, capture.ErrNotRunning):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, intake.ErrEmptyDraft):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			s.logger.Error("send mail", "error", err)
			http.Error(w, "unable to send mail", http.StatusBadRequest)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if parsed, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && parsed > 0 {
		limit = min(parsed, pagination.MaxLimit)
	}
	events, err := s.service.Journal(r.Context(), limit)
	if err != nil {
		s.logger.Error("list journal", "error", err)
		http.Error(w, "unable to list journal", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleJournalRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/journal/"), "/")
	if len(parts) != 2 || parts[1] != "raw" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid journal id", http.StatusBadRequest)
		return
	}
	event, err := s.service.Quarantined(r.Context(), id)
	if err != nil {
		s.respondError(w, err, "unable to load journal event")
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=\"quarantine-%d.eml\"", event.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(event.Raw)
}

type serverStatus struct {
	Running     bool   `json:"running"`
	Probe       string `json:"probe"`
	SMTPAddr    string `json:"smtpAddr,omitempty"`
	Messages    int    `json:"messages"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) status() serverStatus {
	status := serverStatus{
		Running:     s.service.Running(),
		Probe:       s.service.ProbeState().String(),
		Messages:    s.service.Count(),
		Subscribers: s.hub.Subscribers(),
	}
	if addr := s.service.SMTPAddr(); addr != nil {
		status.SMTPAddr = addr.String()
	}
	return status
}

func (s *Server) respondError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, capture.ErrRecordNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.logger.Error(message, "error", err)
	http.Error(w, message, http.StatusInternalServerError)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

// handleReady reports whether mail is being captured right now.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.service.Running() {
		s.respondText(w, http.StatusServiceUnavailable, "stopped")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
