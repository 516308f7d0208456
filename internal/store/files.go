package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

const (
	SummariesFile = "emailSummaries.json"
	detailSuffix  = ".json"
)

var ErrWatchUnsupported = errors.New("index watch requires an OS-backed filesystem")

// Manager owns the on-disk layout under root: the summary index, one detail
// file per message and one attachment directory per message.
type Manager struct {
	fs     afero.Fs
	root   string
	limit  int
	logger *slog.Logger
}

func Open(fsys afero.Fs, root string, limit int, logger *slog.Logger) (*Manager, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("open storage: limit must be positive, got %d", limit)
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Manager{fs: fsys, root: root, limit: limit, logger: logger}, nil
}

func OpenDir(root string, limit int, logger *slog.Logger) (*Manager, error) {
	return Open(afero.NewOsFs(), root, limit, logger)
}

func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) Limit() int {
	return m.limit
}

// Summaries returns the persisted index. A missing index is an empty one.
func (m *Manager) Summaries() ([]Summary, error) {
	data, err := afero.ReadFile(m.fs, m.summariesPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("read summaries: %w", err)
	}
	var summaries []Summary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("decode summaries: %w", err)
	}
	if summaries == nil {
		summaries = []Summary{}
	}
	return summaries, nil
}

// WriteSummaries persists at most limit entries, whatever the caller passed.
func (m *Manager) WriteSummaries(summaries []Summary) error {
	if len(summaries) > m.limit {
		summaries = summaries[:m.limit]
	}
	if summaries == nil {
		summaries = []Summary{}
	}
	data, err := json.Marshal(summaries)
	if err != nil {
		return fmt.Errorf("encode summaries: %w", err)
	}
	if err := m.writeFile(m.summariesPath(), data); err != nil {
		return fmt.Errorf("write summaries: %w", err)
	}
	return nil
}

// LoadEmail reports false when no detail record exists for id.
func (m *Manager) LoadEmail(id string) (Email, bool, error) {
	data, err := afero.ReadFile(m.fs, m.detailPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Email{}, false, nil
		}
		return Email{}, false, fmt.Errorf("read email %s: %w", id, err)
	}
	var email Email
	if err := json.Unmarshal(data, &email); err != nil {
		return Email{}, false, fmt.Errorf("decode email %s: %w", id, err)
	}
	return email, true, nil
}

// SaveEmail writes attachment blobs first and the detail record last.
// Attachments without a file name are recorded but their payload is dropped.
// Repeated file names within one message get a numeric suffix so every blob
// keeps its own location.
func (m *Manager) SaveEmail(email Email) error {
	if err := checkID(email.ID); err != nil {
		return err
	}
	record := email
	record.Attachments = make([]Attachment, 0, len(email.Attachments))
	used := map[string]struct{}{}
	for _, attachment := range email.Attachments {
		stored := attachment
		stored.Data = nil
		name := strings.TrimSpace(attachment.FileName)
		if name != "" {
			name = uniqueName(name, used)
			location := path.Join(key(email.ID), key(name))
			if err := m.fs.MkdirAll(m.attachmentDir(email.ID), 0o755); err != nil {
				return fmt.Errorf("create attachment dir: %w", err)
			}
			if err := m.writeFile(filepath.Join(m.root, filepath.FromSlash(location)), attachment.Data); err != nil {
				return fmt.Errorf("write attachment %s: %w", name, err)
			}
			stored.Location = location
		}
		record.Attachments = append(record.Attachments, stored)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode email %s: %w", email.ID, err)
	}
	if err := m.writeFile(m.detailPath(email.ID), data); err != nil {
		return fmt.Errorf("write email %s: %w", email.ID, err)
	}
	return nil
}

func uniqueName(name string, used map[string]struct{}) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		if _, taken := used[key(candidate)]; !taken {
			break
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
	used[key(candidate)] = struct{}{}
	return candidate
}

// LoadBlob reads an attachment by the Location recorded in its detail
// record. It reports false when the blob is absent.
func (m *Manager) LoadBlob(location string) ([]byte, bool, error) {
	cleaned := path.Clean(location)
	if location == "" || path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return nil, false, nil
	}
	data, err := afero.ReadFile(m.fs, filepath.Join(m.root, filepath.FromSlash(cleaned)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read attachment %s: %w", location, err)
	}
	return data, true, nil
}

// RemoveSummary drops id from the persisted index and reports whether it was
// there. It serves callers that have no in-memory mirror loaded.
func (m *Manager) RemoveSummary(id string) (bool, error) {
	return m.rewrite(func(summaries []Summary) ([]Summary, bool) {
		i := slices.IndexFunc(summaries, func(s Summary) bool { return s.ID == id })
		if i < 0 {
			return summaries, false
		}
		return slices.Delete(summaries, i, i+1), true
	})
}

// MarkSummaryRead sets the opened flag of id in the persisted index.
func (m *Manager) MarkSummaryRead(id string) (bool, error) {
	found := false
	_, err := m.rewrite(func(summaries []Summary) ([]Summary, bool) {
		i := slices.IndexFunc(summaries, func(s Summary) bool { return s.ID == id })
		if i < 0 {
			return summaries, false
		}
		found = true
		if summaries[i].Opened {
			return summaries, false
		}
		summaries[i].Opened = true
		return summaries, true
	})
	return found, err
}

func (m *Manager) rewrite(edit func([]Summary) ([]Summary, bool)) (bool, error) {
	summaries, err := m.Summaries()
	if err != nil {
		return false, err
	}
	summaries, changed := edit(summaries)
	if !changed {
		return false, nil
	}
	return true, m.WriteSummaries(summaries)
}

// RemoveEmail deletes the detail record and the attachment directory.
// Removing an absent record is a no-op.
func (m *Manager) RemoveEmail(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	var errs []error
	if err := m.fs.Remove(m.detailPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove email %s: %w", id, err))
	}
	if err := m.fs.RemoveAll(m.attachmentDir(id)); err != nil {
		errs = append(errs, fmt.Errorf("remove attachments %s: %w", id, err))
	}
	return errors.Join(errs...)
}

// Clear removes every entry under root. Failures are logged per entry and
// do not stop the sweep; the number of entries that could not be removed is
// returned.
func (m *Manager) Clear() int {
	entries, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Error("read storage root", "root", m.root, "error", err)
		}
		return 0
	}
	failed := 0
	for _, entry := range entries {
		target := filepath.Join(m.root, entry.Name())
		if err := m.fs.RemoveAll(target); err != nil {
			m.logger.Error("clear storage entry", "path", target, "error", err)
			failed++
		}
	}
	return failed
}

// Watch calls fn with the current index every time the index file changes,
// including writes made by other processes, until ctx is done.
func (m *Manager) Watch(ctx context.Context, fn func([]Summary)) error {
	if _, ok := m.fs.(*afero.OsFs); !ok {
		return ErrWatchUnsupported
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.root, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != SummariesFile {
					continue
				}
				summaries, err := m.Summaries()
				if err != nil {
					// A concurrent writer or clear; the next event carries the settled state.
					m.logger.Debug("reload summaries", "error", err)
					continue
				}
				fn(summaries)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("storage watcher", "error", err)
			}
		}
	}()
	return nil
}

func (m *Manager) writeFile(target string, data []byte) error {
	tmp, err := afero.TempFile(m.fs, filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		m.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		m.fs.Remove(tmpName)
		return err
	}
	if err := m.fs.Rename(tmpName, target); err != nil {
		m.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (m *Manager) summariesPath() string {
	return filepath.Join(m.root, SummariesFile)
}

func (m *Manager) detailPath(id string) string {
	return filepath.Join(m.root, key(id)+detailSuffix)
}

func (m *Manager) attachmentDir(id string) string {
	return filepath.Join(m.root, key(id))
}

// key maps a message id onto a single path segment inside root.
func key(id string) string {
	escaped := url.PathEscape(id)
	if strings.Trim(escaped, ".") == "" {
		escaped = strings.ReplaceAll(escaped, ".", "%2E")
	}
	if escaped+detailSuffix == SummariesFile {
		escaped = fmt.Sprintf("%%%02X", escaped[0]) + escaped[1:]
	}
	return escaped
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("invalid message id %q: %w", id, os.ErrInvalid)
	}
	return nil
}
