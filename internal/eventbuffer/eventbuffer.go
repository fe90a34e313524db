// Package eventbuffer is the durable, append-only JSONL event log kept on
// local storage for each recording session. It is the crash-safety
// foundation for the rest of the module: every event is fsynced before
// appendEvent reports success, so a process death loses at most the event
// currently being written.
package eventbuffer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/rejourney/replay-agent/pkg/model"
)

var log = logging.L("eventbuffer")

const metaRewriteInterval = 10

// Meta is the small sidecar document tracking a session's event-log
// progress, rewritten every metaRewriteInterval appends and on Shutdown.
type Meta struct {
	SessionID           string `json:"sessionId"`
	EventCount          int64  `json:"eventCount"`
	LastEventTimestamp  int64  `json:"lastEventTimestamp"`
	SavedAt             int64  `json:"savedAt"`
}

type session struct {
	file           *os.File
	writer         *bufio.Writer
	eventCount     int64
	lastTimestamp  int64
	sinceMetaFlush int
}

// Buffer manages one append handle per active session under
// <cacheDir>/rj_pending/<sessionId>/{events.jsonl,buffer_meta.json}.
type Buffer struct {
	mu       sync.Mutex
	rootDir  string
	clockNow func() time.Time
	sessions map[string]*session
}

// New creates a Buffer rooted at rootDir (typically Config.CacheDir).
func New(rootDir string) *Buffer {
	return &Buffer{
		rootDir:  rootDir,
		clockNow: time.Now,
		sessions: make(map[string]*session),
	}
}

func (b *Buffer) sessionDir(sessionID string) string {
	return filepath.Join(b.rootDir, "rj_pending", sessionID)
}

// Configure opens (creating if needed) the append handle for sessionID.
// Safe to call again for a session that is already configured — it is a
// no-op in that case.
func (b *Buffer) Configure(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sessions[sessionID]; ok {
		return nil
	}

	dir := b.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open events.jsonl: %w", err)
	}

	s := &session{file: f, writer: bufio.NewWriter(f)}
	if meta, err := readMeta(dir); err == nil && meta != nil {
		s.eventCount = meta.EventCount
		s.lastTimestamp = meta.LastEventTimestamp
	}

	b.sessions[sessionID] = s
	log.Info("configured session", "sessionId", sessionID)
	return nil
}

// AppendEvent serializes event as one JSON line and fsyncs it before
// returning true. Returns false (and logs) on any I/O error — callers,
// including exception handlers, must treat false as "could not persist"
// and never panic on it.
func (b *Buffer) AppendEvent(event model.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[event.SessionID]
	if !ok {
		log.Warn("appendEvent: session not configured", "sessionId", event.SessionID)
		return false
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error("appendEvent: marshal failed", "error", err, "sessionId", event.SessionID)
		return false
	}
	data = append(data, '\n')

	if _, err := s.writer.Write(data); err != nil {
		log.Error("appendEvent: write failed", "error", err, "sessionId", event.SessionID)
		return false
	}
	if err := s.writer.Flush(); err != nil {
		log.Error("appendEvent: flush failed", "error", err, "sessionId", event.SessionID)
		return false
	}
	if err := s.file.Sync(); err != nil {
		log.Error("appendEvent: fsync failed", "error", err, "sessionId", event.SessionID)
		return false
	}

	s.eventCount++
	s.lastTimestamp = event.TimestampMs
	s.sinceMetaFlush++

	if s.sinceMetaFlush >= metaRewriteInterval {
		b.writeMetaLocked(event.SessionID, s)
		s.sinceMetaFlush = 0
	}

	return true
}

// Flush forces the meta sidecar to disk for sessionID without closing the
// append handle.
func (b *Buffer) Flush(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return false
	}
	if err := s.writer.Flush(); err != nil {
		log.Error("flush: writer flush failed", "error", err, "sessionId", sessionID)
		return false
	}
	b.writeMetaLocked(sessionID, s)
	s.sinceMetaFlush = 0
	return true
}

// Shutdown flushes and closes every open session handle, rewriting each
// meta sidecar one last time.
func (b *Buffer) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, s := range b.sessions {
		s.writer.Flush()
		b.writeMetaLocked(sessionID, s)
		s.file.Close()
	}
	b.sessions = make(map[string]*session)
	log.Info("eventbuffer shut down")
}

// ReadPendingEvents reads every well-formed event line for sessionID,
// tolerating blank and unparseable lines (the tail line of a crash-torn
// append) by skipping them rather than failing the whole read.
func (b *Buffer) ReadPendingEvents(sessionID string) ([]model.Event, error) {
	path := filepath.Join(b.sessionDir(sessionID), "events.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events.jsonl: %w", err)
	}
	defer f.Close()

	var events []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn("readPendingEvents: skipping unparseable line", "sessionId", sessionID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan events.jsonl: %w", err)
	}
	return events, nil
}

// ClearSession removes a session's on-disk directory entirely, closing its
// handle first if still open.
func (b *Buffer) ClearSession(sessionID string) error {
	b.mu.Lock()
	if s, ok := b.sessions[sessionID]; ok {
		s.file.Close()
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()

	if err := os.RemoveAll(b.sessionDir(sessionID)); err != nil {
		log.Error("clearSession: remove failed", "error", err, "sessionId", sessionID)
		return err
	}
	return nil
}

// GetPendingSessions enumerates every subdirectory of rj_pending/ that
// contains an events.jsonl, regardless of whether it is currently
// configured in this process — used on startup to resurrect crash-orphaned
// sessions.
func (b *Buffer) GetPendingSessions() ([]string, error) {
	root := filepath.Join(b.rootDir, "rj_pending")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "events.jsonl")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// GetSessionMetadata reads the buffer_meta.json sidecar for sessionID, or
// returns nil if absent.
func (b *Buffer) GetSessionMetadata(sessionID string) (*Meta, error) {
	return readMeta(b.sessionDir(sessionID))
}

func (b *Buffer) writeMetaLocked(sessionID string, s *session) {
	meta := Meta{
		SessionID:          sessionID,
		EventCount:         s.eventCount,
		LastEventTimestamp: s.lastTimestamp,
		SavedAt:            b.clockNow().UnixMilli(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		log.Error("writeMeta: marshal failed", "error", err, "sessionId", sessionID)
		return
	}
	path := filepath.Join(b.sessionDir(sessionID), "buffer_meta.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		log.Error("writeMeta: write failed", "error", err, "sessionId", sessionID)
	}
}

func readMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "buffer_meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
