// Package sessions persists conversation transcripts as one JSONL file per
// session.
package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/bladerunner/unifiedllm"
)

// Entry types written to a transcript.
const (
	EntrySessionStart = "session_start"
	EntryMessage      = "message"
)

// IDLayout formats default session ids.
const IDLayout = "20060102_150405"

// ErrInvalidID is returned for ids that cannot name a file.
var ErrInvalidID = errors.New("invalid session id")

type entry struct {
	Type      string              `json:"type"`
	ID        string              `json:"id,omitempty"`
	Content   *unifiedllm.Message `json:"content,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Info summarizes a stored session.
type Info struct {
	ID           string    `json:"id"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
	MessageCount int       `json:"message_count"`
}

// Manager reads and appends session transcripts under a directory.
type Manager struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewManager creates the directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{dir: dir, now: time.Now}, nil
}

// Dir returns the sessions directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(m.dir, id+".jsonl"), nil
}

// Create starts a new transcript. An empty name uses the current time; a
// clash with an existing transcript gets a random suffix.
func (m *Manager) Create(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := name
	if id == "" {
		id = m.now().Format(IDLayout)
		if p, err := m.path(id); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				id = id + "_" + uuid.NewString()[:8]
			}
		}
	}
	p, err := m.path(id)
	if err != nil {
		return "", err
	}
	if err := m.appendLocked(p, entry{Type: EntrySessionStart, ID: id, Timestamp: m.now()}); err != nil {
		return "", fmt.Errorf("create session %s: %w", id, err)
	}
	return id, nil
}

// Exists reports whether a transcript file for id is present, even one
// holding only its header.
func (m *Manager) Exists(id string) (bool, error) {
	p, err := m.path(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SaveMessage appends a message to a transcript.
func (m *Manager) SaveMessage(id string, msg unifiedllm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.path(id)
	if err != nil {
		return err
	}
	if err := m.appendLocked(p, entry{Type: EntryMessage, Content: &msg, Timestamp: m.now()}); err != nil {
		return fmt.Errorf("save message to %s: %w", id, err)
	}
	return nil
}

func (m *Manager) appendLocked(path string, e entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readEntries(path string) ([]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Load returns the messages of a transcript in order. A missing session
// yields no messages and no error.
func (m *Manager) Load(id string) ([]unifiedllm.Message, error) {
	p, err := m.path(id)
	if err != nil {
		return nil, err
	}
	entries, err := readEntries(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []unifiedllm.Message
	for _, e := range entries {
		if e.Type == EntryMessage && e.Content != nil {
			msgs = append(msgs, *e.Content)
		}
	}
	return msgs, nil
}

// List returns every readable session, most recently updated first.
// Unreadable transcripts are skipped.
func (m *Manager) List() ([]Info, error) {
	files, err := filepath.Glob(filepath.Join(m.dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	var infos []Info
	for _, file := range files {
		entries, err := readEntries(file)
		if err != nil || len(entries) == 0 {
			continue
		}
		first, last := entries[0], entries[len(entries)-1]
		id := first.ID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(file), ".jsonl")
		}
		infos = append(infos, Info{
			ID:           id,
			Created:      first.Timestamp,
			Updated:      last.Timestamp,
			MessageCount: len(entries) - 1,
		})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Updated.After(infos[j].Updated)
	})
	return infos, nil
}

// Latest returns the id of the most recently updated session.
func (m *Manager) Latest() (string, bool, error) {
	infos, err := m.List()
	if err != nil || len(infos) == 0 {
		return "", false, err
	}
	return infos[0].ID, true, nil
}
