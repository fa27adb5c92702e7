// Package heartware manages the agent's persona files: a directory of
// markdown blobs injected verbatim into the system prompt. The content is
// opaque to the core; edits are backed up and audited.
package heartware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
)

const (
	backupDir  = ".backups"
	auditDir   = "audit"
	auditFile  = "heartware-audit.log"
	maxBackups = 10

	debounceDelay = 500 * time.Millisecond
)

// auditRecord is one line of the JSONL audit log.
type auditRecord struct {
	Timestamp int64  `json:"ts"`
	File      string `json:"file"`
	Action    string `json:"action"`
	Bytes     int    `json:"bytes"`
	Actor     string `json:"actor"`
}

// Manager loads and serves the heartware directory.
type Manager struct {
	dir string
	clk clock.Clock

	mu    sync.RWMutex
	blobs map[string]string // filename → content

	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
}

// NewManager creates a Manager over dir and performs the initial load. The
// directory is created if missing.
func NewManager(dir string, clk clock.Clock) (*Manager, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("heartware: create dir: %w", err)
	}
	m := &Manager{
		dir:    dir,
		clk:    clk,
		blobs:  make(map[string]string),
		stopCh: make(chan struct{}),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads every markdown file in the directory.
func (m *Manager) Reload() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("heartware: read dir: %w", err)
	}
	blobs := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			slog.Warn("heartware: unreadable file skipped", "file", entry.Name(), "error", err)
			continue
		}
		blobs[entry.Name()] = string(data)
	}

	m.mu.Lock()
	m.blobs = blobs
	m.mu.Unlock()
	slog.Info("heartware loaded", "dir", m.dir, "files", len(blobs))
	return nil
}

// Context returns the concatenated persona blob, files in name order.
func (m *Manager) Context() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.blobs))
	for name := range m.blobs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.blobs[name])
	}
	return b.String()
}

// Files returns the loaded file names, sorted.
func (m *Manager) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.blobs))
	for name := range m.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Read returns one file's content.
func (m *Manager) Read(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.blobs[name]
	return content, ok
}

// Update rewrites one heartware file: the previous version goes to the
// rolling backup set, the change is appended to the audit log, and the
// in-memory copy is refreshed.
func (m *Manager) Update(name, content, actor string) error {
	if err := validName(name); err != nil {
		return err
	}
	path := filepath.Join(m.dir, name)

	if prev, err := os.ReadFile(path); err == nil {
		if err := m.backup(name, prev); err != nil {
			slog.Warn("heartware: backup failed", "file", name, "error", err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("heartware: write %s: %w", name, err)
	}

	m.audit(auditRecord{
		Timestamp: m.clk.NowMs(),
		File:      name,
		Action:    "update",
		Bytes:     len(content),
		Actor:     actor,
	})

	m.mu.Lock()
	m.blobs[name] = content
	m.mu.Unlock()
	slog.Info("heartware updated", "file", name, "bytes", len(content), "actor", actor)
	return nil
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".md") {
		return fmt.Errorf("heartware: invalid file name %q", name)
	}
	return nil
}

// backup stores prev under .backups/<name>.<ts> and trims old copies beyond
// maxBackups.
func (m *Manager) backup(name string, prev []byte) error {
	dir := filepath.Join(m.dir, backupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stamped := fmt.Sprintf("%s.%d", name, m.clk.NowMs())
	if err := os.WriteFile(filepath.Join(dir, stamped), prev, 0o644); err != nil {
		return err
	}

	matches, err := filepath.Glob(filepath.Join(dir, name+".*"))
	if err != nil {
		return err
	}
	if len(matches) > maxBackups {
		sort.Strings(matches)
		for _, old := range matches[:len(matches)-maxBackups] {
			if err := os.Remove(old); err != nil {
				slog.Warn("heartware: backup trim failed", "file", old, "error", err)
			}
		}
	}
	return nil
}

// audit appends one JSONL record. Audit failures are logged, never fatal.
func (m *Manager) audit(rec auditRecord) {
	dir := filepath.Join(m.dir, auditDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("heartware: audit dir", "error", err)
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, auditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("heartware: audit open", "error", err)
		return
	}
	defer f.Close()
	line, _ := json.Marshal(rec)
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("heartware: audit write", "error", err)
	}
}

// Watch reloads the directory when files change on disk, debounced.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("heartware: watcher: %w", err)
	}
	if err := w.Add(m.dir); err != nil {
		w.Close()
		return fmt.Errorf("heartware: watch %s: %w", m.dir, err)
	}
	m.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".md") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				m.scheduleReload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("heartware: watcher error", "error", err)
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

func (m *Manager) scheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(debounceDelay, func() {
		if err := m.Reload(); err != nil {
			slog.Warn("heartware: reload failed", "error", err)
		}
	})
}

// Close stops the watcher.
func (m *Manager) Close() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()
}
