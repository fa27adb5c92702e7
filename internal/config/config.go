// Package config is the daemon's configuration surface: a JSON5 file exposed
// through dot-notation accessors with schema validation on every write.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "TINYCLAW_CONFIG"

// DefaultPath resolves the config file path: env override first, then
// ~/.tinyclaw/config.json5.
func DefaultPath() string {
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return filepath.Join(home, ".tinyclaw", "config.json5")
}

// Defaults returns the full default configuration tree.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"providers": map[string]interface{}{
			"fallback": "openai",
		},
		"channels": map[string]interface{}{
			"telegram": map[string]interface{}{"enabled": false},
			"discord":  map[string]interface{}{"enabled": false},
		},
		"gateway": map[string]interface{}{
			"host": "127.0.0.1",
			"port": float64(18790),
		},
		"routing": map[string]interface{}{
			"tiers": map[string]interface{}{},
		},
		"rateLimits": map[string]interface{}{
			"outboundPerMinute": float64(20),
		},
		"learning": map[string]interface{}{
			"enabled": true,
		},
		"heartware": map[string]interface{}{
			"dir": "heartware",
		},
		"agent": map[string]interface{}{
			"maxIterations":     float64(10),
			"historyLimit":      float64(20),
			"maxBackgroundJobs": float64(3),
		},
		"plugins": map[string]interface{}{
			"enabled": []interface{}{},
		},
		"logging": map[string]interface{}{
			"level": "info",
		},
		"compaction": map[string]interface{}{
			"threshold":  float64(100),
			"keepRecent": float64(20),
		},
		"nudge": map[string]interface{}{
			"enabled":         true,
			"suppressAfterMs": float64(30 * 60 * 1000),
			"schedules":       []interface{}{},
		},
		"telemetry": map[string]interface{}{
			"enabled":  false,
			"endpoint": "localhost:4318",
		},
		"mcp": map[string]interface{}{
			"servers": map[string]interface{}{},
		},
	}
}

type changeHandler struct {
	key string // "" matches every key
	fn  func(key string, old, new interface{})
}

// Manager owns the config tree. All mutation goes through Set/Delete/Reset,
// which validate the whole resulting tree before anything is written.
type Manager struct {
	path string

	mu       sync.RWMutex
	data     map[string]interface{}
	handlers map[int]changeHandler
	nextID   int
}

// Load reads the JSON5 config file at path, overlaying it on the defaults.
// A missing file yields the defaults. A file that fails schema validation is
// an error; the daemon should refuse to start on it.
func Load(path string) (*Manager, error) {
	data := Defaults()

	raw, err := os.ReadFile(path)
	if err == nil {
		var fileTree map[string]interface{}
		if err := json5.Unmarshal(raw, &fileTree); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		data = merge(data, fileTree)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := Validate(data); err != nil {
		return nil, err
	}
	return &Manager{path: path, data: data, handlers: make(map[int]changeHandler)}, nil
}

// merge overlays src onto dst recursively, returning dst.
func merge(dst, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		if sub, ok := v.(map[string]interface{}); ok {
			if existing, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = merge(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// Get returns the value at a dot-notation key.
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.data, key)
}

// GetString returns the string at key, or fallback.
func (m *Manager) GetString(key, fallback string) string {
	if v, ok := m.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// GetInt returns the integer at key, or fallback. JSON numbers decode as
// float64.
func (m *Manager) GetInt(key string, fallback int) int {
	if v, ok := m.Get(key); ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return fallback
}

// GetBool returns the boolean at key, or fallback.
func (m *Manager) GetBool(key string, fallback bool) bool {
	if v, ok := m.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Has reports whether a dot-notation key exists.
func (m *Manager) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set writes a value at a dot-notation key. The mutated tree is validated
// first; on a ValidationError nothing changes and nothing is saved.
func (m *Manager) Set(key string, value interface{}) error {
	m.mu.Lock()
	old, _ := lookup(m.data, key)
	next := clone(m.data)
	if err := assign(next, key, value); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := Validate(next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.data = next
	err := m.saveLocked()
	m.mu.Unlock()

	m.notify(key, old, value)
	return err
}

// Delete removes a dot-notation key. Removing an unknown key is a no-op.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	old, existed := lookup(m.data, key)
	if !existed {
		m.mu.Unlock()
		return nil
	}
	next := clone(m.data)
	remove(next, key)
	if err := Validate(next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.data = next
	err := m.saveLocked()
	m.mu.Unlock()

	m.notify(key, old, nil)
	return err
}

// Reset restores a key to its default value; an unknown default deletes it.
func (m *Manager) Reset(key string) error {
	if def, ok := lookup(Defaults(), key); ok {
		return m.Set(key, def)
	}
	return m.Delete(key)
}

// Clear resets the whole tree to defaults.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.data = Defaults()
	err := m.saveLocked()
	m.mu.Unlock()

	m.notify("", nil, nil)
	return err
}

// OnDidChange registers a handler for one key; the return value unsubscribes.
func (m *Manager) OnDidChange(key string, fn func(key string, old, new interface{})) func() {
	return m.subscribe(key, fn)
}

// OnDidAnyChange registers a handler for every change.
func (m *Manager) OnDidAnyChange(fn func(key string, old, new interface{})) func() {
	return m.subscribe("", fn)
}

func (m *Manager) subscribe(key string, fn func(key string, old, new interface{})) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = changeHandler{key: key, fn: fn}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(key string, old, new interface{}) {
	if reflect.DeepEqual(old, new) && key != "" {
		return
	}
	m.mu.RLock()
	hs := make([]changeHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		hs = append(hs, h)
	}
	m.mu.RUnlock()
	for _, h := range hs {
		if h.key == "" || h.key == key || strings.HasPrefix(key, h.key+".") {
			h.fn(key, old, new)
		}
	}
}

// saveLocked persists the tree. Caller holds the write lock.
func (m *Manager) saveLocked() error {
	out, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, out, 0o600)
}

func lookup(tree map[string]interface{}, key string) (interface{}, bool) {
	parts := strings.Split(key, ".")
	cur := interface{}(tree)
	for _, part := range parts {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func assign(tree map[string]interface{}, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			if _, exists := cur[part]; exists {
				return &ValidationError{Key: key, Reason: "intermediate key is not an object"}
			}
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func remove(tree map[string]interface{}, key string) {
	parts := strings.Split(key, ".")
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// clone deep-copies a tree via a JSON round-trip.
func clone(tree map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(tree)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
