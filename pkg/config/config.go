// Package config provides the read-mostly key/value configuration store
// shared by the envmesh services. Keys are dotted paths
// ("discovery.port", "network.ssl"); values persist as YAML on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultFileName is the config file name under the data directory.
const DefaultFileName = "config.yaml"

// Store is a concurrency-safe dotted-key configuration store.
type Store struct {
	mu     sync.RWMutex
	path   string
	values map[string]any
}

// Open loads the store from path, creating an empty store when the file
// does not exist yet. The parent directory is created on first Set.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		values: make(map[string]any),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw map[any]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.values = normalizeMap(raw)

	return s, nil
}

// normalizeMap converts yaml.v2's map[any]any trees into map[string]any
// so dotted-key traversal sees one shape.
func normalizeMap(in map[any]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		key := fmt.Sprintf("%v", k)
		if nested, ok := v.(map[any]any); ok {
			out[key] = normalizeMap(nested)
		} else {
			out[key] = v
		}
	}
	return out
}

// Get returns the value stored under the dotted key, or def when the key
// is absent.
func (s *Store) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node := any(s.values)
	for _, part := range splitKey(key) {
		m, ok := node.(map[string]any)
		if !ok {
			return def
		}
		node, ok = m[part]
		if !ok {
			return def
		}
	}
	return node
}

// GetString returns a string value, or def when absent or mistyped.
func (s *Store) GetString(key, def string) string {
	if v, ok := s.Get(key, def).(string); ok {
		return v
	}
	return def
}

// GetInt returns an integer value, or def when absent or mistyped.
func (s *Store) GetInt(key string, def int) int {
	switch v := s.Get(key, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetBool returns a boolean value, or def when absent or mistyped.
func (s *Store) GetBool(key string, def bool) bool {
	if v, ok := s.Get(key, def).(bool); ok {
		return v
	}
	return def
}

// GetDuration reads an integer number of seconds under key.
func (s *Store) GetDuration(key string, def time.Duration) time.Duration {
	seconds := s.GetInt(key, int(def/time.Second))
	return time.Duration(seconds) * time.Second
}

// Set stores value under the dotted key and persists the store.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := splitKey(key)
	node := s.values
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value

	return s.save()
}

// save writes the store to disk. Caller holds s.mu.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	return nil
}

// Path returns the file the store persists to.
func (s *Store) Path() string {
	return s.path
}

func splitKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	return append(parts, key[start:])
}
