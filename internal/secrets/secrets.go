// Package secrets defines the credential surface the daemon consumes. Keys
// are dot paths like "channel.telegram.token" and "provider.openai.apiKey".
// The encrypting back-end lives outside the core; Env is the built-in
// resolver for local runs.
package secrets

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// Store resolves credentials by key.
type Store interface {
	Store(key, value string) error
	Retrieve(key string) (string, error)
	Check(key string) bool
	// List returns the known keys matching a glob pattern; empty pattern
	// lists everything.
	List(pattern string) ([]string, error)
}

// ErrNotFound reports a missing secret.
var ErrNotFound = fmt.Errorf("secrets: not found")

// Env resolves secrets from environment variables: "provider.openai.apiKey"
// reads TINYCLAW_PROVIDER_OPENAI_APIKEY. It is read-only.
type Env struct {
	Prefix string // defaults to "TINYCLAW"
}

func (e Env) envName(key string) string {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "TINYCLAW"
	}
	parts := strings.Split(key, ".")
	for i, p := range parts {
		parts[i] = strings.ToUpper(p)
	}
	return prefix + "_" + strings.Join(parts, "_")
}

func (e Env) Store(key, value string) error {
	return fmt.Errorf("secrets: env store is read-only")
}

func (e Env) Retrieve(key string) (string, error) {
	if v := os.Getenv(e.envName(key)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (e Env) Check(key string) bool {
	return os.Getenv(e.envName(key)) != ""
}

// List scans the environment for variables under the prefix and converts
// them back to dot keys. Case is lost in the round-trip; keys come back
// lowercased.
func (e Env) List(pattern string) ([]string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "TINYCLAW"
	}
	var keys []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, prefix+"_"), "_", "."))
		if pattern != "" {
			if matched, err := path.Match(pattern, key); err != nil || !matched {
				continue
			}
		}
		keys = append(keys, key)
	}
	return keys, nil
}
