package shellguard

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// LoadState reads a previously saved State from path. A missing file yields
// an empty state.
func LoadState(path string) (State, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// FileSaver returns a saver that writes State to path as JSON. Write
// failures are logged; approvals must never block command evaluation.
func FileSaver(path string) func(State) {
	return func(state State) {
		raw, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			slog.Warn("shellguard: marshal state", "error", err)
			return
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			slog.Warn("shellguard: create state dir", "error", err)
			return
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o600); err != nil {
			slog.Warn("shellguard: write state", "error", err)
			return
		}
		if err := os.Rename(tmp, path); err != nil {
			slog.Warn("shellguard: replace state", "error", err)
		}
	}
}
