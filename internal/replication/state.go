package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// State is the replica's durable replication checkpoint: the sequence of
// the last log entry applied to local storage and the highest leader epoch
// the replica has acknowledged. It survives restarts so the apply loop can
// resume exactly where it left off.
type State struct {
	LastApplied uint64 `json:"lastApplied"`
	Epoch       uint64 `json:"epoch"`
}

// LoadState reads the checkpoint file. A missing file is a fresh replica
// and yields the zero state.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("replication: read state %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("replication: corrupt state %s: %w", path, err)
	}
	return s, nil
}

// SaveState persists the checkpoint atomically: write to a temp file in the
// same directory, fsync, rename over the old file.
func SaveState(path string, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("replication: marshal state: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("replication: create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("replication: write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("replication: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("replication: close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replication: install state: %w", err)
	}
	return nil
}
