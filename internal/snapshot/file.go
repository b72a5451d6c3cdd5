package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend keeps every key's state in one JSON document, rewritten
// atomically on each save.
type FileBackend struct {
	Path string

	mu sync.Mutex
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Load(ctx context.Context, key string) (*State, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	states, err := b.readLocked()
	if err != nil {
		return nil, err
	}
	return states[key], nil
}

func (b *FileBackend) Save(ctx context.Context, key string, state *State) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	states, err := b.readLocked()
	if err != nil {
		return err
	}
	states[key] = state
	data, err := json.Marshal(states)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o600)
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) readLocked() (map[string]*State, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*State{}, nil
		}
		return nil, err
	}
	states := map[string]*State{}
	if len(data) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
