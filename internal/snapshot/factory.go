package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type MemoryBackend struct {
	mu     sync.Mutex
	states map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: map[string][]byte{}}
}

func (b *MemoryBackend) Load(ctx context.Context, key string) (*State, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	data, ok := b.states[key]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *MemoryBackend) Save(ctx context.Context, key string, state *State) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.states[key] = data
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// BuildBackendFromDSN returns nil, nil for an empty DSN: persistence is off.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: snapshot backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported snapshot backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
