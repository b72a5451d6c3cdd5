package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Watcher follows a token file. Writing a token into the file is a login,
// truncating or removing it is a logout. The callback fires once per change of
// the token value; a token already present at Start is reported immediately.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   Logger
	onChange func(token string)

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	last    string
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWatcher(path string, logger Logger, onChange func(token string)) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("token file path is required")
	}
	if onChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: 50 * time.Millisecond,
		logger:   logger,
		onChange: onChange,
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors and atomic writers replace the file, so the directory is watched.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		w.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.watcher = fsw
	w.cancel = cancel
	w.started = true
	w.mu.Unlock()

	w.refresh()
	w.wg.Add(1)
	go w.loop(loopCtx)
	return nil
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	cancel := w.cancel
	fsw := w.watcher
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	return fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logf("token watcher error: %v", err)
		case <-fire:
			fire = nil
			w.refresh()
		}
	}
}

func (w *Watcher) refresh() {
	token, err := ReadTokenFile(w.path)
	if err != nil {
		w.logf("read token file %s failed: %v", w.path, err)
		return
	}
	w.mu.Lock()
	if token == w.last {
		w.mu.Unlock()
		return
	}
	w.last = token
	w.mu.Unlock()
	w.onChange(token)
}

// ReadTokenFile returns the trimmed file content, or "" when the file does not exist.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
