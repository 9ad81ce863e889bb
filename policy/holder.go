package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"mindgraphix/logx"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Holder serves the active policy and reloads it from disk.
type Holder struct {
	path     string
	current  atomic.Pointer[Policy]
	debounce time.Duration

	mu        sync.Mutex
	listeners []func(*Policy)
}

// NewHolder loads path and returns a Holder serving it.
func NewHolder(path string) (*Holder, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Holder{path: path, debounce: defaultDebounce}
	h.current.Store(p)
	return h, nil
}

// Static wraps a fixed policy. Reload and Watch are no-ops.
func Static(p *Policy) *Holder {
	h := &Holder{debounce: defaultDebounce}
	h.current.Store(p)
	return h
}

// Get returns the active policy. The result must not be modified.
func (h *Holder) Get() *Policy {
	return h.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (h *Holder) OnChange(fn func(*Policy)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Reload re-reads the file. A file that fails to parse leaves the current
// policy in place.
func (h *Holder) Reload() error {
	if h.path == "" {
		return nil
	}
	p, err := Load(h.path)
	if err != nil {
		return err
	}
	h.current.Store(p)

	h.mu.Lock()
	listeners := append([]func(*Policy){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}
	logx.Info("Policy reloaded", "path", h.path, "grants", len(p.grantIndex))
	return nil
}

// Watch reloads the policy whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(h.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logx.Info("Watching policy file", "path", target)

	timer := time.NewTimer(h.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(h.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logx.Error(err, "Policy watcher error", "path", target)
		case <-timer.C:
			if err := h.Reload(); err != nil {
				logx.Error(err, "Policy reload failed, keeping previous policy", "path", target)
			}
		}
	}
}
