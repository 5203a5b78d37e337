package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/logoforge/logoforge/pkg/observability"
)

// Holder keeps the active catalog and swaps it atomically on reload
type Holder struct {
	current   atomic.Pointer[Catalog]
	path      string
	overrides map[Key]string
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewHolder creates a holder serving initial. path may be empty when the
// catalog is not file backed.
func NewHolder(initial *Catalog, path string, overrides map[Key]string, logger *observability.Logger, metrics *observability.Metrics) *Holder {
	h := &Holder{
		path:      path,
		overrides: overrides,
		logger:    logger,
		metrics:   metrics,
	}
	h.current.Store(initial)
	return h
}

// Current returns the catalog in effect
func (h *Holder) Current() *Catalog {
	return h.current.Load()
}

// Reload re-reads the catalog file. On failure the previous catalog stays.
func (h *Holder) Reload() error {
	if h.path == "" {
		return fmt.Errorf("catalog is not file backed")
	}

	c, err := LoadFile(h.path, h.overrides)
	if err != nil {
		h.recordReload("error")
		return err
	}

	h.current.Store(c)
	h.recordReload("success")
	return nil
}

func (h *Holder) recordReload(status string) {
	if h.metrics != nil {
		h.metrics.PlanCatalogReloadsTotal.WithLabelValues(status).Inc()
	}
}

// Watch reloads the catalog whenever its file is written or replaced. It
// blocks until ctx is done.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return fmt.Errorf("catalog is not file backed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames by editors and config mounts are seen
	target := filepath.Clean(h.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	h.logger.WithField("path", target).Info("Watching plan catalog")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := h.Reload(); err != nil {
				h.logger.WithError(err).Warn("Plan catalog reload failed, keeping previous catalog")
				continue
			}
			h.logger.WithField("plans", len(h.Current().Definitions())).Info("Plan catalog reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.WithError(err).Warn("Plan catalog watcher error")
		}
	}
}
