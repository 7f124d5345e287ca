package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const reloadDebounce = 100 * time.Millisecond

// TableSetter receives reloaded calibration tables.
type TableSetter interface {
	SetTable(overrides domain.CalibrationTable)
}

// CalibrationLayer applies each reloaded file on top of a fixed base table,
// so a metric dropped from the file falls back to the base bounds.
type CalibrationLayer struct {
	base   domain.CalibrationTable
	target TableSetter
}

// NewCalibrationLayer wraps target. base is copied.
func NewCalibrationLayer(base domain.CalibrationTable, target TableSetter) *CalibrationLayer {
	return &CalibrationLayer{base: base.Clone(), target: target}
}

func (l *CalibrationLayer) SetTable(overrides domain.CalibrationTable) {
	l.target.SetTable(layerCalibration(l.base, overrides))
}

// CalibrationWatcher reloads a calibration file when it changes on disk.
// Invalid files are logged and the previous table stays active.
type CalibrationWatcher struct {
	path    string
	target  TableSetter
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	reloads  int
	onReload func(domain.CalibrationTable, error)
}

// NewCalibrationWatcher starts watching path. The directory is watched so
// editors that replace the file atomically are still seen.
func NewCalibrationWatcher(path string, target TableSetter) (*CalibrationWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &CalibrationWatcher{
		path:    path,
		target:  target,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// OnReload registers a callback run after every reload attempt.
func (w *CalibrationWatcher) OnReload(fn func(domain.CalibrationTable, error)) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// Reloads returns the number of successful reloads.
func (w *CalibrationWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *CalibrationWatcher) loop() {
	defer w.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("calibration watcher error", "error", err)
		}
	}
}

func (w *CalibrationWatcher) reload() {
	if w.ctx.Err() != nil {
		return
	}

	table, err := LoadCalibration(w.path)
	if err != nil {
		slog.Error("calibration reload failed, keeping previous table",
			"path", w.path,
			"error", err,
		)
	} else {
		w.target.SetTable(table)
		slog.Info("calibration reloaded",
			"path", w.path,
			"metrics", len(table),
		)
	}

	w.mu.Lock()
	if err == nil {
		w.reloads++
	}
	fn := w.onReload
	w.mu.Unlock()

	if fn != nil {
		fn(table, err)
	}
}

// Close stops watching.
func (w *CalibrationWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
