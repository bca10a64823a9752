package fileconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"

	rpcpool "github.com/JohnPlummer/jp-go-rpcpool"
)

// Reconfigurer receives new endpoint lists. *rpcpool.ServiceFactory implements it.
type Reconfigurer interface {
	Reconfigure(contract string, endpoints []rpcpool.EndpointDescriptor, retryInterval time.Duration) error
}

// Watcher reloads a configuration file when it changes and pushes the endpoints of every
// contract to a Reconfigurer.
type Watcher struct {
	path   string
	target Reconfigurer
	logger *slog.Logger
	settle time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithSettleDelay sets how long to wait after a change event before reading the file.
// Default: 100ms
func WithSettleDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.settle = d
	}
}

// NewWatcher creates a watcher for the file at path.
//
// Example:
//
//	w := fileconfig.NewWatcher("rpcpool.yaml", factory, fileconfig.WithLogger(logger))
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop()
func NewWatcher(path string, target Reconfigurer, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:   path,
		target: target,
		logger: slog.Default(),
		settle: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Reload reads the file and reconfigures every contract it lists. Contracts the target does
// not know are skipped.
func (w *Watcher) Reload() error {
	f, err := Load(w.path)
	if err != nil {
		return err
	}

	var errs error
	for _, name := range f.ContractNames() {
		endpoints, retryInterval, _ := f.Endpoints(name)
		if err := w.target.Reconfigure(name, endpoints, retryInterval); err != nil {
			if errors.Is(err, rpcpool.ErrUnknownContract) {
				w.logger.Debug("skipping unregistered contract", "contract", name)
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("reconfiguring %s: %w", name, err))
		}
	}

	w.logger.Info("configuration reloaded",
		"path", w.path,
		"contracts", len(f.Contracts))
	return errs
}

// Start begins watching the file's directory. It returns once the watch is in place.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return errors.New("already watching configuration file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.watch(watchCtx, watcher, w.done)
	return nil
}

// Stop ends watching and waits for the watch loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}

	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.watcher = nil
	w.cancel = nil
	w.done = nil
	return err
}

func (w *Watcher) watch(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if w.settle > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.settle):
				}
			}

			if err := w.Reload(); err != nil {
				w.logger.Error("configuration reload failed",
					"path", w.path,
					"error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("configuration watcher error", "error", err)
		}
	}
}
