package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/canopyworks/canopy/pkg/observability"
)

// LimitSpecs is the YAML shape of the rate limit override file:
//
//	login: 10/minute
//	classes:
//	  api: 600/minute
//	  auth: 30/minute
//
// Specs use the "N/period" format understood by ratelimit.ParseRateLimit.
type LimitSpecs struct {
	Login   string            `yaml:"login"`
	Classes map[string]string `yaml:"classes"`
}

// LoadLimitSpecs reads and parses a limit spec file.
func LoadLimitSpecs(path string) (*LimitSpecs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limit specs: %w", err)
	}
	var specs LimitSpecs
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse limit specs: %w", err)
	}
	return &specs, nil
}

// LimitWatcher re-reads the spec file when it changes on disk, so
// operators can tighten a budget during an incident without a restart.
type LimitWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchLimitSpecs starts watching path and invokes apply with the
// freshly parsed specs after every change. apply also runs once with
// the initial content before WatchLimitSpecs returns.
func WatchLimitSpecs(path string, log *observability.Logger, apply func(*LimitSpecs)) (*LimitWatcher, error) {
	specs, err := LoadLimitSpecs(path)
	if err != nil {
		return nil, err
	}
	apply(specs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch limit specs: %w", err)
	}
	// Watch the directory, not the file: editors and config maps swap
	// the file atomically via rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch limit specs: %w", err)
	}

	w := &LimitWatcher{watcher: watcher, done: make(chan struct{})}
	go w.run(path, log, apply)
	return w, nil
}

func (w *LimitWatcher) run(path string, log *observability.Logger, apply func(*LimitSpecs)) {
	target := filepath.Clean(path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			specs, err := LoadLimitSpecs(path)
			if err != nil {
				if log != nil {
					log.WithError(err).Warn("rate limit spec reload failed, keeping previous limits")
				}
				continue
			}
			if log != nil {
				log.WithField("path", path).Info("rate limit specs reloaded")
			}
			apply(specs)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if log != nil {
				log.WithError(err).Warn("rate limit spec watcher error")
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *LimitWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
