package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a DenyList when its policy file changes on disk.
type Watcher struct {
	list     *DenyList
	path     string
	watcher  *fsnotify.Watcher
	logger   logrus.FieldLogger
	debounce time.Duration
	reloaded chan struct{}
}

// NewWatcher loads path once and starts watching its directory, so that
// editors which replace the file by rename are still observed.
func NewWatcher(list *DenyList, path string, logger logrus.FieldLogger) (*Watcher, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	list.Replace(rules)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		list:     list,
		path:     abs,
		watcher:  fw,
		logger:   logger.WithField("component", "policy"),
		debounce: 200 * time.Millisecond,
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Reloaded receives after every successful reload.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Run blocks until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
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
			w.logger.WithError(err).Warn("policy watcher error")
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		// keep enforcing the previous rules
		w.logger.WithError(err).Error("policy reload failed")
		return
	}
	w.list.Replace(rules)
	w.logger.WithFields(logrus.Fields{
		"deny_paths":      len(rules.DenyPaths),
		"deny_categories": len(rules.DenyCategories),
	}).Info("policy reloaded")
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}
