package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

// debounce window for editors that write config files in several events
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file on change and hands the new
// config to the registered callback.
type Watcher struct {
	path     string
	onChange func(*types.Config)

	watcher  *fsnotify.Watcher
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher watches the given config file. onChange runs on the watcher
// goroutine after a successful reload; a reload that fails validation is
// logged and dropped, keeping the previous config in effect.
func NewWatcher(path string, onChange func(*types.Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: many editors replace the file
	// on save, which drops a watch registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		stop:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	log.Info().Str("path", path).Msg("Config watcher started")
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	config, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous config")
		return
	}

	log.Info().Str("path", w.path).Msg("Config reloaded")
	w.onChange(config)
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.watcher.Close()
		w.wg.Wait()
	})
}
