// Package flagfile lets an operator steer a running migration by
// touching files: a panic flag aborts the run, a postpone flag holds
// the cut-over. Flags are picked up by an fsnotify watcher, with a
// stat fallback on every check so a missed event cannot wedge a run.
package flagfile

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Controls watches the operator flag files for a run.
type Controls struct {
	panicPath    string
	postponePath string

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	running bool

	// panicSeen latches: the panic flag stays raised even if the file
	// is removed. The postpone flag has no latch; CutoverPostponed
	// stats the file so removing it releases the cut-over.
	panicSeen atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds controls for the given flag paths. Either path may be
// empty to disable that control.
func New(panicPath, postponePath string) *Controls {
	return &Controls{
		panicPath:    panicPath,
		postponePath: postponePath,
	}
}

// Start begins watching the parent directories of the configured flag
// files. A no-op when no flag paths are configured.
func (c *Controls) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || (c.panicPath == "" && c.postponePath == "") {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]bool{}
	for _, p := range []string{c.panicPath, c.postponePath} {
		if p != "" {
			dirs[filepath.Dir(p)] = true
		}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	c.watcher = watcher
	c.done = make(chan struct{})
	c.running = true
	c.wg.Add(1)
	go c.eventLoop()

	log.Debug().Str("panic_flag", c.panicPath).Str("postpone_flag", c.postponePath).Msg("Flag file watcher started")
	return nil
}

// Stop stops the watcher
func (c *Controls) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	c.watcher.Close()
	c.mu.Unlock()

	c.wg.Wait()
}

// PanicRequested reports whether the panic flag file exists or has
// been observed since the watcher started.
func (c *Controls) PanicRequested() bool {
	if c.panicPath == "" {
		return false
	}
	if c.panicSeen.Load() {
		return true
	}
	return c.statFlag(c.panicPath, &c.panicSeen)
}

// CutoverPostponed reports whether the postpone flag file currently
// exists. Unlike the panic flag it clears when the file is removed.
func (c *Controls) CutoverPostponed() bool {
	if c.postponePath == "" {
		return false
	}
	_, err := os.Stat(c.postponePath)
	return err == nil
}

func (c *Controls) statFlag(path string, seen *atomic.Bool) bool {
	if _, err := os.Stat(path); err == nil {
		seen.Store(true)
		return true
	}
	return false
}

func (c *Controls) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			switch event.Name {
			case c.panicPath:
				if c.panicSeen.CompareAndSwap(false, true) {
					log.Warn().Str("path", event.Name).Msg("Panic flag file detected, aborting migration")
				}
			case c.postponePath:
				log.Info().Str("path", event.Name).Msg("Postpone flag file detected, cut-over will wait")
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Flag file watcher error")
		}
	}
}
