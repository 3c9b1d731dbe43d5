package app

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"harvestd/internal/config"
	logx "harvestd/pkg/logx"
)

// watchConfig re-reads the definition file when it changes and hot-applies
// the logging section only. The schedule itself is immutable for the process
// lifetime; edits to it are acknowledged with a restart-required warning so
// an operator tailing the log knows why nothing changed.
func (a *App) watchConfig(ctx context.Context) {
	log := a.logs.Logger().With(logx.String("comp", "configwatch"))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watch unavailable", logx.Err(err))
		return
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace files via rename.
	dir := filepath.Dir(a.cfgPath)
	file := filepath.Base(a.cfgPath)
	if err := w.Add(dir); err != nil {
		log.Warn("config watch unavailable", logx.String("dir", dir), logx.Err(err))
		return
	}
	log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { a.reloadLogging(log) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}

func (a *App) reloadLogging(log logx.Logger) {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		log.Warn("config reload rejected", logx.Err(err))
		return
	}

	if scheduleChanged(a.cfg, cfg) {
		log.Warn("schedule definition changed on disk; schedule changes require a restart, continuing with the one loaded at startup")
	}

	a.logs.Apply(mapLogging(cfg.Logging))
	log.Info("logging configuration applied", logx.String("level", cfg.Logging.Level))
}

// scheduleChanged compares everything except the logging section.
func scheduleChanged(old, cur *config.Config) bool {
	strip := func(c config.Config) []byte {
		c.Logging = config.LoggingConfig{}
		b, err := json.Marshal(c)
		if err != nil {
			return nil
		}
		return b
	}
	return !bytes.Equal(strip(*old), strip(*cur))
}
