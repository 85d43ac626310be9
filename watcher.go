package picopad

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of editor writes into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file on change and pushes the padding
// settings to the machine.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	last     *Config
	onChange []func(*Config)
}

// NewWatcher watches path, starting from the already loaded cfg.
func NewWatcher(path string, cfg *Config, log *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		log:      orDefault(log).Named("watcher"),
		last:     cfg,
	}
}

// OnChange registers a callback run with every successfully reloaded config.
func (w *Watcher) OnChange(f func(*Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, f)
	w.mu.Unlock()
}

// Current returns the last config that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Run watches the file's directory until ctx is done. The directory rather
// than the file is watched so atomic-rename saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.log.Info("watching config", zap.String("path", w.path))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// reload keeps the previous config when the new one does not load.
func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous settings", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.last
	if prev != nil && prev.SessionID != "" {
		// A generated session id must survive reloads.
		cfg.SessionID = prev.SessionID
	}
	w.last = cfg
	callbacks := make([]func(*Config), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	w.log.Info("config reloaded",
		zap.Bool("enabled", cfg.Padding.Enabled),
		zap.Int("intensity", cfg.Padding.Intensity))
	if keys := restartOnlyChanges(prev, cfg); len(keys) > 0 {
		w.log.Warn("changed settings take effect after a restart", zap.Strings("keys", keys))
	}
	for _, f := range callbacks {
		f(cfg)
	}
}

// restartOnlyChanges lists the changed keys that a reload cannot apply; only
// padding.enabled and padding.intensity are live.
func restartOnlyChanges(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	a, b := prev.Padding, next.Padding
	checks := []struct {
		key  string
		x, y any
	}{
		{"mode", prev.Mode, next.Mode},
		{"log_level", prev.LogLevel, next.LogLevel},
		{"padding.min_delay_ms", a.MinDelayMS, b.MinDelayMS},
		{"padding.idle_heartbeat_ms", a.IdleHeartbeatMS, b.IdleHeartbeatMS},
		{"padding.burst_fallback_ms", a.BurstFallbackMS, b.BurstFallbackMS},
		{"padding.send_min_delay_ms", a.SendMinDelayMS, b.SendMinDelayMS},
		{"padding.max_dummy_per_sec", a.MaxDummyPerSec, b.MaxDummyPerSec},
		{"padding.transition_log_size", a.TransitionLogSize, b.TransitionLogSize},
		{"padding.real_methods", a.RealMethods, b.RealMethods},
		{"padding.bins", a.Bins, b.Bins},
		{"proxy", prev.Proxy, next.Proxy},
		{"emitter", prev.Emitter, next.Emitter},
		{"tunnel", prev.Tunnel, next.Tunnel},
		{"server", prev.Server, next.Server},
		{"store", prev.Store, next.Store},
		{"dashboard", prev.Dashboard, next.Dashboard},
	}
	var keys []string
	for _, c := range checks {
		if !reflect.DeepEqual(c.x, c.y) {
			keys = append(keys, c.key)
		}
	}
	return keys
}

// WatchSettings wires reloads to m.Configure.
func WatchSettings(w *Watcher, m *Machine) {
	w.OnChange(func(cfg *Config) {
		m.Configure(cfg.Settings())
	})
}
