package config

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ReloadFunc receives the newly loaded configuration after a successful
// reload. Callers swap the reloadable pieces (token secret, routes, rate
// policies) into their running components; everything else still requires a
// restart.
type ReloadFunc func(*Config)

// Watch re-reads the configuration whenever the underlying file changes and
// hands validated results to onReload. Content that fails to load or
// validate is dropped with a warning; the running configuration stays in
// effect.
//
// Editors rewrite files as multiple events (truncate then write, or rename
// over). The fingerprint comparison collapses those into a single reload and
// ignores touch-only changes.
func Watch(logger *slog.Logger, current *Config, onReload ReloadFunc) {
	var mu sync.Mutex
	last := Fingerprint(current)
	devMode := current.DevMode

	viper.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		cfg, err := LoadConfigRaw()
		if err != nil {
			logger.Warn("config reload failed, keeping previous",
				"file", e.Name, "error", err)
			return
		}

		// --dev on the command line outlives any file edit.
		if devMode {
			cfg.DevMode = true
		}
		cfg.SetDevDefaults()

		if err := cfg.Validate(); err != nil {
			logger.Warn("config reload rejected, keeping previous",
				"file", e.Name, "error", err)
			return
		}

		fp := Fingerprint(cfg)
		if fp == last {
			return
		}
		last = fp

		logger.Info("configuration reloaded", "file", e.Name)
		onReload(cfg)
	})
	viper.WatchConfig()
}

// Fingerprint returns a stable hash of the configuration content, used to
// suppress no-op reloads. YAML marshaling sorts map keys, so equal configs
// hash equal regardless of declaration order.
func Fingerprint(c *Config) uint64 {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(raw)
}
