package ratecontrol

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Stage pacing throttles how often each pipeline stage may start. Production
// stages call paid backends, so operators cap starts per minute per stage in
// config/pacing.yaml; an absent or zero limit means no pacing at all.

type config struct {
	Pacing struct {
		DefaultRPM     int `yaml:"default_rpm"`
		DefaultBurst   int `yaml:"default_burst"`
		StageOverrides map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"stage_overrides"`
	} `yaml:"pacing"`
}

// StageLimit is the resolved pacing for one stage. RPM <= 0 disables pacing.
type StageLimit struct {
	RPM   int
	Burst int
}

var (
	mu          sync.Mutex
	loaded      *config
	limiters    map[string]*rate.Limiter
	explicit    string
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("PACING_CONFIG_PATH"),
	"./config/pacing.yaml",
	"../../config/pacing.yaml",
}

// SetPath points the package at an explicit pacing file and reloads.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	explicit = path
	initialized = false
	loadLocked()
}

func loadLocked() {
	var cfg config
	paths := defaultPaths
	if explicit != "" {
		paths = append([]string{explicit}, paths...)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal pacing config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("Loaded pacing configuration from %s", p)
		break
	}
	loaded = &cfg
	limiters = make(map[string]*rate.Limiter)
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "pacing.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func getLocked() *config {
	if !initialized {
		loadLocked()
		if loaded.Pacing.DefaultRPM == 0 && len(loaded.Pacing.StageOverrides) == 0 {
			if path, ok := findUpConfig(); ok {
				if data, err := os.ReadFile(path); err == nil {
					var tmp config
					if err := yaml.Unmarshal(data, &tmp); err == nil {
						loaded = &tmp
						log.Printf("Loaded pacing configuration from %s", path)
					}
				}
			}
		}
	}
	return loaded
}

// LimitForStage resolves the configured pacing for a stage, falling back to
// the default when no override matches.
func LimitForStage(stage string) StageLimit {
	mu.Lock()
	defer mu.Unlock()
	return limitForStageLocked(stage)
}

func limitForStageLocked(stage string) StageLimit {
	cfg := getLocked()
	key := strings.ToLower(strings.TrimSpace(stage))
	if cfg.Pacing.StageOverrides != nil {
		if override, ok := cfg.Pacing.StageOverrides[key]; ok {
			return StageLimit{RPM: override.RPM, Burst: burstOrDefault(override.Burst)}
		}
	}
	return StageLimit{RPM: cfg.Pacing.DefaultRPM, Burst: burstOrDefault(cfg.Pacing.DefaultBurst)}
}

func burstOrDefault(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}

func limiterFor(stage string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(stage))
	if lim, ok := limiters[key]; ok {
		return lim
	}

	limit := limitForStageLocked(stage)
	if limit.RPM <= 0 {
		limiters[key] = nil
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(limit.RPM)/60.0, limit.Burst)
	limiters[key] = lim
	return lim
}

// Wait blocks until the stage may start under its configured pace. Unpaced
// stages return immediately. The context aborts the wait.
func Wait(ctx context.Context, stage string) error {
	lim := limiterFor(stage)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Reload re-reads the pacing file and resets all token buckets.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}
