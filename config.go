package feedpin

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Default configuration values.
const (
	DefaultFollowCacheTargetBytes   int64 = 100 << 20 // 100 MiB
	DefaultExplicitCacheTargetBytes int64 = 50 << 20  // 50 MiB
	DefaultVideoEdgePixelMax              = 1280
	DefaultConcurrency                    = 4
)

// Config holds the client's replication preferences.
type Config struct {
	// FollowCacheTargetBytes is the leaf byte budget of each followed feed.
	// The newest record of a feed is kept even when it alone exceeds it.
	FollowCacheTargetBytes int64 `env:"FEEDPIN_FOLLOW_CACHE_TARGET_BYTES" envDefault:"104857600"`

	// ExplicitCacheTargetBytes bounds the on-demand record cache.
	ExplicitCacheTargetBytes int64 `env:"FEEDPIN_EXPLICIT_CACHE_TARGET_BYTES" envDefault:"52428800"`

	// VideoEdgePixelMax selects the largest video variant to pin.
	// Zero means no limit.
	VideoEdgePixelMax int `env:"FEEDPIN_VIDEO_EDGE_PIXEL_MAX" envDefault:"1280"`

	// Concurrency bounds how many records have their leaves pinned at once
	// during a refresh, and how many feeds RefreshAll refreshes at once.
	Concurrency int `env:"FEEDPIN_CONCURRENCY" envDefault:"4"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FollowCacheTargetBytes:   DefaultFollowCacheTargetBytes,
		ExplicitCacheTargetBytes: DefaultExplicitCacheTargetBytes,
		VideoEdgePixelMax:        DefaultVideoEdgePixelMax,
		Concurrency:              DefaultConcurrency,
	}
}

// LoadConfig reads the configuration from FEEDPIN_* environment variables,
// falling back to the defaults for unset ones.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.FollowCacheTargetBytes < 0:
		return fmt.Errorf("%w: negative follow cache target %d", ErrUsage, c.FollowCacheTargetBytes)
	case c.ExplicitCacheTargetBytes < 0:
		return fmt.Errorf("%w: negative explicit cache target %d", ErrUsage, c.ExplicitCacheTargetBytes)
	case c.VideoEdgePixelMax < 0:
		return fmt.Errorf("%w: negative video edge %d", ErrUsage, c.VideoEdgePixelMax)
	}
	return nil
}
