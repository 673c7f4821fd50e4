package feedpin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/feedpin/internal/testutil"
)

func TestOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []Option
		want    Config
		wantErr error
	}{
		{
			name: "individual options",
			opts: []Option{
				WithFollowCacheTarget(1 << 20),
				WithExplicitCacheTarget(2 << 20),
				WithVideoEdgePixelMax(720),
				WithConcurrency(8),
			},
			want: Config{
				FollowCacheTargetBytes:   1 << 20,
				ExplicitCacheTargetBytes: 2 << 20,
				VideoEdgePixelMax:        720,
				Concurrency:              8,
			},
		},
		{
			name: "later options adjust WithConfig",
			opts: []Option{
				WithConfig(Config{FollowCacheTargetBytes: 10, Concurrency: 1}),
				WithVideoEdgePixelMax(0),
				WithExplicitCacheTarget(5),
			},
			want: Config{FollowCacheTargetBytes: 10, ExplicitCacheTargetBytes: 5, Concurrency: 1},
		},
		{
			name:    "zero concurrency",
			opts:    []Option{WithConcurrency(0)},
			wantErr: ErrUsage,
		},
		{
			name:    "empty journal path",
			opts:    []Option{WithJournal("")},
			wantErr: ErrUsage,
		},
		{
			name:    "negative explicit target",
			opts:    []Option{WithExplicitCacheTarget(-1)},
			wantErr: ErrUsage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := New(testutil.NewMemStore(), tt.opts...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			assert.Equal(t, tt.want, c.Config())
		})
	}
}

func TestSetConfig(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, testutil.NewMemStore())

	cfg := c.Config()
	cfg.VideoEdgePixelMax = -1
	assert.ErrorIs(t, c.SetConfig(cfg), ErrUsage)
	assert.Equal(t, DefaultConfig(), c.Config(), "a rejected config changes nothing")

	cfg.VideoEdgePixelMax = 480
	require.NoError(t, c.SetConfig(cfg))
	assert.Equal(t, 480, c.Config().VideoEdgePixelMax)
}

// LoadConfig reads the process environment, so these tests do not run in
// parallel.
func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("FEEDPIN_FOLLOW_CACHE_TARGET_BYTES", "1024")
		t.Setenv("FEEDPIN_VIDEO_EDGE_PIXEL_MAX", "0")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, int64(1024), cfg.FollowCacheTargetBytes)
		assert.Zero(t, cfg.VideoEdgePixelMax)
		assert.Equal(t, DefaultExplicitCacheTargetBytes, cfg.ExplicitCacheTargetBytes)
	})

	t.Run("malformed", func(t *testing.T) {
		t.Setenv("FEEDPIN_CONCURRENCY", "many")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "parse env")
	})

	t.Run("negative", func(t *testing.T) {
		t.Setenv("FEEDPIN_EXPLICIT_CACHE_TARGET_BYTES", "-5")
		_, err := LoadConfig()
		assert.ErrorIs(t, err, ErrUsage)
	})
}
