package app_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/app"
	"github.com/JakeFAU/url-frontier/internal/config"
	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/policy"
	"github.com/JakeFAU/url-frontier/internal/storage/memory"
	"github.com/JakeFAU/url-frontier/internal/storage/redis"
	"github.com/JakeFAU/url-frontier/internal/storage/sqlite"
)

func baseConfig() config.Config {
	return config.Config{
		Store: config.StoreConfig{Backend: config.BackendMemory, BatchSize: 100},
	}
}

func TestNew_MemoryBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := app.New(ctx, baseConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, &memory.EntryStore{}, a.Store)
	require.NotNil(t, a.Frontier)
	require.NotNil(t, a.Recorder)
	require.NoError(t, a.Migrate(ctx))

	outcome, err := a.Frontier.AddEntry(ctx, frontier.LinkRecord{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, frontier.Inserted, outcome)
}

func TestNew_AppliesPriorityRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Frontier.PriorityRules = []policy.RuleSpec{{Pattern: `/urgent/`, Priority: 50}}
	a, err := app.New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, err = a.Frontier.AddEntries(ctx, []frontier.LinkRecord{
		{URL: "https://example.com/", Depth: 0},
		{URL: "https://example.com/urgent/page", Depth: 6},
	})
	require.NoError(t, err)

	entry, ok, err := a.Frontier.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/urgent/page", entry.URL)
	assert.Equal(t, 50, entry.Priority)
}

func TestNew_SQLiteBackend(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Store.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "frontier.db")

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.IsType(t, &sqlite.EntryStore{}, a.Store)
}

func TestNew_RedisBackend(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.Store.Backend = config.BackendRedis
	cfg.Redis.Addr = srv.Addr()
	cfg.Redis.Prefix = "app"

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.IsType(t, &redis.EntryStore{}, a.Store)

	_, err = a.Frontier.AddEntry(context.Background(), frontier.LinkRecord{URL: "https://example.com/"})
	require.NoError(t, err)
	assert.True(t, srv.Exists("app:dedup"))
}

func TestNew_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{name: "unknown backend", mutate: func(c *config.Config) { c.Store.Backend = "cassandra" }},
		{name: "postgres without dsn", mutate: func(c *config.Config) { c.Store.Backend = config.BackendPostgres }},
		{name: "sqlite without path", mutate: func(c *config.Config) { c.Store.Backend = config.BackendSQLite }},
		{
			name: "bad priority rule",
			mutate: func(c *config.Config) {
				c.Frontier.PriorityRules = []policy.RuleSpec{{Pattern: "(["}}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(&cfg)
			a, err := app.New(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
			assert.Nil(t, a)
		})
	}
}
