package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Forks.MaxActive)
	assert.Equal(t, 30*time.Minute, cfg.Forks.CleanupInterval)
	assert.Equal(t, 120*time.Second, cfg.Coordinator.AgentTimeout)
	assert.Equal(t, 2, cfg.Batch.ChunkSize)
	assert.LessOrEqual(t, cfg.Batch.ChunkSize*len(types.Dimensions), cfg.Forks.MaxActive)
	assert.NotEqual(t, cfg.Store.PrimaryDatabase, cfg.Store.SourceDatabase)
	assert.Equal(t, 100*time.Millisecond, cfg.Batch.ResumeDelay)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
store:
  driver: memory
  fixtures: testdata/fixtures.json
forks:
  max_active: 25
  logical_only: true
  retention: 2h
coordinator:
  agent_timeout: 45s
  use_static_weights: true
batch:
  chunk_size: 4
log:
  level: debug
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "testdata/fixtures.json", cfg.Store.Fixtures)
	assert.Equal(t, 25, cfg.Forks.MaxActive)
	assert.True(t, cfg.Forks.LogicalOnly)
	assert.Equal(t, 2*time.Hour, cfg.Forks.Retention)
	assert.Equal(t, 45*time.Second, cfg.Coordinator.AgentTimeout)
	assert.True(t, cfg.Coordinator.UseStaticWeights)
	assert.Equal(t, 4, cfg.Batch.ChunkSize)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched sections keep their defaults
	assert.Equal(t, 30*time.Minute, cfg.Forks.CleanupInterval)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "forks:\n  max_active: 5\n")
	t.Setenv("FORK_SCORER_MAX_ACTIVE_FORKS", "12")
	t.Setenv("FORK_SCORER_AGENT_TIMEOUT", "90s")
	t.Setenv("FORK_SCORER_USE_STATIC_WEIGHTS", "true")
	t.Setenv("FORK_SCORER_STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://scorer@localhost:5432/fork_scorer")

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Forks.MaxActive)
	assert.Equal(t, 90*time.Second, cfg.Coordinator.AgentTimeout)
	assert.True(t, cfg.Coordinator.UseStaticWeights)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://scorer@localhost:5432/fork_scorer", cfg.Store.DatabaseURL)
}

func TestLoad_DotEnvFile(t *testing.T) {
	// godotenv never overrides variables that already exist
	t.Setenv("FORK_SCORER_CHUNK_SIZE", "")
	os.Unsetenv("FORK_SCORER_CHUNK_SIZE")
	envFile := writeFile(t, ".env", "FORK_SCORER_CHUNK_SIZE=1\n")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Batch.ChunkSize)
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("Missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
		assert.Error(t, err)
	})

	t.Run("Bad YAML", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.yaml", "forks: [\n"), "")
		assert.Error(t, err)
	})

	t.Run("Bad timeout env", func(t *testing.T) {
		t.Setenv("FORK_SCORER_AGENT_TIMEOUT", "soon")
		_, err := Load("", "")
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("Postgres without URL", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		_, err := Load(writeFile(t, "pg.yaml", "store:\n  driver: postgres\n"), "")
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("Unknown driver", func(t *testing.T) {
		_, err := Load(writeFile(t, "x.yaml", "store:\n  driver: sqlite\n"), "")
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("Chunk exceeds fork cap", func(t *testing.T) {
		_, err := Load(writeFile(t, "chunk.yaml", "forks:\n  max_active: 10\nbatch:\n  chunk_size: 10\n"), "")
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "needs 50 concurrent forks")
	})

	t.Run("Chunk fits fork cap", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "chunk.yaml", "forks:\n  max_active: 50\nbatch:\n  chunk_size: 10\n"), "")
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Batch.ChunkSize)
	})

	t.Run("Source is primary", func(t *testing.T) {
		_, err := Load(writeFile(t, "src.yaml",
			"store:\n  driver: postgres\n  database_url: postgres://localhost/x\n  primary_database: app\n  source_database: app\n"), "")
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "store.source_database must differ")
	})

	t.Run("Non-positive cap", func(t *testing.T) {
		_, err := Load(writeFile(t, "cap.yaml", "forks:\n  max_active: 0\n"), "")
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}
