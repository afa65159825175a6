package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"embeddb/pkg/dberrors"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: debug
  json: true
db:
  path: /tmp/embeddb
  memtable:
    write_buffer_size: 65536
  sstable:
    compression: zstd
  background:
    retry_initial: 250ms
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.True(t, cfg.Logger.JSON)
	require.Equal(t, "/tmp/embeddb", cfg.DB.Path)
	require.Equal(t, int64(65536), cfg.DB.Memtable.WriteBufferSize)
	require.Equal(t, "zstd", cfg.DB.SSTable.Compression)
	require.Equal(t, 250*time.Millisecond, cfg.DB.Background.RetryInitial)
	// untouched fields keep their defaults
	require.Equal(t, 16, cfg.DB.SSTable.RestartInterval)
	require.Equal(t, 4, cfg.DB.Compaction.L0CompactionTrigger)
}

func TestValidate_Rejects(t *testing.T) {
	db := DefaultDB("x")
	db.SSTable.Compression = "lz4"
	db.Memtable.WriteBufferSize = 0
	err := db.Validate()
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	require.ErrorContains(t, err, "lz4")
	require.ErrorContains(t, err, "write_buffer_size")

	cfg := Default()
	cfg.Logger.Level = "LOUD"
	require.ErrorIs(t, cfg.Validate(), dberrors.ErrInvalidArgument)
}
