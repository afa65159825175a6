package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"embeddb/pkg/compression"
	"embeddb/pkg/dberrors"
)

// Config is the root configuration of the embeddb binary.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DB           `yaml:"db"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DB configures one database instance.
type DB struct {
	Path            string `yaml:"path"`
	CreateIfMissing bool   `yaml:"create_if_missing"`
	ErrorIfExists   bool   `yaml:"error_if_exists"`

	Memtable    MemtableConfig    `yaml:"memtable"`
	SSTable     SSTableConfig     `yaml:"sstable"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Cache       CacheConfig       `yaml:"cache"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
	WAL         WALConfig         `yaml:"wal"`
	Manifest    ManifestConfig    `yaml:"manifest"`
	Background  BackgroundConfig  `yaml:"background"`
}

type MemtableConfig struct {
	// WriteBufferSize is the memtable size that triggers a freeze.
	WriteBufferSize int64 `yaml:"write_buffer_size"`
	// MaxImmTables bounds frozen memtables waiting for flush; writers stall
	// beyond it.
	MaxImmTables int `yaml:"max_imm_tables"`
}

type SSTableConfig struct {
	BlockSize       int    `yaml:"block_size"`
	RestartInterval int    `yaml:"restart_interval"`
	Compression     string `yaml:"compression"`
	// TargetFileSize is the output file size at level 1; each deeper level
	// multiplies it by TargetFileSizeMultiplier.
	TargetFileSize           int64 `yaml:"target_file_size"`
	TargetFileSizeMultiplier int   `yaml:"target_file_size_multiplier"`
	// VerifyChecksums reads back every block of every live table at open.
	// Blocks read by Get, iterators and compaction are always verified.
	VerifyChecksums          bool  `yaml:"verify_checksums"`
}

type CompactionConfig struct {
	L0CompactionTrigger int   `yaml:"l0_compaction_trigger"`
	L0StopWritesTrigger int   `yaml:"l0_stop_writes_trigger"`
	MaxBytesForLevel    int64 `yaml:"max_bytes_for_level_base"`
	LevelMultiplier     int   `yaml:"level_multiplier"`
	MaxOverlappingFiles int   `yaml:"max_overlapping_files"`
	MaxMemCompactLevel  int   `yaml:"max_mem_compact_level"`
	Disabled            bool  `yaml:"disabled"`
}

type CacheConfig struct {
	// Capacity is the number of decoded blocks kept in memory.
	Capacity int `yaml:"capacity"`
}

type BloomFilterConfig struct {
	// BitsPerKey of zero disables filters.
	BitsPerKey int `yaml:"bits_per_key"`
}

type WALConfig struct {
	// SyncWrites syncs the WAL on every write, regardless of write options.
	SyncWrites bool `yaml:"sync_writes"`
}

type ManifestConfig struct {
	MaxFileSize int64 `yaml:"max_file_size"`
}

type BackgroundConfig struct {
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
	RetryFactor  float64       `yaml:"retry_factor"`
	MaxRetries   int           `yaml:"max_retries"`
}

// flushes may not be pushed into the last two levels
const maxMemCompactLevelLimit = 5

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		DB: DefaultDB("./data"),
	}
}

// DefaultDB returns the default options for a database stored at path.
func DefaultDB(path string) DB {
	return DB{
		Path:            path,
		CreateIfMissing: true,
		Memtable: MemtableConfig{
			WriteBufferSize: 4 << 20,
			MaxImmTables:    2,
		},
		SSTable: SSTableConfig{
			BlockSize:                4 << 10,
			RestartInterval:          16,
			Compression:              "snappy",
			TargetFileSize:           2 << 20,
			TargetFileSizeMultiplier: 1,
		},
		Compaction: CompactionConfig{
			L0CompactionTrigger: 4,
			L0StopWritesTrigger: 12,
			MaxBytesForLevel:    10 << 20,
			LevelMultiplier:     10,
			MaxOverlappingFiles: 10,
			MaxMemCompactLevel:  2,
		},
		Cache: CacheConfig{
			Capacity: 1024,
		},
		BloomFilter: BloomFilterConfig{
			BitsPerKey: 10,
		},
		Manifest: ManifestConfig{
			MaxFileSize: 64 << 20,
		},
		Background: BackgroundConfig{
			RetryInitial: 100 * time.Millisecond,
			RetryMax:     5 * time.Second,
			RetryFactor:  2,
			MaxRetries:   5,
		},
	}
}

// Load reads a YAML config on top of Default. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return dberrors.InvalidArgumentf("logger.level %q", c.Logger.Level)
	}
	return c.DB.Validate()
}

// Validate checks that every option is usable.
func (d DB) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, dberrors.InvalidArgumentf(format, args...))
		}
	}

	check(d.Path != "", "db.path is empty")
	check(d.Memtable.WriteBufferSize > 0, "memtable.write_buffer_size must be positive")
	check(d.Memtable.MaxImmTables >= 1, "memtable.max_imm_tables must be at least 1")
	check(d.SSTable.BlockSize > 0, "sstable.block_size must be positive")
	check(d.SSTable.RestartInterval > 0, "sstable.restart_interval must be positive")
	check(d.SSTable.TargetFileSize > 0, "sstable.target_file_size must be positive")
	check(d.SSTable.TargetFileSizeMultiplier >= 1, "sstable.target_file_size_multiplier must be at least 1")
	if _, err := compression.ParseType(d.SSTable.Compression); err != nil {
		errs = append(errs, err)
	}
	check(d.Compaction.L0CompactionTrigger >= 1, "compaction.l0_compaction_trigger must be at least 1")
	check(d.Compaction.L0StopWritesTrigger >= d.Compaction.L0CompactionTrigger,
		"compaction.l0_stop_writes_trigger must not be below l0_compaction_trigger")
	check(d.Compaction.MaxBytesForLevel > 0, "compaction.max_bytes_for_level_base must be positive")
	check(d.Compaction.LevelMultiplier >= 1, "compaction.level_multiplier must be at least 1")
	check(d.Compaction.MaxOverlappingFiles >= 1, "compaction.max_overlapping_files must be at least 1")
	check(d.Compaction.MaxMemCompactLevel >= 0 && d.Compaction.MaxMemCompactLevel < maxMemCompactLevelLimit,
		"compaction.max_mem_compact_level must be below %d", maxMemCompactLevelLimit)
	check(d.Cache.Capacity >= 0, "cache.capacity must not be negative")
	check(d.BloomFilter.BitsPerKey >= 0, "bloom_filter.bits_per_key must not be negative")
	check(d.Manifest.MaxFileSize > 0, "manifest.max_file_size must be positive")
	check(d.Background.RetryInitial > 0, "background.retry_initial must be positive")
	check(d.Background.RetryMax >= d.Background.RetryInitial, "background.retry_max must not be below retry_initial")
	check(d.Background.RetryFactor >= 1, "background.retry_factor must be at least 1")
	check(d.Background.MaxRetries >= 0, "background.max_retries must not be negative")

	return errors.Join(errs...)
}
