package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Config - корневая структура конфигурации приложения
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Merge  MergeConfig  `yaml:"merge"`
	DB     `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gte=0"`
}

type MergeConfig struct {
	Operator  string `yaml:"operator" validate:"required,oneof=stringappend uint64add overwrite"`
	Delimiter string `yaml:"delimiter" validate:"max=1"`
}

type DB struct {
	Memtable           MemtableConfig    `yaml:"memtable"`
	WAL                WALConfig         `yaml:"wal"`
	Persistence        PersistenceConfig `yaml:"persistence"`
	Compaction         CompactionConfig  `yaml:"compaction"`
	FlushRetryInterval time.Duration     `yaml:"flush_retry_interval" validate:"gt=0"`
}

type MemtableConfig struct {
	FlushThresholdBytes int `yaml:"flush_threshold" validate:"required,min=1"`
}

type WALConfig struct {
	Sync bool `yaml:"sync"`
}

type PersistenceConfig struct {
	RootPath    string            `yaml:"path" validate:"required"`
	SSTable     SSTableConfig     `yaml:"sstable"`
	Cache       CacheConfig       `yaml:"cache"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
}

type SSTableConfig struct {
	BlockSize   int    `yaml:"block_size" validate:"required,min=1"`
	TargetSize  int64  `yaml:"target_size" validate:"required,min=1"`
	Compression string `yaml:"compression" validate:"omitempty,oneof=none snappy zstd"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity" validate:"min=0"`
}

type BloomFilterConfig struct {
	FPRate float64 `yaml:"fp_rate" validate:"required,gt=0,lt=1"`
}

type CompactionConfig struct {
	L0Trigger      int   `yaml:"l0_trigger" validate:"required,min=1"`
	BaseLevelBytes int64 `yaml:"base_level_bytes" validate:"required,min=1"`
	SizeMultiplier int   `yaml:"size_multiplier" validate:"required,min=2"`
	MaxLevels      int   `yaml:"max_levels" validate:"required,min=2"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		Merge: MergeConfig{
			Operator:  "stringappend",
			Delimiter: ",",
		},
		DB: DB{
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
			},
			WAL: WALConfig{
				Sync: true,
			},
			Persistence: PersistenceConfig{
				RootPath: "./data",
				SSTable: SSTableConfig{
					BlockSize:   4096,
					TargetSize:  2 << 20,
					Compression: "snappy",
				},
				Cache: CacheConfig{
					Capacity: 256,
				},
				BloomFilter: BloomFilterConfig{
					FPRate: 0.01,
				},
			},
			Compaction: CompactionConfig{
				L0Trigger:      4,
				BaseLevelBytes: 10 << 20,
				SizeMultiplier: 10,
				MaxLevels:      7,
			},
			FlushRetryInterval: time.Second,
		},
	}
}

// Load загружает конфиг из файла YAML. Если файл не найден, возвращается Default().
// Keys missing from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

var validate = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their yaml path
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
})

// Validate checks the validate tags and the rules they cannot express.
func (c Config) Validate() error {
	var errs []error

	err := validate().Struct(c)
	var fieldErrs validator.ValidationErrors
	switch {
	case errors.As(err, &fieldErrs):
		for _, fe := range fieldErrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			errs = append(errs, fmt.Errorf("%w: %s fails %s=%s, got %v", ErrInvalidConfig, field, fe.Tag(), fe.Param(), fe.Value()))
		}
	case err != nil:
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	// max=1 counts runes, the operator needs a single byte
	if len(c.Merge.Delimiter) > 1 {
		errs = append(errs, fmt.Errorf("%w: merge.delimiter %q must be a single byte", ErrInvalidConfig, c.Merge.Delimiter))
	}

	return errors.Join(errs...)
}

// LogLevel maps Logger.Level onto slog.
func (c Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logger.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
