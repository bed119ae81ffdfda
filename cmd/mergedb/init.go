package main

import (
	"io"
	"log/slog"

	"mergedb/pkg/config"
	"mergedb/pkg/merge"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
// A non-empty dataDir overrides the data path from the file.
func initConfig(path, dataDir string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if dataDir != "" {
		cfg.Persistence.RootPath = dataDir
	}
	return cfg, cfg.Validate()
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(w io.Writer, cfg *config.Config) {
	opts := &slog.HandlerOptions{AddSource: true, Level: cfg.LogLevel()}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Debug("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

// initOperator builds the merge operator named in the config.
func initOperator(cfg *config.Config) (merge.Operator, error) {
	return merge.Lookup(cfg.Merge.Operator, cfg.Merge.Delimiter)
}
