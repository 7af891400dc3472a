package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"caravel/internal/config"
)

// Setup initializes the logging system based on the configuration.
func Setup(cfg *config.Config) error {
	if !cfg.Logging.Enabled {
		// Keep console logging only
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return nil
	}

	// Create logs directory with secure permissions (0700 - owner only)
	if err := os.MkdirAll(cfg.Logging.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().Str("invalid_level", cfg.Logging.Level).Msg("Invalid log level, using info")
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logFile := filepath.Join(cfg.Logging.Dir, cfg.Logging.File)
	fileWriter := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}

	// Set file permissions to be secure (readable only by owner)
	if err := os.Chmod(logFile, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", logFile).Msg("Failed to set secure permissions on log file")
	}

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
	multiWriter := io.MultiWriter(consoleWriter, fileWriter)

	log.Logger = zerolog.New(multiWriter).With().Timestamp().Logger()

	log.Info().
		Str("log_file", logFile).
		Str("level", level.String()).
		Msg("File logging initialized")

	return nil
}

// RunLogWriter returns a rotating writer for a specific pipeline run.
// Stage tool output (git, pip, docker build stream, gcloud) goes here so a
// failed run can be inspected after the fact.
func RunLogWriter(cfg *config.Config, runID string) (*lumberjack.Logger, error) {
	runLogDir := filepath.Join(cfg.Logging.Dir, "runs")

	if err := os.MkdirAll(runLogDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create run log directory: %w", err)
	}

	logFile := filepath.Join(runLogDir, fmt.Sprintf("%s.log", runID))

	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}

	if err := os.Chmod(logFile, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", logFile).Msg("Failed to set secure permissions on run log file")
	}

	return writer, nil
}

// RunLogPath returns the on-disk location of a run's log file.
func RunLogPath(cfg *config.Config, runID string) string {
	return filepath.Join(cfg.Logging.Dir, "runs", fmt.Sprintf("%s.log", runID))
}
