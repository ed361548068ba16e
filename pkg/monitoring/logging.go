package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogFormat represents log formats
type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

// LoggingConfig configures the global zerolog logger
type LoggingConfig struct {
	Level      string
	Format     LogFormat
	OutputFile string

	// Output overrides the destination when OutputFile is empty. Defaults
	// to os.Stderr.
	Output io.Writer
}

// SetupLogging configures the global log level and the global logger used
// by every package. The returned closer releases the log file, if any.
func SetupLogging(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var closer io.Closer = nopCloser{}
	output := cfg.Output
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0755); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, closer = file, file
	}
	if output == nil {
		output = os.Stderr
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case LogFormatConsole:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case LogFormatJSON, "":
		logger = zerolog.New(output).With().Timestamp().Logger()
	default:
		return zerolog.Logger{}, nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	log.Logger = logger
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
