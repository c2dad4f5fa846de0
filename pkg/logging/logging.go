// Package logging configures the global zerolog logger from viper settings.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
}

// InitLoggerFromViper reads log-level, log-format, log-file and with-caller.
func InitLoggerFromViper() error {
	return InitLogger(&Config{
		Level:      viper.GetString("log-level"),
		Format:     viper.GetString("log-format"),
		File:       viper.GetString("log-file"),
		WithCaller: viper.GetBool("with-caller"),
	})
}

func InitLogger(config *Config) error {
	return initLogger(config, os.Stderr)
}

func initLogger(config *Config, stderr io.Writer) error {
	level := zerolog.InfoLevel
	if config.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(config.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", config.Level)
		}
		level = l
	}

	var w io.Writer
	switch strings.ToLower(config.Format) {
	case "", "text":
		w = zerolog.ConsoleWriter{Out: stderr}
	case "json":
		w = stderr
	default:
		return errors.Errorf("invalid log format %q", config.Format)
	}

	if config.File != "" {
		w = io.MultiWriter(w, zerolog.ConsoleWriter{
			NoColor: true,
			Out: &lumberjack.Logger{
				Filename:   config.File,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			},
		})
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	if config.WithCaller {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return nil
}
