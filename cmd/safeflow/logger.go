package main

import (
	"fmt"
	"os"

	"github.com/safeflowhq/safeflow/pkg/logger"
)

const (
	// LogLevelEnvVar overrides the log level when no flag is given.
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFileEnvVar overrides the log file when no flag is given.
	LogFileEnvVar = "LOG_FILE"
	// LogFormatEnvVar overrides the log format when no flag is given.
	LogFormatEnvVar = "LOG_FORMAT"
)

// initLogger sets up the process logger from CLI flags and environment.
// Priority: CLI flags > env vars > defaults. Logs always go to stderr (or a
// file) because serve owns stdout for the wire protocol.
func initLogger(cli *CLI) (func(), error) {
	level := cli.LogLevel
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" {
		level = "info"
	}

	file := cli.LogFile
	if file == "" {
		file = os.Getenv(LogFileEnvVar)
	}

	format := cli.LogFormat
	if format == "" {
		format = os.Getenv(LogFormatEnvVar)
	}
	if format == "" {
		format = "simple"
	}

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(parsed, output, format)
	return cleanup, nil
}
