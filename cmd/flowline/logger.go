// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/flowline/pkg/config"
	"github.com/kadirpekel/flowline/pkg/logger"
)

const (
	LogFileEnvVar   = "LOG_FILE"
	LogLevelEnvVar  = "LOG_LEVEL"
	LogFormatEnvVar = "LOG_FORMAT"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "simple"
)

// logSettings holds logger values set explicitly by flags or environment.
// Empty fields may be filled from the config file.
type logSettings struct {
	level  string
	file   string
	format string
}

var (
	explicitLog logSettings
	activeLog   logSettings
)

// initLoggerFromCLI initializes the logger from CLI flags and environment
// variables. Priority: CLI flags > env vars > defaults.
func initLoggerFromCLI(cliLogLevel, cliLogFile, cliLogFormat string) (func(), error) {
	explicitLog = logSettings{
		level:  firstNonEmpty(cliLogLevel, os.Getenv(LogLevelEnvVar)),
		file:   firstNonEmpty(cliLogFile, os.Getenv(LogFileEnvVar)),
		format: firstNonEmpty(cliLogFormat, os.Getenv(LogFormatEnvVar)),
	}
	return initLogger(logSettings{
		level:  firstNonEmpty(explicitLog.level, DefaultLogLevel),
		file:   explicitLog.file,
		format: firstNonEmpty(explicitLog.format, DefaultLogFormat),
	})
}

// initLoggerFromConfig re-initializes the logger with config file values
// for every setting the CLI and environment left unset.
func initLoggerFromConfig(cfg *config.LoggerConfig) (func(), error) {
	s := logSettings{
		level:  firstNonEmpty(explicitLog.level, cfg.Level, DefaultLogLevel),
		file:   firstNonEmpty(explicitLog.file, cfg.File),
		format: firstNonEmpty(explicitLog.format, cfg.Format, DefaultLogFormat),
	}
	if s == activeLog {
		return nil, nil
	}
	return initLogger(s)
}

// reloadLogLevel applies a reloaded config level unless the level was set
// explicitly.
func reloadLogLevel(cfg *config.LoggerConfig) {
	if explicitLog.level != "" {
		return
	}
	logger.SetLevel(logger.ParseLevel(firstNonEmpty(cfg.Level, DefaultLogLevel)))
}

func initLogger(s logSettings) (func(), error) {
	if err := (&config.LoggerConfig{Level: s.level}).Validate(); err != nil {
		return nil, err
	}

	output := os.Stderr
	var cleanup func()
	if s.file != "" {
		file, cleanupFn, err := logger.OpenLogFile(s.file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(logger.ParseLevel(s.level), output, s.format)
	activeLog = s
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
