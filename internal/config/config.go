// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package config holds the small, pre-cfg-package log configuration type
// that internal/logger accepts alongside the newer cfg.LoggingConfig, kept
// separate so logger.InitLogFile can be called during early startup before
// the full cfg.Config has been parsed and validated.
package config

// Severity level names, ordered from most to least verbose.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// LogRotateConfig controls lumberjack-style log file rotation.
type LogRotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultLogRotateConfig returns the rotation policy used before the local
// config file has been read.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        true,
	}
}

// LogConfig is the minimal logging configuration available at process
// startup, before cfg.Config has been decoded.
type LogConfig struct {
	Severity        string
	File            string
	Format          string
	LogRotateConfig LogRotateConfig
}
