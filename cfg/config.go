// Copyright 2024 Google LLC
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

// Package cfg decodes the local node configuration file (spec §6's
// "Local configuration file") and binds the handful of values that are
// also overridable from the command line.
package cfg

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SystemConfig is the local config file's system{} block.
type SystemConfig struct {
	Mlock              bool `hcl:"mlock"`
	MetadataTreeDepth  int  `hcl:"metadata_tree_depth"`
}

// ThreadPoolConfig is one of threads{}'s nested pool blocks
// (kernel_thread{}, network_thread{}, update_thread{}).
type ThreadPoolConfig struct {
	MaxTotal uint32 `hcl:"max_total"`
	MinSpare uint32 `hcl:"min_spare"`
	MaxSpare uint32 `hcl:"max_spare"`
}

// ThreadsConfig is the local config file's threads{} block.
type ThreadsConfig struct {
	KernelThread  ThreadPoolConfig `hcl:"kernel_thread"`
	NetworkThread ThreadPoolConfig `hcl:"network_thread"`
	UpdateThread  ThreadPoolConfig `hcl:"update_thread"`
}

// NodeRef identifies a node by id and, for the config node, how to reach
// it (local_node{} and config_node{} blocks).
type NodeRef struct {
	ID   uint32 `hcl:"id"`
	Name string `hcl:"name"`
	Host string `hcl:"host"`
	Port int    `hcl:"port"`
}

// UsersConfig is the local config file's users{} block: at most one of
// DefaultUID or DefaultUser may be set.
type UsersConfig struct {
	DefaultUID  *uint32 `hcl:"default_uid"`
	DefaultUser string  `hcl:"default_user"`
}

// GroupsConfig is the local config file's groups{} block.
type GroupsConfig struct {
	DefaultGID   *uint32 `hcl:"default_gid"`
	DefaultGroup string  `hcl:"default_group"`
}

// VolumeConfig is one entry of the local config file's volumes=(...) list.
type VolumeConfig struct {
	ID        uint32 `hcl:"id"`
	CacheSize int64  `hcl:"cache_size"`
	LocalPath string `hcl:"local_path"`
}

// LoggingConfig is the subset of logging knobs overridable from the
// command line (log-file, log-format, log-severity, debug_*), mirroring
// the teacher's split between a decoded Config and flag overrides applied
// afterward by OverrideWithLoggingFlags.
type LoggingConfig struct {
	FilePath ResolvedPath `hcl:"-"`
	Severity LogSeverity  `hcl:"-"`
	Format   string       `hcl:"-"`
}

// DebugConfig holds process-wide debug switches, independent of logging
// verbosity.
type DebugConfig struct {
	ExitOnInvariantViolation bool `hcl:"-"`
	LogMutex                 bool `hcl:"-"`
}

// Config is the decoded form of the local configuration file (spec §6).
type Config struct {
	System     SystemConfig   `hcl:"system"`
	Threads    ThreadsConfig  `hcl:"threads"`
	LocalNode  NodeRef        `hcl:"local_node"`
	ConfigNode NodeRef        `hcl:"config_node"`
	Users      UsersConfig    `hcl:"users"`
	Groups     GroupsConfig   `hcl:"groups"`
	Volumes    []VolumeConfig `hcl:"volumes"`

	// Logging and Debug are never present in the local config file itself;
	// they are populated from command-line flags only.
	Logging LoggingConfig `hcl:"-"`
	Debug   DebugConfig   `hcl:"-"`
}

// Parse decodes the local configuration file at path.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := hcl.Decode(cfg, string(data)); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// BindFlags wires the command-line flags that override local config file
// values onto flagSet, following the teacher's BindFlags/viper.BindPFlag
// idiom.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("log-file", "", "Path to the log file. Empty means log to stderr.")
	if err := viper.BindPFlag("logging.file", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.String("log-format", "json", "Log format: text or json.")
	if err := viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.String("log-severity", "INFO", "Minimum log severity to emit.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.Bool("debug_invariants", false, "Exit the process when an internal invariant is violated.")
	if err := viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants")); err != nil {
		return err
	}

	flagSet.Bool("debug_mutex", false, "Log a warning when a mutex is held too long.")
	if err := viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex")); err != nil {
		return err
	}

	return nil
}

// OverrideWithLoggingFlags applies command-line overrides for the logging
// section on top of a decoded Config, escalating to TRACE severity when any
// debug switch is set.
func OverrideWithLoggingFlags(c *Config, logFile, logFormat string, debugFuse, debugGCS, debugMutex bool) {
	if logFile != "" {
		c.Logging.FilePath = ResolvedPath(logFile)
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if debugFuse || debugGCS || debugMutex {
		c.Logging.Severity = TraceLogSeverity
	}
}
