// Copyright 2024 Google Inc. All Rights Reserved.
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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zlomekfs/zfsd/cfg"
)

// RunFunc is invoked once the local configuration file has been parsed
// and validated and the positional config_file/mountpoint arguments have
// been resolved; it starts the daemon and blocks until shutdown.
type RunFunc func(c *cfg.Config, configFile, mountpoint string) error

// debugFuse, debugRPC and foreground have no equivalent in cfg.BindFlags
// (which already registers log-file, log-format, log-severity,
// debug_invariants and debug_mutex), so the root command owns them
// directly.
var (
	debugFuse  bool
	debugRPC   bool
	foreground bool
)

// NewRootCmd builds the `zfsd [flags] config_file mountpoint` command,
// deferring everything past flag/config parsing to run (spec §6's
// "Local configuration file" and §A.3's CLI/process lifecycle).
func NewRootCmd(run RunFunc) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "zfsd [flags] config_file mountpoint",
		Short: "Run the zfsd cluster filesystem daemon",
		Long: `zfsd mounts a clustered filesystem volume set described by config_file
          at mountpoint, replicating files across the nodes named in the
          cluster configuration and serving local requests from the
          in-memory FH/dentry graph and on-disk metadata store.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, mountpoint := args[0], args[1]

			c, err := cfg.Parse(configFile)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", configFile, err)
			}

			logFile, _ := cmd.Flags().GetString("log-file")
			logFormat, _ := cmd.Flags().GetString("log-format")
			logSeverity, _ := cmd.Flags().GetString("log-severity")
			debugInvariants, _ := cmd.Flags().GetBool("debug_invariants")
			debugMutex, _ := cmd.Flags().GetBool("debug_mutex")

			if err := c.Logging.Severity.UnmarshalText([]byte(logSeverity)); err != nil {
				return fmt.Errorf("invalid --log-severity: %w", err)
			}
			c.Debug.ExitOnInvariantViolation = debugInvariants
			c.Debug.LogMutex = debugMutex

			cfg.OverrideWithLoggingFlags(c, logFile, logFormat, debugFuse, debugRPC, debugMutex)

			if err := cfg.ValidateConfig(c); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return run(c, configFile, mountpoint)
		},
	}

	cmd.PersistentFlags().BoolVar(&debugFuse, "debug_fuse", false, "Log every host-OS binding call at TRACE severity.")
	cmd.PersistentFlags().BoolVar(&debugRPC, "debug_rpc", false, "Log every inter-node RPC call at TRACE severity.")
	cmd.PersistentFlags().BoolVar(&foreground, "foreground", false, "Run in the foreground instead of daemonizing.")

	// BindFlags registers log-file, log-format, log-severity,
	// debug_invariants and debug_mutex on the same FlagSet.
	if err := cfg.BindFlags(cmd.PersistentFlags()); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	return cmd, nil
}

// Execute builds the real root command, wired to run, and runs it
// against os.Args. It is the sole entry point cmd/zfsd's main calls.
func Execute() error {
	cmd, err := NewRootCmd(run)
	if err != nil {
		return fmt.Errorf("building root command: %w", err)
	}
	return cmd.Execute()
}
