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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"

	internalconfig "github.com/zlomekfs/zfsd/internal/config"

	"github.com/zlomekfs/zfsd/cfg"
	"github.com/zlomekfs/zfsd/internal/configreader"
	"github.com/zlomekfs/zfsd/internal/daemon"
	"github.com/zlomekfs/zfsd/internal/logger"
)

// inBackgroundModeEnv is set in the environment of the re-executed child
// process so it can tell it is the daemonized instance rather than the
// process the user invoked directly.
const inBackgroundModeEnv = "ZFSD_IN_BACKGROUND_MODE"

// daemonizeAndWait re-executes the current binary with --foreground set,
// mirroring the teacher's daemonize.Run/daemonize.SignalOutcome dance:
// the parent blocks until the child has either mounted successfully or
// reported a startup failure.
func daemonizeAndWait(mountpoint string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)

	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, fmt.Sprintf("HOME=%s", home))
	}
	if wd, err := os.Getwd(); err == nil {
		env = append(env, fmt.Sprintf("ZFSD_PARENT_PROCESS_DIR=%s", wd))
	}
	env = append(env, fmt.Sprintf("%s=true", inBackgroundModeEnv))

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Infof("zfsd mounted %s, running in the background", mountpoint)
	return nil
}

// run is the RunFunc wired into NewRootCmd: it assembles the daemon,
// daemonizes unless --foreground was given, and blocks handling signals
// until an orderly shutdown completes.
func run(c *cfg.Config, configFile, mountpoint string) error {
	if !foreground {
		return daemonizeAndWait(mountpoint)
	}

	if err := logger.InitLogFile(internalconfig.LogConfig{}, c.Logging); err != nil {
		return fmt.Errorf("init log file: %w", err)
	}

	callDaemonizeSignalOutcome := func(err error) {
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logger.Errorf("failed to signal outcome to parent process: %v", err2)
		}
	}

	mountpoints, err := configreader.ReadVolumeList(c)
	if err != nil {
		callDaemonizeSignalOutcome(fmt.Errorf("reading cluster volume list: %w", err))
		return fmt.Errorf("reading cluster volume list: %w", err)
	}

	d, err := daemon.New(c, mountpoints)
	if err != nil {
		callDaemonizeSignalOutcome(fmt.Errorf("assembling daemon: %w", err))
		return fmt.Errorf("assembling daemon: %w", err)
	}
	logger.Infof("zfsd node %d serving %d volume(s) at %s", c.LocalNode.ID, len(c.Volumes), mountpoint)
	callDaemonizeSignalOutcome(nil)

	// reconciler drives spec §4.9's mark-and-sweep reconciliation of the
	// cluster configuration files (node_list, volume_list, user_list,
	// group_list, user/<node>, group/<node>) against d's live tables. It
	// has no Broadcaster wired yet: d does not maintain outbound
	// connections to peer nodes, so there is nobody to relay
	// reread_config to; this node still reconciles its own tables
	// correctly in the meantime.
	reconciler := configreader.NewReconciler(d.Nodes, d.Volumes, d)

	reload := func() {
		nc, err := cfg.Parse(configFile)
		if err != nil {
			logger.Errorf("reload: re-parsing %s: %v", configFile, err)
			return
		}
		d.Reload(nc)
		if err := reconciler.Reconcile(context.Background(), nc, ""); err != nil {
			logger.Errorf("reload: reconciling local volume config: %v", err)
		}
	}

	watcher, err := configreader.NewWatcher(configFile, reload)
	if err != nil {
		logger.Errorf("starting config watcher: %v", err)
	} else {
		defer watcher.Close()
	}

	// SIGHUP triggers the same local config reload as a change to the file.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			reload()
		}
	}()

	volWatcher, err := configreader.WatchConfigVolume(c, func(relPath string) {
		if err := reconciler.Reconcile(context.Background(), c, relPath); err != nil {
			logger.Errorf("config-reader: reconciling %s: %v", relPath, err)
			return
		}
		logger.Infof("config-reader: reconciled %s", relPath)
	})
	if err != nil {
		logger.Errorf("starting config volume watcher: %v", err)
	} else {
		defer volWatcher.Close()
	}

	waitForShutdownSignal()
	d.Shutdown()
	return nil
}

// waitForShutdownSignal blocks until SIGINT, SIGQUIT or SIGTERM requests
// an orderly shutdown (spec §A.3); SIGHUP is handled separately by run,
// which reloads the local config file, and does not unblock this call.
func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)
}
