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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/cfg"
)

var errMountFailed = errors.New("mount failed")

const minimalConfig = `
system { metadata_tree_depth = 1 }
threads {
  kernel_thread  { max_total = 4 min_spare = 1 max_spare = 2 }
  network_thread { max_total = 4 min_spare = 1 max_spare = 2 }
  update_thread  { max_total = 4 min_spare = 1 max_spare = 2 }
}
local_node  { id = 1 name = "n1" }
config_node { id = 1 name = "n1" host = "localhost" port = 12323 }
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zfsd.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestArgsParsing(t *testing.T) {
	configFile := writeConfig(t, minimalConfig)

	var gotConfigFile, gotMountpoint string
	cmd, err := NewRootCmd(func(c *cfg.Config, cf, mp string) error {
		gotConfigFile, gotMountpoint = cf, mp
		return nil
	})
	require.NoError(t, err)

	cmd.SetArgs([]string{configFile, "/mnt/zfs"})
	require.NoError(t, cmd.Execute())

	require.Equal(t, configFile, gotConfigFile)
	require.Equal(t, "/mnt/zfs", gotMountpoint)
}

func TestArgsParsingRejectsWrongArgCount(t *testing.T) {
	cmd, err := NewRootCmd(func(*cfg.Config, string, string) error { return nil })
	require.NoError(t, err)

	cmd.SetArgs([]string{"/only/one/arg"})
	require.Error(t, cmd.Execute())
}

func TestRunFuncReceivesParsedConfig(t *testing.T) {
	configFile := writeConfig(t, minimalConfig)

	var gotConfig *cfg.Config
	cmd, err := NewRootCmd(func(c *cfg.Config, _, _ string) error {
		gotConfig = c
		return nil
	})
	require.NoError(t, err)

	cmd.SetArgs([]string{configFile, "/mnt/zfs"})
	require.NoError(t, cmd.Execute())

	require.NotNil(t, gotConfig)
	require.EqualValues(t, 1, gotConfig.LocalNode.ID)
	require.Equal(t, "n1", gotConfig.LocalNode.Name)
}

func TestRunFuncErrorPropagates(t *testing.T) {
	configFile := writeConfig(t, minimalConfig)

	cmd, err := NewRootCmd(func(*cfg.Config, string, string) error {
		return errMountFailed
	})
	require.NoError(t, err)

	cmd.SetArgs([]string{configFile, "/mnt/zfs"})
	require.ErrorIs(t, cmd.Execute(), errMountFailed)
}

func TestInvalidConfigFileIsRejected(t *testing.T) {
	cmd, err := NewRootCmd(func(*cfg.Config, string, string) error { return nil })
	require.NoError(t, err)

	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.conf"), "/mnt/zfs"})
	require.Error(t, cmd.Execute())
}
