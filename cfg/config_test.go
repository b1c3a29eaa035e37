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

package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
system {
  mlock = true
  metadata_tree_depth = 2
}

threads {
  kernel_thread {
    max_total = 64
    min_spare = 2
    max_spare = 8
  }
  network_thread {
    max_total = 32
    min_spare = 1
    max_spare = 4
  }
  update_thread {
    max_total = 16
    min_spare = 1
    max_spare = 2
  }
}

local_node {
  id = 1
  name = "n1"
}

config_node {
  id = 1
  name = "n1"
  host = "n1.example.com"
  port = 12323
}

users {
  default_uid = 65534
}

groups {
  default_gid = 65534
}

volumes = (
  {
    id = 7
    cache_size = 1073741824
    local_path = "/var/zfsd/vol7"
  }
)
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "zfsd.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParse(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	c, err := Parse(path)
	require.NoError(t, err)

	assert.True(t, c.System.Mlock)
	assert.EqualValues(t, 2, c.System.MetadataTreeDepth)
	assert.EqualValues(t, 64, c.Threads.KernelThread.MaxTotal)
	assert.EqualValues(t, 1, c.LocalNode.ID)
	assert.Equal(t, "n1.example.com", c.ConfigNode.Host)
	require.Len(t, c.Volumes, 1)
	assert.EqualValues(t, 7, c.Volumes[0].ID)
	assert.Equal(t, "/var/zfsd/vol7", c.Volumes[0].LocalPath)
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse("/no/such/file.conf")
	assert.Error(t, err)
}

func TestOverrideWithLoggingFlags(t *testing.T) {
	c := DefaultConfig()

	OverrideWithLoggingFlags(c, "/var/log/zfsd.log", "text", false, false, true)

	assert.Equal(t, ResolvedPath("/var/log/zfsd.log"), c.Logging.FilePath)
	assert.Equal(t, "text", c.Logging.Format)
	assert.Equal(t, TraceLogSeverity, c.Logging.Severity)
}

func TestOverrideWithLoggingFlagsNoDebug(t *testing.T) {
	c := DefaultConfig()
	c.Logging.Severity = WarningLogSeverity

	OverrideWithLoggingFlags(c, "", "", false, false, false)

	assert.Equal(t, WarningLogSeverity, c.Logging.Severity)
}
