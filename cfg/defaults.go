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

const (
	// DefaultMetadataTreeDepth is the number of two-hex-digit levels used
	// to shard journal/ and intervals/ directories by inode number.
	DefaultMetadataTreeDepth = 2

	// Default thread pool bounds, applied to all three pools
	// (kernel_thread, network_thread, update_thread) unless overridden.
	DefaultMinSpareThreads = 4
	DefaultMaxSpareThreads = 16
	DefaultMaxTotalThreads = 256
)

func defaultThreadPool() ThreadPoolConfig {
	return ThreadPoolConfig{
		MinSpare: DefaultMinSpareThreads,
		MaxSpare: DefaultMaxSpareThreads,
		MaxTotal: DefaultMaxTotalThreads,
	}
}

// DefaultConfig returns the configuration used before the local config
// file has been parsed, and as the base that Parse decodes on top of.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			MetadataTreeDepth: DefaultMetadataTreeDepth,
		},
		Threads: ThreadsConfig{
			KernelThread:  defaultThreadPool(),
			NetworkThread: defaultThreadPool(),
			UpdateThread:  defaultThreadPool(),
		},
		Logging: LoggingConfig{
			Severity: InfoLogSeverity,
			Format:   "json",
		},
	}
}
