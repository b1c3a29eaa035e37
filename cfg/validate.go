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

import "fmt"

func isValidThreadPool(name string, p *ThreadPoolConfig) error {
	if p.MinSpare > p.MaxSpare {
		return fmt.Errorf("%s: min_spare (%d) exceeds max_spare (%d)", name, p.MinSpare, p.MaxSpare)
	}
	if p.MaxSpare > p.MaxTotal {
		return fmt.Errorf("%s: max_spare (%d) exceeds max_total (%d)", name, p.MaxSpare, p.MaxTotal)
	}
	if p.MaxTotal == 0 {
		return fmt.Errorf("%s: max_total must be positive", name)
	}
	return nil
}

func isValidUsers(u *UsersConfig) error {
	if u.DefaultUID != nil && u.DefaultUser != "" {
		return fmt.Errorf("users: at most one of default_uid or default_user may be set")
	}
	return nil
}

func isValidGroups(g *GroupsConfig) error {
	if g.DefaultGID != nil && g.DefaultGroup != "" {
		return fmt.Errorf("groups: at most one of default_gid or default_group may be set")
	}
	return nil
}

func isValidVolumes(volumes []VolumeConfig) error {
	seen := make(map[uint32]bool, len(volumes))
	for _, v := range volumes {
		if seen[v.ID] {
			return fmt.Errorf("volumes: duplicate volume id %d", v.ID)
		}
		seen[v.ID] = true
		if v.CacheSize < 0 {
			return fmt.Errorf("volumes: volume %d has negative cache_size", v.ID)
		}
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(c *Config) error {
	if err := isValidThreadPool("kernel_thread", &c.Threads.KernelThread); err != nil {
		return err
	}
	if err := isValidThreadPool("network_thread", &c.Threads.NetworkThread); err != nil {
		return err
	}
	if err := isValidThreadPool("update_thread", &c.Threads.UpdateThread); err != nil {
		return err
	}
	if err := isValidUsers(&c.Users); err != nil {
		return err
	}
	if err := isValidGroups(&c.Groups); err != nil {
		return err
	}
	if err := isValidVolumes(c.Volumes); err != nil {
		return err
	}
	if c.LocalNode.ID == 0 {
		return fmt.Errorf("local_node: id must be set")
	}
	return nil
}
