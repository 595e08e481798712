package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ShardOverride adjusts one shard's symbol assignment and target
// connection count without a full redeploy, loaded from the optional
// YAML file named in Config.ShardPlanOverrides. The file shape is
// grounded on the teacher's internal/scheduler job-config YAML tags.
type ShardOverride struct {
	Name        string   `yaml:"name"`
	Symbols     []string `yaml:"symbols"`
	TargetCount int      `yaml:"target_count"`
}

// ShardPlanFile is the top-level document shape of a shard plan
// override file.
type ShardPlanFile struct {
	Shards []ShardOverride `yaml:"shards"`
}

// LoadShardPlanOverrides reads and parses the YAML file at path. A
// missing path is not an error; callers fall back to the default
// round-robin partition built from Config.Symbols/Shards.
func LoadShardPlanOverrides(path string) (ShardPlanFile, error) {
	if path == "" {
		return ShardPlanFile{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ShardPlanFile{}, fmt.Errorf("config: read shard plan overrides %q: %w", path, err)
	}

	var file ShardPlanFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ShardPlanFile{}, fmt.Errorf("config: parse shard plan overrides %q: %w", path, err)
	}
	return file, nil
}
