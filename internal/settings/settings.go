// Package settings loads the operator-facing settings.toml file the CLI
// front door reads at startup: provider defaults, model-level bounds,
// Docker isolation passthroughs, and the optional lifecycle-broadcast
// relay configuration. TOML is this file's canonical format since it
// is hand-authored by operators, unlike cluster configs where JSON
// remains canonical.
package settings

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/loomwork/conclave/internal/broadcast"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/external"
)

// File is the on-disk shape of settings.toml.
type File struct {
	MaxLevel             string   `toml:"max_level"`
	MinLevel             string   `toml:"min_level"`
	DefaultProvider      string   `toml:"default_provider"`
	StrictSchema         bool     `toml:"strict_schema"`
	AutoCheckUpdates     bool     `toml:"auto_check_updates"`
	DockerMounts         []string `toml:"docker_mounts"`
	DockerEnvPassthrough []string `toml:"docker_env_passthrough"`
	DefaultIssueSource   string   `toml:"default_issue_source"`
	MaxParallel          int      `toml:"max_parallel"`
	StorageDir           string   `toml:"storage_dir"`

	Broadcast *BroadcastFile `toml:"broadcast"`
}

// BroadcastFile configures the optional lifecycle broadcast mirror.
// Omitted entirely, no cluster started under these
// settings touches a Nostr relay.
type BroadcastFile struct {
	Relays       []string `toml:"relays"`
	SecretKeyHex string   `toml:"secret_key_hex"`
}

// Load reads and parses path, defaulting to an empty, all-zero File if
// it does not exist — a fresh operator running conclave for the first
// time should not need to hand-author settings.toml before `start`
// works.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	return &f, nil
}

// ToExternal adapts a loaded File to the core's external.Settings
// contract.
func (f *File) ToExternal() external.Settings {
	return external.Settings{
		MaxLevel:             clusterconfig.ModelLevel(f.MaxLevel),
		MinLevel:             clusterconfig.ModelLevel(f.MinLevel),
		DefaultProvider:      f.DefaultProvider,
		StrictSchema:         f.StrictSchema,
		AutoCheckUpdates:     f.AutoCheckUpdates,
		DockerMounts:         f.DockerMounts,
		DockerEnvPassthrough: f.DockerEnvPassthrough,
		DefaultIssueSource:   f.DefaultIssueSource,
		MaxParallel:          f.MaxParallel,
	}
}

// BroadcastConfig adapts the optional [broadcast] table to
// broadcast.Config, or nil if the operator did not configure one.
func (f *File) BroadcastConfig() *broadcast.Config {
	if f.Broadcast == nil || len(f.Broadcast.Relays) == 0 {
		return nil
	}
	return &broadcast.Config{
		Relays:       f.Broadcast.Relays,
		SecretKeyHex: f.Broadcast.SecretKeyHex,
	}
}
