package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loomwork/conclave/internal/clusterconfig"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "settings.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.MaxLevel != "" || f.DefaultProvider != "" {
		t.Fatalf("expected zero-value settings, got %+v", f)
	}
	if f.BroadcastConfig() != nil {
		t.Fatal("no broadcast section means no broadcast config")
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	content := `
max_level = "level2"
min_level = "level1"
default_provider = "claude"
strict_schema = true
max_parallel = 4
docker_mounts = ["/src:/src"]

[broadcast]
relays = ["wss://relay.example.com"]
secret_key_hex = "aa"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ext := f.ToExternal()
	if ext.MaxLevel != clusterconfig.Level2 || ext.MinLevel != clusterconfig.Level1 {
		t.Fatalf("level bounds wrong: %+v", ext)
	}
	if !ext.StrictSchema || ext.MaxParallel != 4 || ext.DefaultProvider != "claude" {
		t.Fatalf("fields wrong: %+v", ext)
	}
	if len(ext.DockerMounts) != 1 {
		t.Fatalf("docker mounts wrong: %+v", ext.DockerMounts)
	}

	bc := f.BroadcastConfig()
	if bc == nil || len(bc.Relays) != 1 || bc.SecretKeyHex != "aa" {
		t.Fatalf("broadcast config wrong: %+v", bc)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("max_level = [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
