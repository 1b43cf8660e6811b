package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, dir, name string, doc map[string]interface{}) {
	t.Helper()
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), raw, 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default", map[string]interface{}{
		"network": map[string]interface{}{
			"peer_id":     "01",
			"listen_addr": ":9000",
		},
	})

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.PeerID != "01" {
		t.Fatalf("peer_id = %q", cfg.Network.PeerID)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("backend default = %q", cfg.Storage.Backend)
	}
	if cfg.Consensus.SkipTimeoutMS != 5000 {
		t.Fatalf("skip timeout default = %d", cfg.Consensus.SkipTimeoutMS)
	}
}

func TestLoadEnvMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "default", map[string]interface{}{
		"storage": map[string]interface{}{"backend": "memory"},
	})
	writeConfig(t, dir, "prod", map[string]interface{}{
		"storage": map[string]interface{}{"backend": "log", "db_path": "/var/lib/docunet"},
	})

	cfg, err := Load("prod", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != "log" || cfg.Storage.DBPath != "/var/lib/docunet" {
		t.Fatalf("merge failed: %+v", cfg.Storage)
	}
}
