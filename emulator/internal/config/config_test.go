package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "scp03.hex")
	if err := os.WriteFile(keyPath, []byte("404142434445464748494A4B4C4D4E4F\n"), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	cfgPath := writeConfig(t, tmp, `
store:
  path: "state/card.db"
listen:
  address: "127.0.0.1:9025"
keys:
  scp03_key_file: "scp03.hex"
card:
  luk_limit: 5000
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if want := filepath.Join(tmp, "state", "card.db"); cfg.Store.Path != want {
		t.Fatalf("expected store path %q, got %q", want, cfg.Store.Path)
	}
	if cfg.Keys.SCP03KeyFile != keyPath {
		t.Fatalf("expected key path %q, got %q", keyPath, cfg.Keys.SCP03KeyFile)
	}
	if cfg.Card.LUKLimit == nil || *cfg.Card.LUKLimit != 5000 {
		t.Fatalf("expected luk_limit 5000, got %v", cfg.Card.LUKLimit)
	}
	if cfg.InMemory() {
		t.Fatal("file store reported as in-memory")
	}
}

func TestLoadMemoryStore(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), `
store:
  path: ":memory:"
listen:
  address: ":9025"
`))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.InMemory() || cfg.Store.Path != ":memory:" {
		t.Fatalf("expected in-memory store, got %q", cfg.Store.Path)
	}
	if cfg.Card.LUKLimit != nil {
		t.Fatalf("expected no luk_limit, got %d", *cfg.Card.LUKLimit)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing store",
			body: "listen:\n  address: \":9025\"\n",
			want: "config.store.path is required",
		},
		{
			name: "missing listen",
			body: "store:\n  path: \":memory:\"\n",
			want: "config.listen.address is required",
		},
		{
			name: "bad address",
			body: "store:\n  path: \":memory:\"\nlisten:\n  address: \"localhost\"\n",
			want: "config.listen.address",
		},
		{
			name: "missing key file",
			body: "store:\n  path: \":memory:\"\nlisten:\n  address: \":1\"\nkeys:\n  master_public_key_file: \"nope.hex\"\n",
			want: "config.keys.master_public_key_file",
		},
		{
			name: "unknown field",
			body: "store:\n  path: \":memory:\"\n  journal: wal\nlisten:\n  address: \":1\"\n",
			want: "field journal not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}
