package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/barnettlynn/impalacard/pkg/scp03"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadEmulatorTransport(t *testing.T) {
	tmp := t.TempDir()
	keyPath := writeFile(t, tmp, "scp03.hex", "000102030405060708090A0B0C0D0E0F\n")
	cfgPath := writeFile(t, tmp, "config.yaml", `
transport:
  address: "127.0.0.1:9025"
keys:
  scp03_key_file: "scp03.hex"
security_level: "C-MAC+R-MAC"
sync:
  endpoint: "https://bridge.example.com/sync"
  client_id: "id"
  client_secret: "secret"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Keys.SCP03KeyFile != keyPath {
		t.Fatalf("expected key path %q, got %q", keyPath, cfg.Keys.SCP03KeyFile)
	}
	level, err := cfg.Level()
	if err != nil {
		t.Fatalf("Level returned error: %v", err)
	}
	if level != scp03.CMAC|scp03.RMAC {
		t.Fatalf("expected C-MAC+R-MAC, got %s", level)
	}
	keys, err := cfg.StaticKeys()
	if err != nil {
		t.Fatalf("StaticKeys returned error: %v", err)
	}
	if keys.ENC[15] != 0x0F || keys.DEK[0] != 0x00 {
		t.Fatalf("unexpected keys %X", keys.Bytes())
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, t.TempDir(), "config.yaml", "transport:\n  reader_index: 0\n"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Transport.ReaderIndex == nil || *cfg.Transport.ReaderIndex != 0 {
		t.Fatalf("expected reader_index 0, got %v", cfg.Transport.ReaderIndex)
	}
	level, err := cfg.Level()
	if err != nil || level != scp03.LevelFull {
		t.Fatalf("expected full security level, got %s (%v)", level, err)
	}
	keys, err := cfg.StaticKeys()
	if err != nil {
		t.Fatalf("StaticKeys returned error: %v", err)
	}
	if keys != scp03.DefaultKeys() {
		t.Fatalf("expected default keys, got %X", keys.Bytes())
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no transport",
			body: "security_level: full\n",
			want: "config.transport.reader_index, reader_name or address is required",
		},
		{
			name: "both transports",
			body: "transport:\n  reader_index: 1\n  address: \":9025\"\n",
			want: "set only one of",
		},
		{
			name: "index and name",
			body: "transport:\n  reader_index: 0\n  reader_name: \"ACR122\"\n",
			want: "set only one of",
		},
		{
			name: "negative reader",
			body: "transport:\n  reader_index: -1\n",
			want: "config.transport.reader_index must be >= 0",
		},
		{
			name: "bad level",
			body: "transport:\n  reader_index: 0\nsecurity_level: \"C-DEC\"\n",
			want: "config.security_level",
		},
		{
			name: "relative endpoint",
			body: "transport:\n  reader_index: 0\nsync:\n  endpoint: \"/sync\"\n",
			want: "config.sync.endpoint must be an absolute URL",
		},
		{
			name: "half credentials",
			body: "transport:\n  reader_index: 0\nsync:\n  endpoint: \"https://b.example.com\"\n  client_id: \"id\"\n",
			want: "must be set together",
		},
		{
			name: "missing private key",
			body: "transport:\n  reader_index: 0\nkeys:\n  master_private_key_file: \"master.hex\"\n",
			want: "config.keys.master_private_key_file",
		},
		{
			name: "unknown field",
			body: "transport:\n  reader_index: 0\n  baud: 9600\n",
			want: "field baud not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), "config.yaml", tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}
