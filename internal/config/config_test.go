package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kl_server.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if cfg == nil {
		t.Fatal("expected defaults alongside the error")
	}
	if cfg.LogPath != "../log/kl_server" || cfg.LogMaxSizeMB != 500 || cfg.PollTimeoutMs != 5000 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Addr() != "0.0.0.0:9999" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadMalformedFileReturnsDefaults(t *testing.T) {
	path := writeFile(t, "listen_port: [not, a, port\n")
	cfg, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if cfg == nil || cfg.ListenPort != 9999 {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeFile(t, `
listen_ip: 127.0.0.1
listen_port: 8123
poll_timeout_ms: 250
kill_child: true
journal_path: /var/lib/kl/journal.db
journal_prune_schedule: "@hourly"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8123" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.PollTimeout() != 250*time.Millisecond {
		t.Errorf("PollTimeout() = %v", cfg.PollTimeout())
	}
	if !cfg.KillChild || cfg.Daemon {
		t.Errorf("flags: kill_child=%v daemon=%v", cfg.KillChild, cfg.Daemon)
	}
	if !cfg.JournalEnabled() {
		t.Error("journal should be enabled")
	}
	// Untouched keys keep their defaults.
	if cfg.ExitWait() != 3*time.Second || cfg.ReaperInterval() != time.Second {
		t.Errorf("ExitWait=%v ReaperInterval=%v", cfg.ExitWait(), cfg.ReaperInterval())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"port too large", "listen_port: 70000\n", ErrInvalidPort},
		{"bad ip", "listen_ip: nowhere\n", ErrInvalidListenIP},
		{"negative timeout", "poll_timeout_ms: -1\n", ErrInvalidTimeout},
		{"tiny frame", "max_frame_size: 8\n", ErrInvalidFrameSize},
		{"bad schedule", "journal_prune_schedule: sometimes\n", ErrInvalidPruneSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.content))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Load error = %v, want %v", err, tt.wantErr)
			}
			if cfg != nil {
				t.Error("invalid config must not be returned")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "kl_server.yaml")
	want := Default()
	want.ListenPort = 7000
	want.MetricsAddr = "127.0.0.1:9100"
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}
