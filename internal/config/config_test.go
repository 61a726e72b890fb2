package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Bot.Prefix != "." {
		t.Fatalf("unexpected prefix: %q", cfg.Bot.Prefix)
	}
	if cfg.Bot.DedupSize != 100 || cfg.Bot.DedupMaxAge.Duration != time.Second {
		t.Fatalf("unexpected dedup defaults: %d %s", cfg.Bot.DedupSize, cfg.Bot.DedupMaxAge)
	}
	if cfg.Bot.SourceFormat != SourceFormatLong {
		t.Fatalf("unexpected source format: %q", cfg.Bot.SourceFormat)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[bot]
prefix = "!"
source_format = "short"
dedup_max_age = "250ms"

[[services]]
kind = "IRC"
name = "libera"
enabled = false

[services.irc]
hosts = ["irc.libera.chat:6697"]
nick = "yahk"
tls = true

[[services.chats]]
identifier = "#lobby"
bridges = ["general"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Bot.Prefix != "!" || cfg.Bot.SourceFormat != SourceFormatShort {
		t.Fatalf("unexpected bot config: %+v", cfg.Bot)
	}
	if cfg.Bot.DedupMaxAge.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected dedup age: %s", cfg.Bot.DedupMaxAge)
	}
	if len(cfg.Services) != 1 {
		t.Fatalf("expected one service, got %d", len(cfg.Services))
	}
	svc := cfg.Services[0]
	if svc.Kind != "irc" || svc.Identifier != "irc/libera" {
		t.Fatalf("unexpected service identity: %s %s", svc.Kind, svc.Identifier)
	}
	if svc.IsEnabled() {
		t.Fatal("expected service to be disabled")
	}
	if svc.MaxRetries != DefaultMaxRetries || svc.SendBurst != DefaultSendBurst {
		t.Fatalf("expected service defaults, got %+v", svc)
	}
	if len(svc.Chats) != 1 || svc.Chats[0].Bridges[0] != "general" {
		t.Fatalf("unexpected chats: %+v", svc.Chats)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("YAHK_DATABASE_DSN", "postgres://localhost/yahk")
	t.Setenv("YAHK_DATABASE_DRIVER", "postgres")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/yahk" {
		t.Fatalf("env overrides not applied: %+v", cfg.Database)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "long prefix",
			data:    "[bot]\nprefix = \"!!\"\n",
			wantErr: "single character",
		},
		{
			name:    "unknown kind",
			data:    "[[services]]\nkind = \"matrix\"\nname = \"x\"\n",
			wantErr: "unknown kind",
		},
		{
			name:    "duplicate identifier",
			data:    "[[services]]\nkind = \"irc\"\nname = \"a\"\n[[services]]\nkind = \"irc\"\nname = \"a\"\n",
			wantErr: "duplicate identifier",
		},
		{
			name:    "postgres without dsn",
			data:    "[database]\ndriver = \"postgres\"\n",
			wantErr: "database.dsn",
		},
		{
			name:    "bad source format",
			data:    "[bot]\nsource_format = \"medium\"\n",
			wantErr: "source_format",
		},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Parse(tt.data)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
