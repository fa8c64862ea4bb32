package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.MimeType != "video/x-matroska;codecs=avc1,opus" {
		t.Errorf("unexpected default mime type %q", cfg.MimeType)
	}
	if cfg.Listen != "127.0.0.1:9981" {
		t.Errorf("unexpected default listen address %q", cfg.Listen)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := load(viper.New(), "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Timeslice != time.Second {
		t.Errorf("Timeslice = %s, want 1s", cfg.Timeslice)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camrecorder.yaml")
	content := strings.Join([]string{
		"listen: 127.0.0.1:8080",
		"timeslice: 250ms",
		"video_width: 1280",
		"video_height: 720",
		"ice_servers:",
		"  - stun:stun.l.google.com:19302",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(viper.New(), path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Timeslice != 250*time.Millisecond {
		t.Errorf("Timeslice = %s, want 250ms", cfg.Timeslice)
	}
	if cfg.VideoWidth != 1280 || cfg.VideoHeight != 720 {
		t.Errorf("video size = %dx%d", cfg.VideoWidth, cfg.VideoHeight)
	}
	if len(cfg.ICEServers) != 1 {
		t.Errorf("ICEServers = %v", cfg.ICEServers)
	}
	if cfg.MimeType != Default().MimeType {
		t.Errorf("expected default mime type to survive, got %q", cfg.MimeType)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CAMREC_LISTEN", "127.0.0.1:7000")
	t.Setenv("CAMREC_LOG_LEVEL", "debug")

	cfg, err := load(viper.New(), "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7000" {
		t.Errorf("Listen = %q, want env override", cfg.Listen)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = " " }},
		{"empty mime", func(c *Config) { c.MimeType = "" }},
		{"zero timeslice", func(c *Config) { c.Timeslice = 0 }},
		{"bad size", func(c *Config) { c.VideoWidth = 0 }},
		{"bad port range", func(c *Config) { c.PortMin, c.PortMax = 5000, 4000 }},
		{"path in download name", func(c *Config) { c.DownloadName = "../x.mkv" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
