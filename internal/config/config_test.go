package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"vaultline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr == "" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected defaults %+v", cfg.Server)
	}
	if cfg.Dispatch.Agent != "dispatch" {
		t.Fatalf("unexpected dispatch agent %q", cfg.Dispatch.Agent)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fallback config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	data := `server:
  addr: 0.0.0.0:9090
  base_path: /api

auth:
  jwt_secret: hush

dispatch:
  workspace: /var/vaultline/workspace
  drop_path: /var/vaultline/drops/
  agent: dispatcher
`
	if err := os.WriteFile(filepath.Join(dir, "vaultline.yml"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9090" || cfg.Dispatch.Agent != "dispatcher" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateRejectsBadBasePath(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Server.BasePath = "v0"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected base_path validation error")
	}
}
