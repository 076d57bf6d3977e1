// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseConfig = `
environment: staging
paths:
  root: /srv/runhost
quota:
  global: 10
  default_per_user: 2
  operating_limit: 3
  per_user:
    alice: 5
escalation:
  mode: sudo
  password_file: ${RUNHOST_ROOT}/secrets/escalation
worker:
  executor: [/bin/true]
  grace_period: 2s
staging:
  quota:
    operating_limit: 1
  worker:
    startup_timeout: 45s
production:
  quota:
    global: 1000
`

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Environment != Development {
		t.Errorf("Environment = %s, want development", cfg.Environment)
	}
	if cfg.Escalation.Mode != EscalationDirect {
		t.Errorf("Escalation.Mode = %s, want direct", cfg.Escalation.Mode)
	}
	if cfg.Worker.StartupTimeout != 30*time.Second {
		t.Errorf("Worker.StartupTimeout = %v", cfg.Worker.StartupTimeout)
	}
}

func TestParseOverlaysEnvironmentSection(t *testing.T) {
	cfg, err := Parse([]byte(baseConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Quota.OperatingLimit != 1 {
		t.Errorf("OperatingLimit = %d, want staging override 1", cfg.Quota.OperatingLimit)
	}
	if cfg.Quota.Global != 10 {
		t.Errorf("Global = %d, want base 10 (production section must not apply)", cfg.Quota.Global)
	}
	if cfg.Quota.UserLimit("alice") != 5 || cfg.Quota.UserLimit("bob") != 2 {
		t.Errorf("per-user limits lost: %+v", cfg.Quota)
	}
	if cfg.Worker.StartupTimeout != 45*time.Second {
		t.Errorf("StartupTimeout = %v, want 45s", cfg.Worker.StartupTimeout)
	}
	if cfg.Worker.GracePeriod != 2*time.Second {
		t.Errorf("GracePeriod = %v, want 2s", cfg.Worker.GracePeriod)
	}
	if cfg.Worker.MonitorInterval != 5*time.Second {
		t.Errorf("MonitorInterval = %v, want default 5s", cfg.Worker.MonitorInterval)
	}
	if cfg.Staging != nil || cfg.Production != nil {
		t.Error("environment sections retained after overlay")
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("RUNHOST_TEST_SOCKET_DIR", "")
	cfg, err := Parse([]byte(baseConfig + `
coordinator:
  socket: ${RUNHOST_TEST_SOCKET_DIR:-/run/runhost}/api.sock
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Escalation.PasswordFile != "/srv/runhost/secrets/escalation" {
		t.Errorf("PasswordFile = %q", cfg.Escalation.PasswordFile)
	}
	if cfg.Paths.Work != "/srv/runhost/work" {
		t.Errorf("Paths.Work = %q", cfg.Paths.Work)
	}
	if cfg.Coordinator.Socket != "/run/runhost/api.sock" {
		t.Errorf("Socket = %q, want default branch", cfg.Coordinator.Socket)
	}

	t.Setenv("RUNHOST_TEST_SOCKET_DIR", "/tmp/rh")
	cfg, err = Parse([]byte(baseConfig + `
coordinator:
  socket: ${RUNHOST_TEST_SOCKET_DIR:-/run/runhost}/api.sock
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Coordinator.Socket != "/tmp/rh/api.sock" {
		t.Errorf("Socket = %q, want environment value", cfg.Coordinator.Socket)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Parse([]byte(baseConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad environment", func(c *Config) { c.Environment = "qa" }, "invalid environment"},
		{"missing password file", func(c *Config) { c.Escalation.PasswordFile = "" }, "password_file"},
		{"direct in production", func(c *Config) {
			c.Environment = Production
			c.Escalation.Mode = EscalationDirect
		}, "not allowed in production"},
		{"unknown mode", func(c *Config) { c.Escalation.Mode = "ssh" }, "escalation.mode"},
		{"negative quota", func(c *Config) { c.Quota.Global = -1 }, "quota"},
		{"no executor", func(c *Config) { c.Worker.Executor = nil }, "worker.executor"},
		{"lifetimes", func(c *Config) { c.Coordinator.MaxLifetime = time.Minute }, "max_lifetime"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			copied := *cfg
			test.mutate(&copied)
			err := copied.Validate()
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("Validate = %v, want mention of %q", err, test.want)
			}
		})
	}
}

func TestValidateAggregates(t *testing.T) {
	cfg := Default()
	cfg.Environment = "nope"
	cfg.Worker.Executor = nil
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, fragment := range []string{"invalid environment", "worker.executor"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("aggregated error lacks %q: %v", fragment, err)
		}
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), EnvVar) {
		t.Errorf("Load without %s = %v", EnvVar, err)
	}
}

func TestLoadFromEnvVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runhost.yaml")
	if err := os.WriteFile(path, []byte(baseConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvVar, path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.Root != "/srv/runhost" {
		t.Errorf("Root = %q", cfg.Paths.Root)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); !os.IsNotExist(err) {
		t.Errorf("LoadFile on a missing file = %v", err)
	}
}

func TestBinaryPathPrefersBin(t *testing.T) {
	bin := t.TempDir()
	if err := os.WriteFile(filepath.Join(bin, "runhost-worker"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.Paths.Bin = bin
	path, err := cfg.BinaryPath("runhost-worker")
	if err != nil || path != filepath.Join(bin, "runhost-worker") {
		t.Errorf("BinaryPath = %q, %v", path, err)
	}
	if _, err := cfg.BinaryPath("runhost-definitely-absent"); err == nil {
		t.Error("BinaryPath found a nonexistent binary")
	}
}

func TestEnsurePathsOpensSocketDirectory(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Paths = PathsConfig{
		Root:    root,
		State:   filepath.Join(root, "state"),
		Work:    filepath.Join(root, "work"),
		Sockets: filepath.Join(root, "sockets"),
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	info, err := os.Stat(cfg.Paths.Sockets)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got := info.Mode() & (os.ModeSticky | os.ModePerm); got != os.ModeSticky|0o777 {
		t.Errorf("sockets mode = %v, want sticky and world-writable", got)
	}
	if info, err := os.Stat(cfg.Paths.Work); err != nil || info.Mode().Perm() == 0o777 {
		t.Errorf("work dir = %v, %v; want created and not world-writable", info, err)
	}
}
