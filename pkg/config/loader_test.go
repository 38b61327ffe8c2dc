package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dut.yaml", `
device:
  uuid: a1b2c3d4e5f60718293a4b5c6d7e8f90
  resolver: cloud
  address_prefix: "10."
ssh:
  auth: agent
  command_timeout: 90s
poll:
  interval: 1s
  backoff: true
suites:
  modem:
    modems: [EC25]
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != path {
		t.Errorf("expected source %s, got %s", path, cfg.Source)
	}
	if cfg.Device.AddressPrefix != "10." {
		t.Errorf("unexpected prefix %q", cfg.Device.AddressPrefix)
	}
	if cfg.SSH.CommandTimeout.D() != 90*time.Second {
		t.Errorf("unexpected command timeout %s", cfg.SSH.CommandTimeout)
	}
	if !cfg.Poll.Backoff || cfg.Poll.Interval.D() != time.Second {
		t.Errorf("unexpected poll config %+v", cfg.Poll)
	}
	if cfg.SSH.User != "root" {
		t.Errorf("expected default user to survive, got %s", cfg.SSH.User)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadYAMLRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dut.yml", "device:\n  serial: x\n")
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestLoadEmptyYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dut.yaml", "")
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.MaxAttempts != 50 {
		t.Errorf("expected defaults, got %+v", cfg.Poll)
	}
}

func TestLoadCUE(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dut.cue", `
device: {
	uuid:     "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	resolver: "dns"
}
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Resolver != "dns" {
		t.Errorf("unexpected resolver %s", cfg.Device.Resolver)
	}
}

func TestLoadCUEErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dut.cue", `ssh: auth: "kerberos"`)
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected schema error")
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dut.toml", "")
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Supervisor.Port != DefaultSupervisorPort {
		t.Errorf("unexpected supervisor port %d", cfg.Supervisor.Port)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvDeviceUUID, "deadbeef")
	t.Setenv(EnvDeviceAddress, "192.168.8.4")
	t.Setenv(EnvCloudToken, "secret")
	t.Setenv(EnvSSHPassword, "hunter2")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Device.UUID != "deadbeef" || cfg.Cloud.Token != "secret" {
		t.Errorf("env not applied: %+v %+v", cfg.Device, cfg.Cloud)
	}
	if cfg.Device.Resolver != "static" {
		t.Errorf("an address from the environment should pin the resolver, got %s", cfg.Device.Resolver)
	}
	if cfg.SSH.Auth != "password" {
		t.Errorf("expected password auth, got %s", cfg.SSH.Auth)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".env", "DUT_CLOUD_TOKEN=from-dotenv\n")

	// Registers cleanup so the variable does not leak to other tests.
	t.Setenv(EnvCloudToken, "")
	os.Unsetenv(EnvCloudToken)

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(EnvCloudToken); got != "from-dotenv" {
		t.Errorf("expected token from .env, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Device.UUID = "a1b2c3d4e5f60718293a4b5c6d7e8f90"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "defaults plus uuid", mutate: func(*Config) {}},
		{name: "missing uuid", mutate: func(c *Config) { c.Device.UUID = "" }, want: "device.uuid is required"},
		{name: "static without address", mutate: func(c *Config) { c.Device.Resolver = "static" }, want: "device.address is required"},
		{name: "bad resolver", mutate: func(c *Config) { c.Device.Resolver = "mdns" }, want: "device.resolver must be one of"},
		{name: "password auth without password", mutate: func(c *Config) { c.SSH.Auth = "password" }, want: "ssh.password is required"},
		{name: "bad port", mutate: func(c *Config) { c.Supervisor.Port = 0 }, want: "supervisor.port must be >= 1"},
		{name: "unbounded poll", mutate: func(c *Config) { c.Poll.MaxAttempts = 0 }, want: "poll needs max_attempts or timeout"},
		{name: "negative interval", mutate: func(c *Config) { c.Poll.Interval = Duration(-time.Second) }, want: "poll.interval must not be negative"},
		{name: "otlp without endpoint", mutate: func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, want: "telemetry.trace_endpoint is required"},
		{name: "bad cloud url", mutate: func(c *Config) { c.Cloud.URL = "not a url" }, want: "cloud.url must be a URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dut.yaml", "poll:\n  timeout: 2m30s\n")
	cfg, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if cfg.Poll.Timeout.String() != "2m30s" {
		t.Errorf("unexpected timeout %s", cfg.Poll.Timeout)
	}
}

func TestLoadModems(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "modems.json", `{
  "modems": ["EC25", "ME909s-120"],
  "network": {"apn": "internet", "ipType": "ipv4", "testUrl": "example.com"}
}`)

	mf, err := LoadModems(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadModems: %v", err)
	}
	if !mf.Supports("ec25") || mf.Supports("SIM7600") {
		t.Errorf("unexpected Supports results for %v", mf.Modems)
	}
	if mf.Network.IPType != "ipv4" {
		t.Errorf("unexpected ip type %s", mf.Network.IPType)
	}

	bad := writeFile(t, dir, "bad.json", `{"modems": ["EC25"], "network": {"apn": "", "ipType": "ipv4", "testUrl": "x"}}`)
	if _, err := LoadModems(context.Background(), bad); err == nil {
		t.Fatal("expected schema error for empty apn")
	}
}
