package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zswflasher/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zswflasher.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: serial
  serial:
    port: /dev/ttyACM0
    mtu: 256
protocol:
  recovery_timeout: 20s
upload:
  net_core_settle: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Kind() != transport.KindSerial {
		t.Errorf("Kind() = %q", cfg.Kind())
	}
	sc := cfg.SerialConfig()
	if sc.Port != "/dev/ttyACM0" || sc.MTU != 256 || sc.BaudRate != 115200 {
		t.Errorf("SerialConfig() = %+v", sc)
	}
	if cfg.Protocol.RecoveryTimeout != 20*time.Second || cfg.Protocol.ApplicationTimeout != 5*time.Second {
		t.Errorf("protocol = %+v", cfg.Protocol)
	}
	if cfg.Upload.NetCoreSettle != time.Minute {
		t.Errorf("net core settle = %v", cfg.Upload.NetCoreSettle)
	}
	if got := cfg.BLEConfig().NamePrefix; got != "ZSWatch" {
		t.Errorf("BLE name prefix = %q", got)
	}
}

func TestLoadSample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "zswflasher.yml"))
	if err != nil {
		t.Fatalf("Load(sample) error = %v", err)
	}
	if len(cfg.Artifacts.RevisionTags) != 2 || cfg.Protocol.ChunkRetries != 0 {
		t.Errorf("sample config = %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ZSW_TRANSPORT", "serial")
	t.Setenv("ZSW_SERIAL_PORT", "COM5")
	t.Setenv("ZSW_BLE_NAME", "ZSWatch-42")
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Transport.Kind != "serial" ||
		cfg.Transport.Serial.Port != "COM5" || cfg.Transport.BLE.NamePrefix != "ZSWatch-42" ||
		cfg.Artifacts.Token != "ghp_test" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "bad transport", body: "transport:\n  kind: usb\n", want: "transport.kind"},
		{name: "bad level", body: "log:\n  level: loud\n", want: "log.level"},
		{name: "tiny mtu", body: "transport:\n  ble:\n    mtu: 8\n", want: "transport.ble.mtu"},
		{name: "negative retries", body: "protocol:\n  chunk_retries: -1\n", want: "chunk_retries"},
		{name: "relative fs path", body: "upload:\n  filesystem_path: full_fs\n", want: "filesystem_path"},
		{name: "zero runs", body: "artifacts:\n  runs: 0\n", want: "artifacts.runs"},
		{name: "bad yaml", body: "transport: [", want: "unmarshal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("Load() of missing file expected error")
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	Default().PrintSummary(&buf)
	for _, want := range []string{"Transport: ble", "ZSWatch/ZSWatch", "token set: false"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, buf.String())
		}
	}
}
