package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"zswflasher/internal/transport"
)

// Config represents the application configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Upload    UploadConfig    `yaml:"upload"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Server    ServerConfig    `yaml:"server"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// TransportConfig selects the link to the watch.
type TransportConfig struct {
	Kind   string       `yaml:"kind"` // ble | serial
	BLE    BLEConfig    `yaml:"ble"`
	Serial SerialConfig `yaml:"serial"`
}

// BLEConfig represents Bluetooth LE link configuration
type BLEConfig struct {
	NamePrefix   string        `yaml:"name_prefix"`
	MTU          int           `yaml:"mtu"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
}

// SerialConfig represents USB serial link configuration
type SerialConfig struct {
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baud_rate"`
	MTU          int           `yaml:"mtu"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
}

// ProtocolConfig holds the SMP request timeouts applied after the device
// mode is known.
type ProtocolConfig struct {
	ApplicationTimeout time.Duration `yaml:"application_timeout"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	ChunkRetries       int           `yaml:"chunk_retries"`
}

// UploadConfig represents upload workflow configuration
type UploadConfig struct {
	NetCoreSettle  time.Duration `yaml:"net_core_settle"`
	FileSystemPath string        `yaml:"filesystem_path"`
}

// ArtifactsConfig points at the CI builds offered for download.
type ArtifactsConfig struct {
	Owner        string   `yaml:"owner"`
	Repo         string   `yaml:"repo"`
	Token        string   `yaml:"token"`
	Runs         int      `yaml:"runs"`
	RevisionTags []string `yaml:"revision_tags"`
}

// ServerConfig represents the headless server configuration
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Transport: TransportConfig{
			Kind: string(transport.KindBLE),
			BLE: BLEConfig{
				NamePrefix:   "ZSWatch",
				MTU:          240,
				ScanTimeout:  15 * time.Second,
				ChunkTimeout: 5 * time.Second,
			},
			Serial: SerialConfig{
				BaudRate:     115200,
				MTU:          512,
				ChunkTimeout: 5 * time.Second,
			},
		},
		Protocol: ProtocolConfig{
			ApplicationTimeout: 5 * time.Second,
			RecoveryTimeout:    15 * time.Second,
		},
		Upload: UploadConfig{
			NetCoreSettle:  30 * time.Second,
			FileSystemPath: "/S/full_fs",
		},
		Artifacts: ArtifactsConfig{
			Owner:        "ZSWatch",
			Repo:         "ZSWatch",
			Runs:         10,
			RevisionTags: []string{"@4", "@5"},
		},
		Server: ServerConfig{Addr: ":8090"},
	}
}

// Load reads filename over the defaults and applies environment overrides.
// An empty filename yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if kind := os.Getenv("ZSW_TRANSPORT"); kind != "" {
		c.Transport.Kind = kind
	}

	if port := os.Getenv("ZSW_SERIAL_PORT"); port != "" {
		c.Transport.Serial.Port = port
	}

	if name := os.Getenv("ZSW_BLE_NAME"); name != "" {
		c.Transport.BLE.NamePrefix = name
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		c.Artifacts.Token = token
	}
}

// Validate checks the configuration for values the session cannot use.
func (c *Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := c.Log.Format; f != "console" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", f))
	}
	if _, err := transport.ParseKind(c.Transport.Kind); err != nil {
		errs = append(errs, fmt.Errorf("transport.kind: %w", err))
	}
	if c.Transport.BLE.MTU < 32 {
		errs = append(errs, fmt.Errorf("transport.ble.mtu: %d is below 32", c.Transport.BLE.MTU))
	}
	if c.Transport.Serial.MTU < 32 {
		errs = append(errs, fmt.Errorf("transport.serial.mtu: %d is below 32", c.Transport.Serial.MTU))
	}
	if c.Transport.Serial.BaudRate <= 0 {
		errs = append(errs, errors.New("transport.serial.baud_rate: must be positive"))
	}
	if c.Protocol.ApplicationTimeout <= 0 || c.Protocol.RecoveryTimeout <= 0 {
		errs = append(errs, errors.New("protocol: timeouts must be positive"))
	}
	if c.Protocol.ChunkRetries < 0 {
		errs = append(errs, errors.New("protocol.chunk_retries: must not be negative"))
	}
	if c.Upload.NetCoreSettle < 0 {
		errs = append(errs, errors.New("upload.net_core_settle: must not be negative"))
	}
	if !strings.HasPrefix(c.Upload.FileSystemPath, "/") {
		errs = append(errs, fmt.Errorf("upload.filesystem_path: %q is not absolute", c.Upload.FileSystemPath))
	}
	if c.Artifacts.Runs <= 0 {
		errs = append(errs, errors.New("artifacts.runs: must be positive"))
	}

	return errors.Join(errs...)
}

// Kind returns the configured transport kind.
func (c *Config) Kind() transport.Kind {
	k, _ := transport.ParseKind(c.Transport.Kind)
	return k
}

// BLEConfig returns the BLE transport settings.
func (c *Config) BLEConfig() transport.BLEConfig {
	b := c.Transport.BLE
	return transport.BLEConfig{
		NamePrefix:   b.NamePrefix,
		MTU:          b.MTU,
		ChunkTimeout: b.ChunkTimeout,
		ScanTimeout:  b.ScanTimeout,
	}
}

// SerialConfig returns the serial transport settings.
func (c *Config) SerialConfig() transport.SerialConfig {
	s := c.Transport.Serial
	return transport.SerialConfig{
		Port:         s.Port,
		BaudRate:     s.BaudRate,
		MTU:          s.MTU,
		ChunkTimeout: s.ChunkTimeout,
	}
}

// PrintSummary writes a short human-readable summary to w.
func (c *Config) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "=== ZSWatch Flasher Configuration ===\n")
	fmt.Fprintf(w, "Log: %s (%s)\n", c.Log.Level, c.Log.Format)
	fmt.Fprintf(w, "Transport: %s\n", c.Transport.Kind)
	fmt.Fprintf(w, "  BLE: name prefix %q, mtu %d, scan %s, chunk timeout %s\n",
		c.Transport.BLE.NamePrefix, c.Transport.BLE.MTU,
		c.Transport.BLE.ScanTimeout, c.Transport.BLE.ChunkTimeout)
	fmt.Fprintf(w, "  Serial: port %q @ %d baud, mtu %d, chunk timeout %s\n",
		c.Transport.Serial.Port, c.Transport.Serial.BaudRate,
		c.Transport.Serial.MTU, c.Transport.Serial.ChunkTimeout)
	fmt.Fprintf(w, "Timeouts: application %s, recovery %s, chunk retries %d\n",
		c.Protocol.ApplicationTimeout, c.Protocol.RecoveryTimeout, c.Protocol.ChunkRetries)
	fmt.Fprintf(w, "Net core settle: %s\n", c.Upload.NetCoreSettle)
	fmt.Fprintf(w, "Artifacts: %s/%s, %d runs, tags %v, token set: %v\n",
		c.Artifacts.Owner, c.Artifacts.Repo, c.Artifacts.Runs,
		c.Artifacts.RevisionTags, c.Artifacts.Token != "")
	fmt.Fprintf(w, "Server: %s\n", c.Server.Addr)
	fmt.Fprintf(w, "=====================================\n")
}
