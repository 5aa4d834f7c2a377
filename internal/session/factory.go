package session

import (
	"fmt"

	"zswflasher/internal/config"
	"zswflasher/internal/dfu"
	"zswflasher/internal/transport"
)

// HardwareFactory builds the real BLE and serial transports from cfg.
func HardwareFactory(cfg *config.Config) Factory {
	return func(kind transport.Kind) (transport.Transport, error) {
		switch kind {
		case transport.KindBLE:
			return transport.NewBLE(cfg.BLEConfig()), nil
		case transport.KindSerial:
			return transport.NewSerial(cfg.SerialConfig()), nil
		default:
			return nil, fmt.Errorf("unsupported transport %q", kind)
		}
	}
}

// ConfigOptions maps cfg onto session options.
func ConfigOptions(cfg *config.Config) []Option {
	return []Option{
		WithTransport(cfg.Kind()),
		WithTimeouts(dfu.Timeouts{
			Application: cfg.Protocol.ApplicationTimeout,
			Recovery:    cfg.Protocol.RecoveryTimeout,
		}),
		WithFileSystemPath(cfg.Upload.FileSystemPath),
		WithOrchestratorOptions(
			dfu.WithSettleDelay(cfg.Upload.NetCoreSettle),
			dfu.WithChunkRetries(cfg.Protocol.ChunkRetries),
		),
	}
}
