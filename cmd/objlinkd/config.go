package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/objlink/objlink/internal/transport"
	"github.com/objlink/objlink/internal/wire"
)

type fileConfig struct {
	Listen            []string `toml:"listen"`
	MaxThreads        int      `toml:"max_threads"`
	OnewayQueueDepth  int      `toml:"oneway_queue_depth"`
	MaxPayloadBytes   int64    `toml:"max_payload_bytes"`
	MetricsListenAddr string   `toml:"metrics_listen_addr"`
	SecurityMode      string   `toml:"security_mode"`
	TLSEnabled        bool     `toml:"tls_enabled"`
	TLSMutual         bool     `toml:"tls_mutual"`
	TLSCertFile       string   `toml:"tls_cert_file"`
	TLSKeyFile        string   `toml:"tls_key_file"`
	TLSCAFile         string   `toml:"tls_ca_file"`
}

type daemonConfig struct {
	Endpoints         []transport.Endpoint
	MaxThreads        int
	OnewayQueueDepth  int
	Limits            wire.Limits
	MetricsListenAddr string
	Security          transport.SecurityConfig
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Endpoints:  []transport.Endpoint{transport.UnixEndpoint{Path: "/tmp/objlinkd.sock"}},
		MaxThreads: 4,
		Limits:     wire.DefaultLimits(),
		Security:   transport.SecurityConfig{Mode: transport.SecurityModeDevelopment},
	}
}

// loadDaemonConfig overlays a TOML file on the defaults, keys absent from
// the file keep their default values.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load objlinkd config: %w", err)
	}

	if meta.IsDefined("max_threads") {
		if raw.MaxThreads < 1 {
			return daemonConfig{}, fmt.Errorf("load objlinkd config: max_threads must be >= 1, got %d", raw.MaxThreads)
		}
		cfg.MaxThreads = raw.MaxThreads
	}
	if meta.IsDefined("oneway_queue_depth") {
		if raw.OnewayQueueDepth < 1 {
			return daemonConfig{}, fmt.Errorf("load objlinkd config: oneway_queue_depth must be >= 1, got %d", raw.OnewayQueueDepth)
		}
		cfg.OnewayQueueDepth = raw.OnewayQueueDepth
	}
	if meta.IsDefined("max_payload_bytes") {
		if raw.MaxPayloadBytes < int64(wire.FixedHeaderLen) {
			return daemonConfig{}, fmt.Errorf("load objlinkd config: max_payload_bytes too small: %d", raw.MaxPayloadBytes)
		}
		cfg.Limits.MaxPayloadBytes = uint32(raw.MaxPayloadBytes)
	}
	if meta.IsDefined("metrics_listen_addr") {
		cfg.MetricsListenAddr = strings.TrimSpace(raw.MetricsListenAddr)
	}
	if meta.IsDefined("security_mode") {
		cfg.Security.Mode = transport.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Security.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Security.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Security.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Security.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Security.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}

	if meta.IsDefined("listen") {
		if len(raw.Listen) == 0 {
			return daemonConfig{}, fmt.Errorf("load objlinkd config: listen must name at least one endpoint")
		}
		cfg.Endpoints = cfg.Endpoints[:0]
		for _, spec := range raw.Listen {
			ep, err := transport.Parse(strings.TrimSpace(spec))
			if err != nil {
				return daemonConfig{}, fmt.Errorf("load objlinkd config: %w", err)
			}
			cfg.Endpoints = append(cfg.Endpoints, ep)
		}
	}

	if err := cfg.Security.ValidateServer(); err != nil {
		return daemonConfig{}, fmt.Errorf("load objlinkd config: %w", err)
	}
	if cfg.Security.TLS.Enabled {
		tlsCfg, err := cfg.Security.ServerTLS()
		if err != nil {
			return daemonConfig{}, fmt.Errorf("load objlinkd config: %w", err)
		}
		for i, ep := range cfg.Endpoints {
			if tcp, ok := ep.(transport.TCPEndpoint); ok {
				tcp.TLS = tlsCfg
				cfg.Endpoints[i] = tcp
			}
		}
	}
	return cfg, nil
}
