package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/objlink/objlink/internal/testutil/testlog"
	"github.com/objlink/objlink/internal/testutil/tlstest"
	"github.com/objlink/objlink/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "objlinkd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigOverlaysDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
listen = ["unix:///run/objlinkd.sock", "tcp://0.0.0.0:7311"]
max_threads = 16
oneway_queue_depth = 64
metrics_listen_addr = "127.0.0.1:9464"
`)
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(cfg.Endpoints))
	}
	if u, ok := cfg.Endpoints[0].(transport.UnixEndpoint); !ok || u.Path != "/run/objlinkd.sock" {
		t.Fatalf("unexpected first endpoint: %#v", cfg.Endpoints[0])
	}
	if tc, ok := cfg.Endpoints[1].(transport.TCPEndpoint); !ok || tc.Port != 7311 {
		t.Fatalf("unexpected second endpoint: %#v", cfg.Endpoints[1])
	}
	if cfg.MaxThreads != 16 {
		t.Fatalf("max_threads = %d", cfg.MaxThreads)
	}
	if cfg.OnewayQueueDepth != 64 {
		t.Fatalf("oneway_queue_depth = %d", cfg.OnewayQueueDepth)
	}
	if cfg.MetricsListenAddr != "127.0.0.1:9464" {
		t.Fatalf("metrics_listen_addr = %q", cfg.MetricsListenAddr)
	}
	// Untouched keys keep defaults.
	if cfg.Limits.MaxPayloadBytes != defaultDaemonConfig().Limits.MaxPayloadBytes {
		t.Fatalf("payload limit changed without being configured")
	}
}

func TestLoadDaemonConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadDaemonConfig(writeConfig(t, `max_threads = 2`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := defaultDaemonConfig()
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].String() != def.Endpoints[0].String() {
		t.Fatalf("default endpoint lost: %#v", cfg.Endpoints)
	}
}

func TestLoadDaemonConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"zero threads":     `max_threads = 0`,
		"empty listen":     `listen = []`,
		"bad endpoint":     `listen = ["ipc://nope"]`,
		"zero queue depth": `oneway_queue_depth = 0`,
		"tls without keys": "tls_enabled = true",
	}
	for name, body := range cases {
		if _, err := loadDaemonConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: config accepted", name)
		}
	}
}

func TestLoadDaemonConfigAttachesTLSToTCP(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.New(t)
	cert, key := ca.ServerFiles(t)
	path := writeConfig(t, `
listen = ["tcp://0.0.0.0:7311", "unix:///tmp/side.sock"]
tls_enabled = true
tls_cert_file = "`+cert+`"
tls_key_file = "`+key+`"
`)
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tcp, ok := cfg.Endpoints[0].(transport.TCPEndpoint)
	if !ok || tcp.TLS == nil {
		t.Fatalf("tcp endpoint did not pick up the TLS config: %#v", cfg.Endpoints[0])
	}
	if _, ok := cfg.Endpoints[1].(transport.UnixEndpoint); !ok {
		t.Fatalf("unix endpoint mangled: %#v", cfg.Endpoints[1])
	}
}
