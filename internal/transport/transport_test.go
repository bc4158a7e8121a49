package transport

import (
	"errors"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/objlink/objlink/internal/testutil/testlog"
)

func TestParseEndpoints(t *testing.T) {
	testlog.Start(t)
	ep, err := Parse("unix:///tmp/objlinkd.sock")
	if err != nil {
		t.Fatalf("parse unix: %v", err)
	}
	if u, ok := ep.(UnixEndpoint); !ok || u.Path != "/tmp/objlinkd.sock" {
		t.Fatalf("unexpected endpoint: %#v", ep)
	}

	ep, err = Parse("tcp://127.0.0.1:7311")
	if err != nil {
		t.Fatalf("parse tcp: %v", err)
	}
	if tc, ok := ep.(TCPEndpoint); !ok || tc.Host != "127.0.0.1" || tc.Port != 7311 {
		t.Fatalf("unexpected endpoint: %#v", ep)
	}

	ep, err = Parse("vsock://2:7311")
	if err != nil {
		t.Fatalf("parse vsock: %v", err)
	}
	if v, ok := ep.(VsockEndpoint); !ok || v.ContextID != 2 || v.Port != 7311 {
		t.Fatalf("unexpected endpoint: %#v", ep)
	}

	// The loopback context survives a String/Parse round trip.
	local := VsockEndpoint{ContextID: LocalContextID, Port: 7311}
	ep, err = Parse(local.String())
	if err != nil {
		t.Fatalf("parse vsock loopback: %v", err)
	}
	if ep.(VsockEndpoint) != local {
		t.Fatalf("loopback endpoint mangled: %#v", ep)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{"", "tcp://", "tcp://nohost", "vsock://2", "ipc://x", "unix://"} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidEndpoint) {
			t.Fatalf("raw=%q expected ErrInvalidEndpoint, got %v", raw, err)
		}
	}
}

func TestUnixListenDial(t *testing.T) {
	testlog.Start(t)
	ep := UnixEndpoint{Path: filepath.Join(t.TempDir(), "t.sock")}
	l, err := ep.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
		done <- err
	}()

	c, err := ep.Dial()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()
	if err := <-done; err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestTCPEphemeralPortDiscovery(t *testing.T) {
	testlog.Start(t)
	ep := TCPEndpoint{Host: "127.0.0.1", Port: 0}
	l, err := ep.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	if port == 0 {
		t.Fatalf("expected ephemeral port to be assigned")
	}

	c, err := (TCPEndpoint{Host: "127.0.0.1", Port: port}).Dial()
	if err != nil {
		t.Fatalf("dial discovered port: %v", err)
	}
	c.Close()
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}
	if got := NextBackoffDelay(cfg, 1, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 200*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 5, nil); got != time.Second {
		t.Fatalf("attempt5 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 200 * time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got != 200*time.Millisecond {
		t.Fatalf("attempt 1 is not jittered: %v", got)
	}
	got = NextBackoffDelay(cfg, 2, rng)
	if got < 200*time.Millisecond || got > 600*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestValidateClientProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := SecurityConfig{Mode: SecurityModeProduction}
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateServerMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := SecurityConfig{TLS: TLSConfig{Enabled: true, Mutual: true}}
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile = "/tmp/server.pem"
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.TLS.KeyFile = "/tmp/server.key"
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
