package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/objlink/objlink/internal/logging"
	"github.com/objlink/objlink/internal/observability"
	"github.com/objlink/objlink/internal/parcel"
	"github.com/objlink/objlink/internal/rpc"
)

// Root object selectors served by objlinkd.
const (
	selEcho uint32 = iota + 1
	selServerTime
	selStats
	selUptime
)

const (
	fieldValue uint16 = 1
)

func main() {
	logging.ConfigureRuntime("objlinkd")

	configPath := flag.String("config", "objlinkd.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg := defaultDaemonConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := loadDaemonConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("configuration rejected")
		}
		cfg = loaded
	} else {
		log.Warn().Str("path", *configPath).Msg("no config file, using defaults")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("objlinkd failed")
	}
}

func run(cfg daemonConfig) error {
	srv := rpc.NewServer(
		rpc.WithServerLimits(cfg.Limits),
		rpc.WithServerOnewayQueueDepth(cfg.OnewayQueueDepth),
	)
	srv.AcknowledgeExperimental()
	srv.SetMaxThreads(cfg.MaxThreads)
	srv.SetRoot(diagnosticsRoot(srv), true)

	for _, ep := range cfg.Endpoints {
		if err := srv.Bind(ep); err != nil {
			return err
		}
	}
	if err := srv.Start(); err != nil {
		return err
	}

	if cfg.MetricsListenAddr != "" {
		observability.RegisterMetrics()
		go serveMetrics(cfg.MetricsListenAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("signal received, shutting down")
	srv.Shutdown()
	srv.Join()
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("metrics endpoint stopped")
	}
}

// diagnosticsRoot is the default root object: an echo probe plus basic
// server introspection, registered process-wide so every session hands out
// the same identity.
func diagnosticsRoot(srv *rpc.Server) rpc.Object {
	return rpc.SharedObject("objlinkd.diagnostics", func() rpc.Object {
		started := time.Now()
		svc := rpc.NewService()
		svc.Handle(selEcho, func(ctx context.Context, data []byte) ([]byte, error) {
			return data, nil
		})
		svc.Handle(selServerTime, func(ctx context.Context, data []byte) ([]byte, error) {
			return parcel.Encode([]parcel.Field{
				parcel.NewString(fieldValue, time.Now().UTC().Format(time.RFC3339Nano)),
			}), nil
		})
		svc.Handle(selStats, func(ctx context.Context, data []byte) ([]byte, error) {
			stats := struct {
				Sessions    int   `json:"sessions"`
				LiveObjects []int `json:"live_objects"`
			}{
				Sessions:    srv.SessionCount(),
				LiveObjects: srv.LiveObjects(),
			}
			blob, err := json.Marshal(stats)
			if err != nil {
				return nil, err
			}
			return parcel.Encode([]parcel.Field{parcel.NewBytes(fieldValue, blob)}), nil
		})
		svc.Handle(selUptime, func(ctx context.Context, data []byte) ([]byte, error) {
			return parcel.Encode([]parcel.Field{
				parcel.NewUint64(fieldValue, uint64(time.Since(started)/time.Second)),
			}), nil
		})
		return svc
	})
}
