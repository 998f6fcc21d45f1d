// Command pbxd is the corepbx SIP server binary: the composition root
// that wires config, store, every A-I subsystem and the metrics/HTTP
// exporter together, then serves until a termination signal triggers a
// graceful drain. Grounded on flowpbx-flowpbx/cmd/flowpbx/main.go's
// composition order and signal.NotifyContext shutdown pattern.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbpbx/corepbx/internal/callsession"
	"github.com/nbpbx/corepbx/internal/config"
	"github.com/nbpbx/corepbx/internal/metrics"
	"github.com/nbpbx/corepbx/internal/pbx"
	"github.com/nbpbx/corepbx/internal/qos"
	"github.com/nbpbx/corepbx/internal/registrar"
	"github.com/nbpbx/corepbx/internal/registry"
	"github.com/nbpbx/corepbx/internal/router"
	"github.com/nbpbx/corepbx/internal/rtprelay"
	"github.com/nbpbx/corepbx/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	extStore := store.NewExtensionStore(db)
	phoneStore := store.NewPhoneTrackingStore(db)
	callRecordStore := store.NewCallRecordStore(db)
	qosStore := store.NewQoSStore(db)

	reg := registry.New(extStore, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Reload(ctx); err != nil {
		return err
	}

	pool, err := rtprelay.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax)
	if err != nil {
		return err
	}
	relayManager := rtprelay.NewManager(pool, logger)

	qosMonitor := qos.NewMonitor(qos.Thresholds{
		MOSMin:        cfg.QoSMOSMin,
		PacketLossMax: cfg.QoSPacketLossMax,
		JitterMaxMS:   cfg.QoSJitterMaxMS,
		LatencyMaxMS:  cfg.QoSLatencyMaxMS,
	}, logger)
	qosMonitor.OnSummary(func(s qos.Summary) {
		logger.Info("qos summary", "call_id", s.CallID, "direction", s.Direction, "mos", s.MOS, "rating", s.QualityRating)
	})

	calls := callsession.NewTable(logger)

	patterns, err := router.CompilePatterns(
		cfg.DialplanEmergency, cfg.DialplanAutoAttendant, cfg.DialplanPaging,
		cfg.DialplanInternal, cfg.DialplanConference, cfg.DialplanVoicemail,
		cfg.DialplanQueue, cfg.DialplanParking,
	)
	if err != nil {
		return err
	}

	// No find-me/follow-me or STIR/SHAKEN attestation provider is
	// configured in this binary; both are optional internal/hooks
	// plug-ins a deployment can supply by populating pbx.Collaborators
	// before calling router.New/pbx.New.
	collab := pbx.Collaborators{}
	rtr := router.New(patterns, reg, collab.FindMeFollowMe)

	reg2 := registrar.New(reg, phoneStore, store.CheckCredential, cfg.TrustedIP, logger)
	if err := reg2.PurgeStaleOnBoot(ctx); err != nil {
		logger.Warn("boot purge failed", "error", err)
	}

	server := pbx.New(cfg, logger, reg, reg2, rtr, calls, relayManager, qosMonitor, callRecordStore, qosStore, collab)

	collector := metrics.NewCollector(calls, reg, qosMonitor, relayManager, time.Now())
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", "error", err)
		}
	}()

	expireStaleRegistrations(ctx, reg, logger)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Start(sigCtx); err != nil {
			logger.Error("sip server error", "error", err)
		}
	}()

	<-sigCtx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), pbx.DefaultShutdownGrace+5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx, pbx.DefaultShutdownGrace)

	metricsSrv.Close()
	return nil
}

// expireStaleRegistrations runs a periodic sweep evicting registrations
// past their Expires timestamp, per spec.md §5's timer scheduler.
func expireStaleRegistrations(ctx context.Context, reg *registry.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if expired := reg.ExpireStale(now); len(expired) > 0 {
					logger.Info("expired stale registrations", "extensions", expired)
				}
			}
		}
	}()
}
