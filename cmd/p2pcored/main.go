// Command p2pcored is a demo daemon wiring the connection-manager core
// together: flag/INI parsing, a rotating-file log backend, the Supervisor
// lifecycle, and an optional Prometheus telemetry endpoint. Grounded on
// lnd.go's lndMain/main split: a run() function that returns an error,
// called from main, which maps a non-nil error to os.Exit(1) after
// flushing the log backend.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bsv-infra/p2pcore/metrics"
	"github.com/bsv-infra/p2pcore/supervisor"
)

func main() {
	if err := run(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	netCfg, connCfg, opts, err := loadConfig()
	if err != nil {
		return err
	}

	loggers, closeLog, err := initLogging(opts.LogDir, opts.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	supLog := loggers[subsystemSupervisor]
	supLog.Infof("starting p2pcored on %s, mode %s", netCfg.Network, netCfg.Mode)

	mcs := metrics.New()
	registry := prometheus.NewRegistry()
	if err := mcs.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sup, err := supervisor.New(supervisor.Options{
		NetworkConfig:    netCfg,
		ConnectionConfig: connCfg,
		Metrics:          mcs,
		Log:              supLog,
		PeerLog:          loggers[subsystemPeer],
		ListenerLog:      loggers[subsystemListener],
		SeedLog:          loggers[subsystemSeed],
	})
	if err != nil {
		return fmt.Errorf("construct supervisor: %w", err)
	}

	if err := sup.Start(); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	if netCfg.TelemetryAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
			snap := sup.Snapshot()
			fmt.Fprintf(w, "network=%s mode=%s active=%d/%d\n",
				snap.NetCfg.Network, snap.NetCfg.Mode, snap.Active, snap.NetCfg.MaxConnections)
			for status, count := range snap.Counts {
				fmt.Fprintf(w, "peers[%s]=%d\n", status, count)
			}
		})
		go func() {
			if err := http.ListenAndServe(netCfg.TelemetryAddr, mux); err != nil {
				supLog.Errorf("telemetry server exited: %v", err)
			}
		}()
		supLog.Infof("telemetry listening on %s", netCfg.TelemetryAddr)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	supLog.Info("shutdown signal received, stopping")
	if err := sup.Stop(); err != nil {
		return fmt.Errorf("stop supervisor: %w", err)
	}
	supLog.Info("shutdown complete")
	return nil
}
