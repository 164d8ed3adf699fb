package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/elastrain/elastrain/internal/agent"
	"github.com/elastrain/elastrain/internal/config"
	"github.com/elastrain/elastrain/internal/coordstore"
	"github.com/elastrain/elastrain/internal/driver"
	"github.com/elastrain/elastrain/internal/metrics"
)

var (
	joinConfigPath string
	joinAddr       string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the training job as a worker",
	Long: `Registers this process in the current rendezvous round, waits for
the global decision, derives the topology, partition and redundancy groups,
and hands them to the training driver. Re-enters rendezvous whenever a
recovery plan asks for a rebuilt grid.`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinConfigPath, "config", "", "path to the job config YAML (required)")
	joinCmd.Flags().StringVar(&joinAddr, "advertise-addr", "127.0.0.1:7430", "address advertised to the training driver")
	_ = joinCmd.MarkFlagRequired("config")
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(joinConfigPath)
	if err != nil {
		return err
	}

	store := coordstore.NewHTTPClient(cfg.StoreEndpoint)
	a, err := agent.New(cfg, store, driver.NewLogDriver(), joinAddr)
	if err != nil {
		return err
	}
	klog.Infof("worker %s joining run %q via %s", a.Self().ID, cfg.RunID, cfg.StoreEndpoint)

	if cfg.MetricsAddr != "" {
		exporter := metrics.NewExporter(cfg.MetricsAddr)
		go func() {
			if err := exporter.Start(); err != nil {
				klog.Errorf("metrics exporter: %v", err)
			}
		}()
		defer func() {
			if err := exporter.Stop(context.Background()); err != nil {
				klog.Errorf("exporter stop: %v", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
