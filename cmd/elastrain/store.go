package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/elastrain/elastrain/internal/coordstore"
	"github.com/elastrain/elastrain/internal/metrics"
)

var (
	storeAddr        string
	storeRESPAddr    string
	storeDataDir     string
	storeMetricsAddr string
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Run the coordination store server",
	Long: `Runs the coordination store the workers rendezvous through. Round
records are persisted to the data directory so a restart keeps the round
counter and every terminal round.`,
	RunE: runStore,
}

func init() {
	storeCmd.Flags().StringVar(&storeAddr, "addr", ":7420", "HTTP listen address")
	storeCmd.Flags().StringVar(&storeRESPAddr, "resp-addr", "", "optional RESP inspection listen address")
	storeCmd.Flags().StringVar(&storeDataDir, "data-dir", "./data", "data directory for persisted rounds")
	storeCmd.Flags().StringVar(&storeMetricsAddr, "metrics-addr", "", "optional prometheus /metrics address")
}

func runStore(cmd *cobra.Command, args []string) error {
	store := coordstore.NewMemStore()

	persister, err := coordstore.OpenBadger(storeDataDir)
	if err != nil {
		return err
	}
	current, rounds, err := persister.Load()
	if err != nil {
		return err
	}
	store.Restore(current, rounds)
	store.SetPersister(persister)
	if len(rounds) > 0 {
		klog.Infof("restored %d round(s), current round %d", len(rounds), current)
	}

	server := coordstore.NewServer(storeAddr, store)

	var resp *coordstore.RESPListener
	if storeRESPAddr != "" {
		resp = coordstore.NewRESPListener(storeRESPAddr, store)
		go func() {
			if err := resp.Start(); err != nil {
				klog.Errorf("RESP listener: %v", err)
			}
		}()
	}

	var exporter *metrics.Exporter
	if storeMetricsAddr != "" {
		exporter = metrics.NewExporter(storeMetricsAddr)
		go func() {
			if err := exporter.Start(); err != nil {
				klog.Errorf("metrics exporter: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		klog.Infof("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		klog.Errorf("server stop: %v", err)
	}
	if resp != nil {
		if err := resp.Stop(); err != nil {
			klog.Errorf("RESP stop: %v", err)
		}
	}
	if exporter != nil {
		if err := exporter.Stop(ctx); err != nil {
			klog.Errorf("exporter stop: %v", err)
		}
	}
	return persister.Close()
}
