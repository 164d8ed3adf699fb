package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/elastrain/elastrain/internal/coordstore"
)

var (
	statusEndpoint string
	statusRound    int64
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect rendezvous rounds",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusEndpoint, "endpoint", "http://127.0.0.1:7420", "coordination store endpoint")
	statusCmd.Flags().Int64Var(&statusRound, "round", -1, "round to inspect (-1 for the current round)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := coordstore.NewHTTPClient(statusEndpoint)

	roundID := uint64(statusRound)
	if statusRound < 0 {
		var err error
		roundID, err = client.CurrentRound(ctx)
		if err != nil {
			return err
		}
	}

	state, err := client.ReadRound(ctx, roundID)
	if err != nil {
		return err
	}

	fmt.Printf("round %d: %s (revision %d)\n", state.ID, state.Status, state.Revision)
	if state.Reason != "" {
		fmt.Printf("reason: %s\n", state.Reason)
	}
	for i, w := range state.Workers {
		fmt.Printf("  %2d  %s\n", i, w)
	}

	if state.Status == coordstore.RoundClosed {
		live, err := client.LiveWorkers(ctx, roundID)
		if err == nil {
			fmt.Printf("live: %d/%d\n", len(live), len(state.Workers))
		}
	}
	return nil
}
