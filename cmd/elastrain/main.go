// Command elastrain runs the elastic training coordinator: the coordination
// store server, the per-worker join agent, and round inspection.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:     "elastrain",
	Short:   "Elastic rendezvous and pipeline-topology coordinator",
	Version: "0.2.0",
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
