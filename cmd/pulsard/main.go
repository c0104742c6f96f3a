package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulsard",
		Short: "Pulsar - distributed data-processing engine for Redis",
		Long:  "Pulsar runs declarative record pipelines across the shards of a Redis deployment, driven on demand or by key-space, stream, and command triggers",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		daemonCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pulsard version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pulsard 1.0.0")
		},
	}
}
