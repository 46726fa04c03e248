package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "telephony_service"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "telephony_service",
	Short: "Teams telephony orchestration service",
	Long: `Runs tenant shell sessions against the calling platform, keeps the
local number inventory in step with it and ages released numbers.

Configuration is read from configs/config.defaults.yaml and APP_* variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}
