// Command thermald supervises Inkbird IDT-34c-B thermometers over a BlueZ
// D-Bus connection, reconnecting and re-activating them as they come and
// go, and logging their temperature channels to a file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "thermald",
	Short:   "Supervise Inkbird IDT-34c-B thermometers over BlueZ",
	Version: version,
	Long: `thermald watches BlueZ for Inkbird IDT-34c-B thermometers, connects to
each one it finds, pseudo-pairs it with the device's activation command
sequence, subscribes to its temperature notifications, and logs at most one
sample line per second to a flat file, on seconds where a reading changed.

It reconnects devices that drop off the bus with exponential backoff, and
periodically reconciles its view of the bus against BlueZ's in case a
removal signal was missed.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.Flags().StringP("config", "c", "", "Path to a YAML configuration file")
	rootCmd.Flags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "thermald: %s\n", err)
		os.Exit(1)
	}
}
