// Command lfkvctl is an operator CLI around the lfkv engine: check opens
// a store and reports its recovered state, compact forces one GC sweep
// plus a checkpoint. Neither subcommand speaks the wire protocol a
// client-side language binding would — both just drive lfkv.Bootstrap
// the way an embedding host already does.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var logLevel string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lfkvctl",
	Short: "Operator tooling for an lfkv store",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newCompactCommand())
}

func newLogger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}
