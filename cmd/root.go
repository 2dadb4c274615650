package cmd

import (
	"fmt"
	"github.com/ValentinKolb/kscan/cmd/key"
	"github.com/ValentinKolb/kscan/cmd/scan"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kscan",
		Short: "incremental keyspace scanner",
		Long: fmt.Sprintf(`kscan (v%s)

Browse the keyspace of a Redis compatible store without blocking it:
keys are discovered with incremental SCAN cursors, deduplicated, bounded
by a hard cap and optionally grouped into a namespace tree.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kscan",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kscan v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(scan.ScanCmd)
	RootCmd.AddCommand(key.KeyCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
