package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskward/seance/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/duskward/seance/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "seanced",
	Short: "seanced — self-hosted plural-identity Discord proxy relay",
	Long:  "seanced runs one bot per configured member, proxying a reference user's Discord messages on their behalf and relaying control events over a local websocket feed.",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: seance.json5 or $SEANCE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("seanced %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("SEANCE_CONFIG"); v != "" {
		return v
	}
	return "seance.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
