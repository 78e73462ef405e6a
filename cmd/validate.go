package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskward/seance/internal/config"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file, then exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", cfgPath, err)
				os.Exit(1)
			}
			fmt.Printf("%s: ok (%d system(s))\n", cfgPath, len(cfg.Systems))
			for name, sys := range cfg.Systems {
				fmt.Printf("  %s: %d member(s)\n", name, len(sys.Members))
			}
		},
	}
}
