package cmd

import (
	"fmt"
	"os"

	"github.com/mahaj/chatcore/pkg/config"
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Operational tooling for the chat services",
	Long: `chatctl manages the chat schema, issues development tokens and
checks a running deployment end to end.`,
	SilenceUsage: true,
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $CHAT_CONFIG)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
