package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"deckdrop/internal/config"
	"deckdrop/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "deckdrop",
	Short: "Automated dropout workflow for the deckathon enrollment backend",
	Long: "Deckdrop drives the enrollment backend's registration, login, class-drop,\n" +
		"payment and dropout flow end to end, defeating its image captchas by\n" +
		"brute-forcing the bounded answer space instead of looking at the images.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", "", "Path to YAML config (defaults built in)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.Version = version
}

// loadConfig reads the config file and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromPath(rootFlags.configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
