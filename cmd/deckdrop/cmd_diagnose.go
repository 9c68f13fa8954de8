package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deckdrop/internal/api"
	"deckdrop/internal/logging"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Probe backend endpoints for reachability and latency",
	RunE:  runDiagnose,
}

// diagnosticPaths are the unauthenticated endpoints worth probing before a
// run. Non-2xx statuses are expected for some (the probe only proves the
// route is alive).
var diagnosticPaths = []string{
	"/",
	"/form/prepare/public/register",
	"/form/prepare/public/login",
	"/captcha/challenge?challenge_type=logos",
}

func runDiagnose(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := api.New(cfg.BaseURL,
		api.WithLogger(logging.New("api")),
		api.WithTimeout(10*time.Second),
	)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend: %s\n", cfg.BaseURL)

	unreachable := 0
	for _, path := range diagnosticPaths {
		status, latency, err := client.Probe(cmd.Context(), path)
		if err != nil {
			unreachable++
			fmt.Fprintf(out, "  %-45s unreachable: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "  %-45s %d in %s\n", path, status, latency.Round(time.Millisecond))
	}

	if unreachable > 0 {
		return fmt.Errorf("%d of %d endpoints unreachable", unreachable, len(diagnosticPaths))
	}
	return nil
}
