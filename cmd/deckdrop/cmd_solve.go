package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deckdrop/internal/api"
	"deckdrop/internal/captcha"
	"deckdrop/internal/config"
	"deckdrop/internal/logging"
)

var solveFlags struct {
	challengeType string
	purpose       string
	authToken     string
}

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Solve a single challenge and print the token",
	RunE:  runSolve,
}

func init() {
	f := solveCmd.Flags()
	f.StringVar(&solveFlags.challengeType, "type", "logos", "Challenge type (logos, sun, pretty_faces)")
	f.StringVar(&solveFlags.purpose, "purpose", "auth", "Token purpose (auth, payment, dropout)")
	f.StringVar(&solveFlags.authToken, "auth", "", "Bearer token, required for authenticated challenge types")
}

func runSolve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := api.New(cfg.BaseURL,
		api.WithLogger(logging.New("api")),
		api.WithTimeout(30*time.Second),
	)
	if err != nil {
		return err
	}
	if solveFlags.authToken != "" {
		client.SetBearer(solveFlags.authToken)
	}

	ch, err := client.FetchChallenge(cmd.Context(),
		api.ChallengeType(solveFlags.challengeType), api.Purpose(solveFlags.purpose))
	if err != nil {
		return fmt.Errorf("fetch challenge: %w", err)
	}

	solver := captcha.New(client, captcha.Config{
		BatchSize:       cfg.Solver.BatchSize,
		InterBatchPause: config.Duration(cfg.Solver.InterBatchPause, 10*time.Millisecond),
		Logger:          logging.New("solver"),
	})

	res, err := solver.Solve(cmd.Context(), ch)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mask:    %d (batch %d, %d candidates tried)\n", res.Mask, res.Batches, res.Tried)
	fmt.Fprintf(out, "token:   %s\n", res.Token.Value)
	fmt.Fprintf(out, "purpose: %s\n", res.Token.Purpose)
	return nil
}
