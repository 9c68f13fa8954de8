package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"deckdrop/internal/api"
	"deckdrop/internal/browser"
	"deckdrop/internal/captcha"
	"deckdrop/internal/config"
	"deckdrop/internal/identity"
	"deckdrop/internal/logging"
	"deckdrop/internal/session"
	"deckdrop/internal/vision"
)

var runFlags struct {
	credentials string
	visual      bool
	geminiKey   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the full dropout workflow",
	Long: "Registers a fresh identity (or logs into a supplied one), solves every\n" +
		"challenge gate, drops all classes, settles the balance and submits the\n" +
		"final dropout confirmation.",
	RunE: runWorkflow,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.credentials, "credentials", "", "Use an existing account (username:password) instead of registering")
	f.BoolVar(&runFlags.visual, "visual", false, "Mirror the session into a visible browser")
	f.StringVar(&runFlags.geminiKey, "gemini-key", "", "Gemini API key for the vision pre-filter (or GEMINI_API_KEY)")
}

func runWorkflow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := logging.New("run")

	client, err := api.New(cfg.BaseURL,
		api.WithLogger(logging.New("api")),
		api.WithTimeout(30*time.Second),
	)
	if err != nil {
		return err
	}

	solverCfg := captcha.Config{
		BatchSize:       cfg.Solver.BatchSize,
		InterBatchPause: config.Duration(cfg.Solver.InterBatchPause, 10*time.Millisecond),
		Logger:          logging.New("solver"),
	}
	if cfg.Solver.ProbesPerSecond > 0 {
		solverCfg.Limiter = rate.NewLimiter(rate.Limit(cfg.Solver.ProbesPerSecond), cfg.Solver.BatchSize)
	}
	if key := geminiKey(); key != "" {
		classifier, err := vision.NewGemini(ctx, key, "", logging.New("vision"))
		if err != nil {
			logger.Warn("vision classifier unavailable", "error", err)
		} else {
			solverCfg.Classifier = classifier
		}
	}
	solver := captcha.New(client, solverCfg)

	acct, useExisting, err := resolveAccount()
	if err != nil {
		return err
	}

	orchCfg := session.Config{
		RegisterWait:       config.Duration(cfg.Waits.Register, 10*time.Second),
		LoginWait:          config.Duration(cfg.Waits.Login, 2*time.Second),
		PaymentPause:       config.Duration(cfg.Waits.PaymentPause, 5*time.Second),
		MaxRetries:         cfg.Retry.Max,
		RetryBackoff:       config.Duration(cfg.Retry.Backoff, 2*time.Second),
		StageTimeout:       config.Duration(cfg.Retry.StageTimeout, 2*time.Minute),
		Currency:           cfg.Payment.Currency,
		Card:               api.CardDetails{Number: cfg.Payment.CardNumber, CVV: cfg.Payment.CardCVV, Expiry: cfg.Payment.CardExpiry},
		UseExistingAccount: useExisting,
	}
	orch := session.New(client, solver, acct, orchCfg, logging.New("orchestrator"))

	report, runErr := orch.Run(ctx)

	out := cmd.OutOrStdout()
	if runErr != nil {
		fmt.Fprintf(out, "FAILED at stage %s (%s): %v\n", report.Stage, report.ErrKind, report.Err)
		if report.ErrKind == "challenge-exhausted" {
			fmt.Fprintf(out, "candidates tried: %d\n", report.CandidatesTried)
		}
		return fmt.Errorf("workflow failed at %s", report.Stage)
	}

	fmt.Fprintf(out, "SUCCESS\n")
	fmt.Fprintf(out, "  username: %s\n", report.Account.Username)
	fmt.Fprintf(out, "  password: %s\n", report.Account.Password)

	if runFlags.visual {
		mirrorSession(cmd, cfg, client.Bearer())
	}
	return nil
}

// mirrorSession opens a visible browser on the finished session. Failures
// are reported and ignored; the workflow already succeeded.
func mirrorSession(cmd *cobra.Command, cfg *config.Config, authToken string) {
	logger := logging.New("browser")
	drv, err := browser.Open(cmd.Context(), false, logger)
	if err != nil {
		logger.Warn("browser unavailable", "error", err)
		return
	}
	defer drv.Close()
	if err := drv.MirrorSession(cmd.Context(), cfg.FrontendURL, authToken); err != nil {
		logger.Warn("session mirror failed", "error", err)
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), "browser ready; press Enter to close")
	fmt.Fscanln(cmd.InOrStdin())
}

func resolveAccount() (api.Account, bool, error) {
	if runFlags.credentials == "" {
		return identity.NewAccount(), false, nil
	}
	username, password, ok := strings.Cut(runFlags.credentials, ":")
	if !ok || username == "" || password == "" {
		return api.Account{}, false, fmt.Errorf("invalid --credentials, expected username:password")
	}
	return api.Account{Username: username, Password: password}, true, nil
}

func geminiKey() string {
	if runFlags.geminiKey != "" {
		return runFlags.geminiKey
	}
	return os.Getenv("GEMINI_API_KEY")
}
