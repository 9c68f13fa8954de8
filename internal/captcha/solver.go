// Package captcha solves the backend's image-grid challenges without looking
// at the images. The answer space is 2^N option subsets for a grid of N
// cells; the verification endpoint is cheap, deterministic, and side-effect
// free for wrong guesses, so the solver simply probes all subsets in batches
// of concurrent requests until one is accepted.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"deckdrop/internal/api"
	"deckdrop/internal/vision"
)

// Prober issues one candidate verification. *api.Client satisfies this.
type Prober interface {
	SubmitCandidate(ctx context.Context, selected []string, encryptedAnswer string, purpose api.Purpose) (string, error)
}

// Outcome classifies one probe.
type Outcome int

const (
	NoMatch Outcome = iota
	Match
	// Indeterminate means transport failure: the probe may or may not have
	// reached the server. Treated as NoMatch for the search, counted for
	// diagnostics.
	Indeterminate
)

// Config tunes the search.
type Config struct {
	// BatchSize is the number of candidates probed concurrently per batch.
	BatchSize int
	// InterBatchPause is slept between batches. The source service tolerates
	// rapid probing but a short pause keeps bursts off its rate limiter.
	InterBatchPause time.Duration
	// Limiter, when set, paces individual probe issue. Off by default.
	Limiter *rate.Limiter
	// Classifier, when set, supplies a likely mask that is probed first.
	// Purely an accelerator: the search remains exhaustive.
	Classifier vision.Classifier
	Logger     *slog.Logger
}

// Result describes a successful solve.
type Result struct {
	Token         api.SolvedToken
	Mask          int
	Batches       int
	Tried         int
	Indeterminate int
}

// ExhaustedError reports that every candidate was probed without a match.
// A nonzero Indeterminate count means the exhaustion has holes: some
// candidates were never actually verified.
type ExhaustedError struct {
	Tried         int
	Indeterminate int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("challenge exhausted after %d candidates (%d indeterminate)", e.Tried, e.Indeterminate)
}

// IsExhausted reports whether err is a search-space exhaustion.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Solver runs the batched search against a Prober.
type Solver struct {
	prober Prober
	cfg    Config
	logger *slog.Logger
}

// New builds a Solver. Zero config fields get defaults (batch 50, 10ms pause).
func New(prober Prober, cfg Config) *Solver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.InterBatchPause < 0 {
		cfg.InterBatchPause = 0
	} else if cfg.InterBatchPause == 0 {
		cfg.InterBatchPause = 10 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Solver{prober: prober, cfg: cfg, logger: logger}
}

type attempt struct {
	mask    int
	outcome Outcome
	token   string
}

// Solve searches the full candidate space of ch and returns the solved
// token. Batches run strictly sequentially; candidates within a batch are
// probed concurrently. The first match in enumeration order wins, and no
// further batches are started once a batch contains a match. On a clean
// miss of the whole space it returns *ExhaustedError.
func (s *Solver) Solve(ctx context.Context, ch *api.Challenge) (*Result, error) {
	n := len(ch.Options)
	order := s.enumerationOrder(ctx, ch, n)
	total := len(order)

	s.logger.Info("solving challenge",
		"type", ch.Type, "purpose", ch.Purpose, "options", n,
		"candidates", total, "batch_size", s.cfg.BatchSize)

	tried := 0
	indeterminate := 0
	batches := 0

	for start := 0; start < total; start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("solve aborted: %w", err)
		}

		end := start + s.cfg.BatchSize
		if end > total {
			end = total
		}
		batch := order[start:end]
		attempts := make([]attempt, len(batch))

		eg := new(errgroup.Group)
		for i, mask := range batch {
			eg.Go(func() error {
				if s.cfg.Limiter != nil {
					if err := s.cfg.Limiter.Wait(ctx); err != nil {
						attempts[i] = attempt{mask: mask, outcome: Indeterminate}
						return nil
					}
				}
				token, err := s.prober.SubmitCandidate(ctx, Selection(ch.Options, mask), ch.EncryptedAnswer, ch.Purpose)
				switch {
				case err == nil:
					attempts[i] = attempt{mask: mask, outcome: Match, token: token}
				case api.IsServerRejection(err):
					attempts[i] = attempt{mask: mask, outcome: NoMatch}
				default:
					attempts[i] = attempt{mask: mask, outcome: Indeterminate}
				}
				return nil
			})
		}
		eg.Wait()
		batches++
		tried += len(batch)

		// First match in enumeration order wins; the slice is already in
		// that order, so a plain scan is the tie-break.
		for _, a := range attempts {
			if a.outcome == Indeterminate {
				indeterminate++
			}
		}
		for _, a := range attempts {
			if a.outcome != Match {
				continue
			}
			s.logger.Info("challenge solved",
				"mask", a.mask, "batches", batches, "tried", tried)
			return &Result{
				Token: api.SolvedToken{
					Value:       a.token,
					Purpose:     ch.Purpose,
					ChallengeID: ch.ID,
				},
				Mask:          a.mask,
				Batches:       batches,
				Tried:         tried,
				Indeterminate: indeterminate,
			}, nil
		}

		if s.cfg.InterBatchPause > 0 && end < total {
			select {
			case <-time.After(s.cfg.InterBatchPause):
			case <-ctx.Done():
				return nil, fmt.Errorf("solve aborted: %w", ctx.Err())
			}
		}
	}

	s.logger.Warn("challenge exhausted", "tried", tried, "indeterminate", indeterminate)
	return nil, &ExhaustedError{Tried: tried, Indeterminate: indeterminate}
}

// enumerationOrder returns every mask in [0, 2^n) exactly once. Without a
// classifier the order is plain ascending, which is what makes solve runs
// deterministic and batch counts predictable. A classifier suggestion is
// hoisted to the front; the rest keeps ascending order.
func (s *Solver) enumerationOrder(ctx context.Context, ch *api.Challenge, n int) []int {
	total := 1 << n
	order := make([]int, 0, total)

	hint := -1
	if s.cfg.Classifier != nil {
		if mask, ok := s.cfg.Classifier.Suggest(ctx, ch); ok && mask > 0 && mask < total {
			hint = mask
			order = append(order, mask)
		}
	}
	for mask := 0; mask < total; mask++ {
		if mask != hint {
			order = append(order, mask)
		}
	}
	return order
}

// Selection maps a candidate mask to the option URLs it selects. Bit i set
// means options[i] is part of the guess.
func Selection(options []api.OptionRef, mask int) []string {
	selected := make([]string, 0, len(options))
	for i, opt := range options {
		if mask>>i&1 == 1 {
			selected = append(selected, opt.URL)
		}
	}
	return selected
}
