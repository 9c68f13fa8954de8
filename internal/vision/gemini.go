package vision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"deckdrop/internal/api"
)

// DefaultModel is the flash-tier model used for grid classification; the
// task is nine small images and a one-line answer, latency matters more
// than quality.
const DefaultModel = "gemini-2.0-flash"

var promptByType = map[api.ChallengeType]string{
	api.ChallengeLogos:       "company or brand logos",
	api.ChallengeSun:         "images containing a sun",
	api.ChallengePrettyFaces: "human faces",
}

// Gemini classifies challenge grids with a Gemini vision model.
type Gemini struct {
	client     *genai.Client
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGemini builds a classifier from an API key. model may be empty.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vision: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("vision: create client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gemini{
		client:     client,
		model:      model,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}, nil
}

// Suggest downloads the grid images and asks the model which cells match the
// challenge subject. Every failure path degrades to (0, false): the solver
// falls back to its plain enumeration order.
func (g *Gemini) Suggest(ctx context.Context, ch *api.Challenge) (int, bool) {
	subject, known := promptByType[ch.Type]
	if !known {
		subject = "images matching the challenge instruction"
	}

	images := make([][]byte, len(ch.Options))
	eg, fetchCtx := errgroup.WithContext(ctx)
	for i, opt := range ch.Options {
		eg.Go(func() error {
			data, err := g.fetchImage(fetchCtx, opt.URL)
			if err != nil {
				return err
			}
			images[i] = data
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.logger.Debug("image fetch failed, skipping suggestion", "error", err)
		return 0, false
	}

	prompt := fmt.Sprintf(
		"You are shown %d images numbered 1 to %d in order. "+
			"Which of them are %s? Reply with only the numbers, comma-separated.",
		len(images), len(images), subject)

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img, "image/png"))
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil)
	if err != nil {
		g.logger.Debug("classifier call failed", "error", err)
		return 0, false
	}

	mask := parseMask(resp.Text(), len(ch.Options))
	if mask == 0 {
		return 0, false
	}
	g.logger.Debug("classifier suggestion", "mask", mask)
	return mask, true
}

func (g *Gemini) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseMask extracts 1-based cell numbers from the model reply and folds
// them into a bitmask. Out-of-range numbers are ignored.
func parseMask(reply string, n int) int {
	mask := 0
	for _, field := range strings.FieldsFunc(reply, func(r rune) bool {
		return r < '0' || r > '9'
	}) {
		var num int
		if _, err := fmt.Sscanf(field, "%d", &num); err != nil {
			continue
		}
		if num >= 1 && num <= n {
			mask |= 1 << (num - 1)
		}
	}
	return mask
}
