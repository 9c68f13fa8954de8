// Package vision is the classifier seam the captcha solver can use to order
// its search. A classifier only ever accelerates the solve; the solver stays
// correct (and exhaustive) when it is absent or wrong.
package vision

import (
	"context"

	"deckdrop/internal/api"
)

// Classifier suggests a likely-correct option subset for a challenge.
// ok=false means "no suggestion" and must be treated as a non-event.
type Classifier interface {
	Suggest(ctx context.Context, ch *api.Challenge) (mask int, ok bool)
}

// Disabled is the no-op classifier used when no API key is configured.
type Disabled struct{}

func (Disabled) Suggest(context.Context, *api.Challenge) (int, bool) { return 0, false }
