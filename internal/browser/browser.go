// Package browser mirrors an authenticated API session into a real browser.
// Strictly cosmetic: the workflow is correct without it, and every method
// here degrades to an error the caller may ignore.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
)

// Driver owns one browser tab bound to a chromedp context.
type Driver struct {
	ctx     context.Context
	cancels []context.CancelFunc
	logger  *slog.Logger
}

// Open launches a browser. headless=false gives the operator something to
// watch while the API session does the actual work.
func Open(parent context.Context, headless bool, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.WindowSize(1920, 1080),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Materialize the browser process now so Open fails fast.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	return &Driver{
		ctx:     browserCtx,
		cancels: []context.CancelFunc{browserCancel, allocCancel},
		logger:  logger,
	}, nil
}

// Close tears the browser down.
func (d *Driver) Close() {
	for _, cancel := range d.cancels {
		cancel()
	}
}

// Execute runs a JavaScript expression in the current page and decodes its
// result into out (which may be nil). This is the only capability the core
// workflow is allowed to assume about a browser.
func (d *Driver) Execute(ctx context.Context, script string, out any) error {
	runCtx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("browser: execute: %w", err)
	}
	return nil
}

// MirrorSession navigates to the frontend and installs the auth token in
// both cookie and localStorage form, then reloads so the app picks it up.
func (d *Driver) MirrorSession(ctx context.Context, frontendURL, authToken string) error {
	install := fmt.Sprintf(
		`(() => { localStorage.setItem('auth_token', %q); localStorage.setItem('token', %q); document.cookie = 'auth_token=' + %q + '; path=/; secure'; return true; })()`,
		authToken, authToken, authToken)

	runCtx, cancel := context.WithTimeout(d.ctx, time.Minute)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var ok bool
	err := chromedp.Run(runCtx,
		chromedp.Navigate(frontendURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(install, &ok),
		chromedp.Reload(),
	)
	if err != nil {
		return fmt.Errorf("browser: mirror session: %w", err)
	}
	d.logger.Info("browser session mirrored", "url", frontendURL)
	return nil
}
