package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	appLog "trainsync/internal/log"
)

// Default render parameters for club calendar pages.
const (
	DefaultWidth      = 1280
	DefaultHeight     = 1024
	DefaultTimeoutSec = 30

	// DefaultSettle is how long scripts get after the body is ready to
	// inject calendar widgets.
	DefaultSettle = 1500 * time.Millisecond
)

// RenderOptions defines parameters for a Chromium-based page render.
type RenderOptions struct {
	// URL to render, e.g. "https://club.example.org/trainings".
	URL string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// WaitSelector, if set, must become ready before the DOM is read.
	// Otherwise the body is awaited and Settle is slept.
	WaitSelector string
	Settle       time.Duration

	// Timeout bounds the entire render. If zero, DefaultTimeoutSec is used.
	Timeout time.Duration
}

// RenderHTML launches a headless Chromium instance via chromedp, navigates
// to opts.URL, waits for the page scripts to run and returns the rendered
// DOM as HTML.
func RenderHTML(parentCtx context.Context, opts RenderOptions) (string, error) {
	if opts.URL == "" {
		return "", fmt.Errorf("capture: URL is required")
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var html string
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
	}
	if opts.WaitSelector != "" {
		tasks = append(tasks, chromedp.WaitReady(opts.WaitSelector, chromedp.ByQuery))
	} else {
		tasks = append(tasks,
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(opts.Settle),
		)
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	start := time.Now()
	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	appLog.Debug("capture: page rendered", "bytes", len(html), "elapsed", time.Since(start).String())

	return html, nil
}

// Renderer renders pages with fixed options. It satisfies ics.PageRenderer.
type Renderer struct {
	Timeout      time.Duration
	WaitSelector string
}

// RenderPage returns the rendered HTML of pageURL.
func (r Renderer) RenderPage(ctx context.Context, pageURL string) ([]byte, error) {
	html, err := RenderHTML(ctx, RenderOptions{
		URL:          pageURL,
		Timeout:      r.Timeout,
		WaitSelector: r.WaitSelector,
	})
	if err != nil {
		return nil, err
	}
	return []byte(html), nil
}
