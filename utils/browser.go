package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"price-extractor/internal/types"
)

const scrollScript = `window.scrollTo(0, document.body.scrollHeight); document.body.scrollHeight`

// BrowserClient renders pages through Chrome over the DevTools protocol.
// The browser connection is opened on first use and shared by every fetch;
// each fetch gets its own tab.
type BrowserClient struct {
	config *types.Config
	logger logrus.FieldLogger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewBrowserClient creates a new browser client
func NewBrowserClient(config *types.Config, logger logrus.FieldLogger) *BrowserClient {
	return &BrowserClient{
		config: config,
		logger: logger,
	}
}

// session returns the shared browser context, connecting if needed.
func (b *BrowserClient) session() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}
	b.resetLocked()

	var allocCtx context.Context
	if b.config.Browser.Endpoint != "" {
		allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.config.Browser.Endpoint)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", b.config.Browser.Headless),
			chromedp.UserAgent(b.config.UserAgent),
		)
		allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	// Suppress chromedp protocol noise unless debugging.
	b.browserCtx, b.browserCancel = chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(b.logger.Debugf),
	)

	// Running no actions starts the browser or dials the endpoint.
	if err := chromedp.Run(b.browserCtx); err != nil {
		b.resetLocked()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	b.logger.WithField("endpoint", b.config.Browser.Endpoint).Info("Browser session established")
	return b.browserCtx, nil
}

func (b *BrowserClient) resetLocked() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx, b.browserCancel, b.allocCancel = nil, nil, nil
}

// reset drops a broken session so the next fetch reconnects.
func (b *BrowserClient) reset(broken context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == broken {
		b.logger.Warn("Browser session lost, will reconnect on next fetch")
		b.resetLocked()
	}
}

// Fetch renders one page and returns its markup.
func (b *BrowserClient) Fetch(ctx context.Context, target *types.Target, url string) (*types.RenderedContent, error) {
	browserCtx, err := b.session()
	if err != nil {
		return nil, types.NewFetchError(types.KindConnection, target.ID, url, err)
	}

	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()

	// Tie the tab to the caller's context and the attempt timeout.
	attemptCtx, cancel := context.WithTimeout(tabCtx, b.config.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	html, status, err := b.render(attemptCtx, target, url)
	if err != nil {
		if browserCtx.Err() != nil {
			b.reset(browserCtx)
			return nil, types.NewFetchError(types.KindConnection, target.ID, url, err)
		}
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		return nil, classifyError(err, target.ID, url)
	}
	if fe := classifyStatus(status, target.ID, url); fe != nil {
		return nil, fe
	}

	b.logger.Debugf("Successfully retrieved page content from %s (%d bytes)", url, len(html))
	return &types.RenderedContent{
		TargetID:   target.ID,
		URL:        url,
		HTML:       html,
		FetchedAt:  time.Now().UTC(),
		StatusCode: status,
	}, nil
}

func (b *BrowserClient) render(ctx context.Context, target *types.Target, url string) (string, int, error) {
	resp, err := chromedp.RunResponse(ctx, chromedp.Navigate(url))
	if err != nil {
		return "", 0, fmt.Errorf("navigation failed: %w", err)
	}
	status := 0
	if resp != nil {
		status = int(resp.Status)
	}
	if status >= 400 {
		return "", status, nil
	}

	b.waitReady(ctx, target, url)

	if scroll := target.Rules.Scroll; scroll != nil {
		if err := b.scrollToEnd(ctx, scroll); err != nil {
			return "", status, fmt.Errorf("scrolling failed: %w", err)
		}
	}

	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", status, fmt.Errorf("failed to get page content: %w", err)
	}
	return html, status, nil
}

// waitReady waits for the page-ready selector. A missing signal is not an
// error; the snapshot is taken anyway and extraction decides.
func (b *BrowserClient) waitReady(ctx context.Context, target *types.Target, url string) {
	sel := target.Rules.ReadySelector()
	if sel == "" {
		return
	}
	readyCtx, cancel := context.WithTimeout(ctx, b.config.ReadyTimeout)
	defer cancel()
	if err := chromedp.Run(readyCtx, chromedp.WaitReady(sel, chromedp.ByQuery)); err != nil {
		b.logger.WithFields(logrus.Fields{
			"target":   target.ID,
			"url":      url,
			"selector": sel,
		}).Warn("Page-ready signal not seen, taking snapshot anyway")
	}
}

// scrollToEnd scrolls until the document height stays the same for
// scroll.Checks consecutive checks.
func (b *BrowserClient) scrollToEnd(ctx context.Context, scroll *types.ScrollRule) error {
	var last float64
	stable := 0
	for i := 0; scroll.MaxScrolls == 0 || i < scroll.MaxScrolls; i++ {
		var height float64
		if err := chromedp.Run(ctx, chromedp.Evaluate(scrollScript, &height)); err != nil {
			return err
		}
		if height == last {
			stable++
			if stable >= scroll.Checks {
				return nil
			}
		} else {
			stable = 0
			last = height
		}
		if err := chromedp.Run(ctx, chromedp.Sleep(scroll.Delay)); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the browser connection. Tabs are closed by each fetch.
func (b *BrowserClient) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}
