package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"

	"price-extractor/internal/types"
)

const statusScript = `() => {
	try {
		const entries = performance.getEntriesByType("navigation");
		if (entries.length > 0) return entries[0].responseStatus || 0;
	} catch(e) {}
	return 0;
}`

const rodScrollScript = `() => { window.scrollTo(0, document.body.scrollHeight); return document.body.scrollHeight }`

// RodClient renders pages with go-rod. It attaches to a remote browser when
// an endpoint is configured and launches a local one otherwise. Fetches run
// in an incognito context so that closing it never kills a shared browser.
type RodClient struct {
	config *types.Config
	logger logrus.FieldLogger

	mu       sync.Mutex
	launched *launcher.Launcher
	root     *rod.Browser
	browser  *rod.Browser
}

// NewRodClient creates a new rod client
func NewRodClient(config *types.Config, logger logrus.FieldLogger) *RodClient {
	return &RodClient{
		config: config,
		logger: logger,
	}
}

func (r *RodClient) session() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}

	var controlURL string
	var err error
	if r.config.Browser.Endpoint != "" {
		controlURL, err = launcher.ResolveURL(r.config.Browser.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve browser endpoint: %w", err)
		}
	} else {
		r.launched = launcher.New().Headless(r.config.Browser.Headless)
		controlURL, err = r.launched.Launch()
		if err != nil {
			r.launched = nil
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
	}

	root := rod.New().ControlURL(controlURL)
	if err := root.Connect(); err != nil {
		r.closeLocked()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	r.root = root

	incognito, err := root.Incognito()
	if err != nil {
		r.closeLocked()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	r.browser = incognito

	r.logger.WithField("control_url", controlURL).Info("Browser session established")
	return r.browser, nil
}

func (r *RodClient) closeLocked() {
	if r.browser != nil {
		_ = r.browser.Close()
	}
	// A launched browser is ours to stop; a remote one is shared.
	if r.launched != nil {
		if r.root != nil {
			_ = r.root.Close()
		}
		r.launched.Kill()
	}
	r.launched, r.root, r.browser = nil, nil, nil
}

func (r *RodClient) reset(broken *rod.Browser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == broken {
		r.logger.Warn("Browser session lost, will reconnect on next fetch")
		r.closeLocked()
	}
}

// Fetch renders one page and returns its markup.
func (r *RodClient) Fetch(ctx context.Context, target *types.Target, url string) (*types.RenderedContent, error) {
	browser, err := r.session()
	if err != nil {
		return nil, types.NewFetchError(types.KindConnection, target.ID, url, err)
	}

	var page *rod.Page
	if r.config.Browser.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		r.reset(browser)
		return nil, types.NewFetchError(types.KindConnection, target.ID, url, fmt.Errorf("failed to open page: %w", err))
	}
	defer func() {
		_ = page.Close()
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	p := page.Context(attemptCtx)

	html, status, err := r.render(p, target, url)
	if err != nil {
		return nil, classifyError(err, target.ID, url)
	}
	if fe := classifyStatus(status, target.ID, url); fe != nil {
		return nil, fe
	}

	r.logger.Debugf("Successfully retrieved page content from %s (%d bytes)", url, len(html))
	return &types.RenderedContent{
		TargetID:   target.ID,
		URL:        url,
		HTML:       html,
		FetchedAt:  time.Now().UTC(),
		StatusCode: status,
	}, nil
}

func (r *RodClient) render(p *rod.Page, target *types.Target, url string) (string, int, error) {
	if r.config.UserAgent != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: r.config.UserAgent}); err != nil {
			return "", 0, err
		}
	}

	if err := p.Navigate(url); err != nil {
		return "", 0, fmt.Errorf("navigation failed: %w", err)
	}

	status := 0
	if res, err := p.Eval(statusScript); err == nil {
		status = res.Value.Int()
	}
	if status >= 400 {
		return "", status, nil
	}

	if sel := target.Rules.ReadySelector(); sel != "" {
		if _, err := p.Timeout(r.config.ReadyTimeout).Element(sel); err != nil {
			r.logger.WithFields(logrus.Fields{
				"target":   target.ID,
				"url":      url,
				"selector": sel,
			}).Warn("Page-ready signal not seen, taking snapshot anyway")
		}
	}

	if scroll := target.Rules.Scroll; scroll != nil {
		if err := r.scrollToEnd(p, scroll); err != nil {
			return "", status, fmt.Errorf("scrolling failed: %w", err)
		}
	}

	html, err := p.HTML()
	if err != nil {
		return "", status, fmt.Errorf("failed to get page content: %w", err)
	}
	return html, status, nil
}

func (r *RodClient) scrollToEnd(p *rod.Page, scroll *types.ScrollRule) error {
	last := -1
	stable := 0
	for i := 0; scroll.MaxScrolls == 0 || i < scroll.MaxScrolls; i++ {
		res, err := p.Eval(rodScrollScript)
		if err != nil {
			return err
		}
		height := res.Value.Int()
		if height == last {
			stable++
			if stable >= scroll.Checks {
				return nil
			}
		} else {
			stable = 0
			last = height
		}
		select {
		case <-p.GetContext().Done():
			return p.GetContext().Err()
		case <-time.After(scroll.Delay):
		}
	}
	return nil
}

// Close releases the browser context and stops a locally launched browser.
func (r *RodClient) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}
