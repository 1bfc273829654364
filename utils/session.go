package utils

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"price-extractor/internal/types"
)

// Backend is a page renderer owned by the session manager.
type Backend interface {
	types.Fetcher
	Close()
}

// SessionManager routes fetches to the backend a target needs: browser
// targets go to the configured automation backend, static targets to plain
// HTTP. It is safe for concurrent use.
type SessionManager struct {
	browser Backend
	static  Backend
	logger  logrus.FieldLogger
}

// NewSessionManager creates a session manager for the configured backend.
// No connection is made until the first fetch.
func NewSessionManager(config *types.Config, logger logrus.FieldLogger) (*SessionManager, error) {
	var browser Backend
	switch config.Browser.Backend {
	case types.BackendChromedp, "":
		browser = NewBrowserClient(config, logger)
	case types.BackendRod:
		browser = NewRodClient(config, logger)
	default:
		return nil, fmt.Errorf("unknown browser backend %q", config.Browser.Backend)
	}
	return NewSessionManagerWith(browser, NewHTTPClient(config, logger), logger), nil
}

// NewSessionManagerWith creates a session manager over explicit backends.
func NewSessionManagerWith(browser, static Backend, logger logrus.FieldLogger) *SessionManager {
	return &SessionManager{browser: browser, static: static, logger: logger}
}

// Fetch implements types.Fetcher.
func (m *SessionManager) Fetch(ctx context.Context, target *types.Target, url string) (*types.RenderedContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewFetchError(types.KindTimeout, target.ID, url, err)
	}
	if target.Render == types.RenderStatic {
		return m.static.Fetch(ctx, target, url)
	}
	return m.browser.Fetch(ctx, target, url)
}

// Close releases every backend.
func (m *SessionManager) Close() {
	m.browser.Close()
	m.static.Close()
	m.logger.Debug("Sessions closed")
}
