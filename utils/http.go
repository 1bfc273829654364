package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"price-extractor/internal/types"
)

// HTTPClient fetches server-rendered pages without a browser.
type HTTPClient struct {
	client *resty.Client
	config *types.Config
	logger logrus.FieldLogger
}

// NewHTTPClient creates a new HTTP client with the given configuration
func NewHTTPClient(config *types.Config, logger logrus.FieldLogger) *HTTPClient {
	client := resty.New().
		SetTimeout(config.Timeout).
		SetHeaders(map[string]string{
			"User-Agent":                config.UserAgent,
			"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language":           "es-PE,es;q=0.9,en;q=0.5",
			"Upgrade-Insecure-Requests": "1",
		})

	return &HTTPClient{
		client: client,
		config: config,
		logger: logger,
	}
}

// Fetch performs one GET request. Retries are the caller's decision.
func (h *HTTPClient) Fetch(ctx context.Context, target *types.Target, url string) (*types.RenderedContent, error) {
	h.logger.WithFields(logrus.Fields{"target": target.ID, "url": url}).Debug("Making request")

	resp, err := h.client.R().SetContext(ctx).Get(url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewFetchError(types.KindTimeout, target.ID, url, ctx.Err())
		}
		if isTimeout(err) {
			return nil, types.NewFetchError(types.KindTimeout, target.ID, url, err)
		}
		return nil, types.NewFetchError(types.KindConnection, target.ID, url, fmt.Errorf("request failed: %w", err))
	}
	if fe := classifyStatus(resp.StatusCode(), target.ID, url); fe != nil {
		return nil, fe
	}

	h.logger.Debugf("Successfully retrieved %d bytes from %s", len(resp.Body()), url)
	return &types.RenderedContent{
		TargetID:   target.ID,
		URL:        url,
		HTML:       resp.String(),
		FetchedAt:  time.Now().UTC(),
		StatusCode: resp.StatusCode(),
	}, nil
}

type timeoutError interface{ Timeout() bool }

func isTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}

// Close cleans up resources
func (h *HTTPClient) Close() {
	h.client.GetClient().CloseIdleConnections()
}
