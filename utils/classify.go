package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"price-extractor/internal/types"
)

// connectionMarkers are substrings of errors that mean the automation
// endpoint or the network path to it is gone.
var connectionMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"websocket",
	"use of closed network connection",
	"no such host",
	"EOF",
	"invalid context",
	"target closed",
}

// classifyError converts a backend error into a FetchError.
func classifyError(err error, targetID, url string) *types.FetchError {
	var fe *types.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return types.NewFetchError(types.KindTimeout, targetID, url, err)
	case isConnectionError(err):
		return types.NewFetchError(types.KindConnection, targetID, url, err)
	default:
		return types.NewFetchError(types.KindNavigation, targetID, url, err)
	}
}

func isConnectionError(err error) bool {
	msg := err.Error()
	for _, m := range connectionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classifyStatus returns an error for non-success HTTP statuses. A 4xx means
// the page is missing or refused; a 5xx is a server side problem that may
// clear up.
func classifyStatus(code int, targetID, url string) *types.FetchError {
	switch {
	case code == 0, code < http.StatusBadRequest:
		return nil
	case code < http.StatusInternalServerError:
		return types.NewFetchError(types.KindNavigation, targetID, url, fmt.Errorf("unexpected status code: %d", code))
	default:
		return types.NewFetchError(types.KindConnection, targetID, url, fmt.Errorf("unexpected status code: %d", code))
	}
}
