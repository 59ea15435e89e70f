package sds

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jnd-labs/avgate/internal/config"
	"github.com/jnd-labs/avgate/internal/upstream"
)

// Fetch retrieves connector.sds from profile's Konnektor and rewrites
// its PHRService (or all-service, per profile.ProxyAllServices)
// EndpointTLS locations to point back at this gateway.
func Fetch(ctx context.Context, requester *upstream.Requester, r *http.Request, profile config.UpstreamProfile) (*upstream.BufferedResult, error) {
	result, err := requester.Buffered(ctx, r, profile, false)
	if err != nil {
		return nil, err
	}
	if result.StatusCode != http.StatusOK {
		return result, nil
	}

	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}

	rewritten, err := Rewrite(result.Body, scheme, r.Host, profile.ProxyAllServices)
	if err != nil {
		return nil, fmt.Errorf("rewriting connector.sds: %w", err)
	}

	result.Body = rewritten
	return result, nil
}
