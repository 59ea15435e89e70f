// Package router resolves an inbound request to the upstream profile that
// should handle it, based on the client's real source IP (set by a
// trusted fronting proxy) and the listening port.
package router

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jnd-labs/avgate/internal/config"
)

// ErrNoProfile indicates the request has no matching exact or wildcard
// profile for its port. Surfaced as 503 per spec.md §7 RoutingError.
var ErrNoProfile = errors.New("no upstream profile for client")

// RealIPHeader is the header the trusting fronting proxy sets to convey
// the real client IP.
const RealIPHeader = "X-Real-Ip"

// DefaultPort is used when the request's Host header carries no explicit
// port.
const DefaultPort = "443"

// Router resolves (source IP, listening port) to an UpstreamProfile.
type Router struct {
	cfg *config.Config
}

// New creates a Router over the given configuration.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve extracts the real client IP and listening port from r and looks
// up the matching profile.
func (router *Router) Resolve(r *http.Request) (config.UpstreamProfile, error) {
	clientIP := r.Header.Get(RealIPHeader)
	port := portOf(r.Host)

	profile, ok := router.cfg.FindProfile(clientIP, port)
	if !ok {
		return config.UpstreamProfile{}, ErrNoProfile
	}
	return profile, nil
}

// portOf extracts the port from a Host header, defaulting to DefaultPort
// when none is present (the last colon separates host from port, so this
// also tolerates bracketed IPv6 literals without a port).
func portOf(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		return host[idx+1:]
	}
	return DefaultPort
}
