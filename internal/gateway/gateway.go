// Package gateway dispatches inbound requests to the SDS rewriter, the
// MIME/XOP rewriter, the health/check probes, or transparent passthrough,
// modeled on the teacher's single-handler ServeHTTP with panic recovery.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jnd-labs/avgate/internal/config"
	"github.com/jnd-labs/avgate/internal/logging"
	"github.com/jnd-labs/avgate/internal/mimexop"
	"github.com/jnd-labs/avgate/internal/replacement"
	"github.com/jnd-labs/avgate/internal/router"
	"github.com/jnd-labs/avgate/internal/scanner"
	"github.com/jnd-labs/avgate/internal/sds"
	"github.com/jnd-labs/avgate/internal/upstream"
)

// checkTimeout bounds each per-profile reachability probe issued by
// GET /check.
const checkTimeout = 3 * time.Second

// Handler is the single entry point for all inbound HTTP traffic.
type Handler struct {
	cfg       *config.Config
	router    *router.Router
	requester *upstream.Requester
	scanner   scanner.Scanner
	store     *replacement.Store
}

// New constructs a Handler over the given wiring.
func New(cfg *config.Config, rtr *router.Router, requester *upstream.Requester, sc scanner.Scanner, store *replacement.Store) *Handler {
	return &Handler{cfg: cfg, router: rtr, requester: requester, scanner: sc, store: store}
}

// ServeHTTP implements http.Handler, routing per spec.md §4.7.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("PANIC: recovered in ServeHTTP: %v", rec)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}()

	switch {
	case r.URL.Path == "/favicon.ico":
		h.handleFavicon(w, r)
		return
	case r.URL.Path == "/health":
		h.handleHealth(w, r)
		return
	case r.URL.Path == "/check":
		h.handleCheck(w, r)
		return
	case r.URL.Path == "/connector.sds":
		h.handleSDS(w, r)
		return
	case strings.Contains(r.URL.Path, "PHRService"):
		h.handlePHRService(w, r)
		return
	default:
		h.handlePassthrough(w, r)
		return
	}
}

func (h *Handler) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/x-icon")
	w.WriteHeader(http.StatusOK)
}

// handleHealth probes the configured scanner backend for liveness.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.Ping(r.Context()); err != nil {
		logging.Warning("health check failed: %v", err)
		http.Error(w, "scanner unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleCheck iterates every configured upstream profile and fetches
// its connector.sds, reporting overall reachability.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	allOK := true
	for _, profile := range h.cfg.Profiles {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.probeProfile(ctx, profile)
		cancel()
		if err != nil {
			logging.Warning("check: profile %s unreachable: %v", profile.Key, err)
			allOK = false
		}
	}

	if !allOK {
		http.Error(w, "one or more upstream profiles unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) probeProfile(ctx context.Context, profile config.UpstreamProfile) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profile.Konnektor+"/connector.sds", nil)
	if err != nil {
		return err
	}
	result, err := h.requester.Buffered(ctx, req, profile, false)
	if err != nil {
		return err
	}
	if result.StatusCode != http.StatusOK {
		return &upstream.UpstreamError{Err: fmt.Errorf("unexpected status %d", result.StatusCode)}
	}
	return nil
}

// handleSDS serves GET /connector.sds by resolving the caller's profile
// and rewriting the upstream document's service endpoints.
func (h *Handler) handleSDS(w http.ResponseWriter, r *http.Request) {
	profile, err := h.router.Resolve(r)
	if err != nil {
		respondRoutingError(w, err)
		return
	}

	result, err := sds.Fetch(r.Context(), h.requester, r, profile)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}

	writeBuffered(w, result)
}

// handlePHRService buffers the upstream response and runs it through
// the MIME/XOP rewriter.
func (h *Handler) handlePHRService(w http.ResponseWriter, r *http.Request) {
	profile, err := h.router.Resolve(r)
	if err != nil {
		respondRoutingError(w, err)
		return
	}

	result, err := h.requester.Buffered(r.Context(), r, profile, true)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}

	contentType := result.Header.Get("Content-Type")
	rewritten, changed, err := mimexop.Rewrite(r.Context(), contentType, result.Body, h.scanner, h.store, h.cfg.Policy)
	if err != nil {
		logging.Error("mimexop rewrite failed: %v", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	if changed {
		result.Body = rewritten
	}

	writeBuffered(w, result)
}

// handlePassthrough streams the upstream response straight through.
func (h *Handler) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	profile, err := h.router.Resolve(r)
	if err != nil {
		respondRoutingError(w, err)
		return
	}

	if err := h.requester.Streamed(w, r, profile); err != nil {
		respondUpstreamError(w, err)
	}
}

// rebuiltResponseHeaders are excluded from the upstream response when
// copying headers to the client, since the rewrite passes (SDS host-swap,
// MIME replace/remove) change the body length and framing: forwarding the
// stale values verbatim would truncate or mis-terminate the response.
var rebuiltResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Connection":        true,
	"Date":              true,
	"Transfer-Encoding": true,
}

func writeBuffered(w http.ResponseWriter, result *upstream.BufferedResult) {
	for key, values := range result.Header {
		if rebuiltResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

func respondRoutingError(w http.ResponseWriter, err error) {
	logging.Warning("routing error: %v", err)
	http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
}

func respondUpstreamError(w http.ResponseWriter, err error) {
	logging.Error("upstream error: %v", err)
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}
