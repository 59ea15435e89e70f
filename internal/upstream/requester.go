// Package upstream forwards inbound requests to the Konnektor selected by
// the router, carrying per-profile mTLS credentials, in either buffered
// (full body collected for rewriting) or streamed (piped straight to the
// client) mode.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/jnd-labs/avgate/internal/config"
	"github.com/jnd-labs/avgate/internal/logging"
	"github.com/jnd-labs/avgate/internal/router"
)

// UpstreamError wraps any transport/TLS/timeout failure against a
// Konnektor. Surfaced as 502 per spec.md §7.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream: %v", e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// strippedRequestHeaders are never forwarded to the Konnektor: the real
// Host and the real-IP header set by the fronting proxy for this
// component's own routing.
var strippedRequestHeaders = map[string]bool{
	"host": true,
	strings.ToLower(router.RealIPHeader): true,
}

// Requester forwards HTTP requests to configured Konnektors. A
// *http.Client is built once per distinct UpstreamProfile and cached,
// carrying that profile's mTLS identity and verification policy.
type Requester struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// New creates an empty Requester.
func New() *Requester {
	return &Requester{clients: make(map[string]*http.Client)}
}

func (req *Requester) clientFor(profile config.UpstreamProfile) (*http.Client, error) {
	req.mu.Lock()
	defer req.mu.Unlock()

	if client, ok := req.clients[profile.Key]; ok {
		return client, nil
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: !profile.SSLVerify}
	if profile.SSLCert != "" {
		cert, err := tls.LoadX509KeyPair(profile.SSLCert, profile.SSLKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate for %s: %w", profile.Key, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	req.clients[profile.Key] = client
	return client, nil
}

// BufferedResult is the fully collected upstream response, ready for
// inspection and rewriting.
type BufferedResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Buffered forwards r to profile's Konnektor and collects the full
// response body in memory. warn logs when the upstream base URL appears
// verbatim in the response body (leakage of the real endpoint).
func (req *Requester) Buffered(ctx context.Context, r *http.Request, profile config.UpstreamProfile, warn bool) (*BufferedResult, error) {
	client, err := req.clientFor(profile)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	outbound, err := req.buildOutboundRequest(ctx, r, profile)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	resp, err := client.Do(outbound)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("reading upstream body: %w", err)}
	}

	if warn && bytes.Contains(body, []byte(profile.Konnektor)) {
		// The upstream leaked its own address into the response body.
		logging.Warning("upstream address %s found in response body for %s", profile.Konnektor, r.URL.Path)
	}

	return &BufferedResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Streamed pipes the upstream response directly to w without buffering,
// via a reverse proxy whose Director rewrites the path and host and
// strips the hop-by-hop/real-IP headers, and whose Transport carries the
// profile's mTLS identity.
func (req *Requester) Streamed(w http.ResponseWriter, r *http.Request, profile config.UpstreamProfile) error {
	client, err := req.clientFor(profile)
	if err != nil {
		return &UpstreamError{Err: err}
	}

	target, err := url.Parse(profile.Konnektor)
	if err != nil {
		return &UpstreamError{Err: fmt.Errorf("invalid Konnektor URL %q: %w", profile.Konnektor, err)}
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = client.Transport
	originalDirector := proxy.Director
	proxy.Director = func(outbound *http.Request) {
		originalDirector(outbound)
		outbound.URL.Path = singleJoiningSlash(target.Path, r.URL.Path)
		outbound.Host = target.Host
		for header := range outbound.Header {
			if strippedRequestHeaders[strings.ToLower(header)] {
				outbound.Header.Del(header)
			}
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	proxy.ServeHTTP(w, r)
	return nil
}

// buildOutboundRequest constructs the request sent to the Konnektor:
// same method, path, query, and body as r, with Host/real-IP headers
// stripped and all others passed through verbatim.
func (req *Requester) buildOutboundRequest(ctx context.Context, r *http.Request, profile config.UpstreamProfile) (*http.Request, error) {
	target, err := url.Parse(profile.Konnektor)
	if err != nil {
		return nil, fmt.Errorf("invalid Konnektor URL %q: %w", profile.Konnektor, err)
	}
	target.Path = singleJoiningSlash(target.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	outbound, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	for header, values := range r.Header {
		if strippedRequestHeaders[strings.ToLower(header)] {
			continue
		}
		for _, v := range values {
			outbound.Header.Add(header, v)
		}
	}

	return outbound, nil
}

// singleJoiningSlash joins two URL paths with exactly one slash between
// them, regardless of whether either side already has one.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
