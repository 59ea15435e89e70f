// Package scanner abstracts the two interchangeable antivirus backends:
// a local ClamAV Unix-socket client (INSTREAM protocol) and a remote ICAP
// RESPMOD client. Exactly one backend is active for the life of the process.
package scanner

import (
	"context"
	"fmt"
	"io"
)

// Verdict is the tagged result of a scan: either clean, or found with an
// optional signature name. Any scanner-side failure is a distinct error
// kind (ScanError), never represented as a Verdict.
type Verdict struct {
	Found     bool
	Signature string
}

// OK reports whether the verdict is clean.
func (v Verdict) OK() bool { return !v.Found }

// ScanError represents a scanner-side failure: unreachable daemon,
// protocol violation, or timeout. Surfaced as 502 for an affected request
// and as 503 on /health, per spec.md §7.
type ScanError struct {
	Backend string
	Err     error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanner(%s): %v", e.Backend, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Scanner is the capability every backend implements: scan a byte stream
// and answer liveness probes. Selection between backends happens once at
// startup, never per request.
type Scanner interface {
	// Scan submits content to the backend and returns its verdict.
	// size is the length of the content read from r. Both backends frame
	// the content from the bytes actually read (ClamAV chunk length
	// prefixes, the ICAP chunk size) and do not depend on size.
	Scan(ctx context.Context, r io.Reader, size int64) (Verdict, error)

	// Ping probes backend liveness for the /health endpoint.
	Ping(ctx context.Context) error
}
