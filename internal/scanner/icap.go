package scanner

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"
)

// icapResponseCap bounds how much of an ICAP reply is parsed, per
// spec.md §4.1.
const icapResponseCap = 2048

const icapPingBody = "ping\r\n"

// ICAPScanner scans content through a remote ICAP RESPMOD service.
// This module speaks RESPMOD with a chunked body only; it does not
// implement REQMOD, previews, or encapsulated request/response headers.
type ICAPScanner struct {
	host    string
	port    int
	service string
	useTLS  bool
	dialer  net.Dialer
}

var _ Scanner = (*ICAPScanner)(nil)

// NewICAPScanner creates a scanner bound to the given ICAP endpoint.
func NewICAPScanner(host string, port int, service string, useTLS bool, timeout time.Duration) *ICAPScanner {
	return &ICAPScanner{
		host:    host,
		port:    port,
		service: service,
		useTLS:  useTLS,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

func (s *ICAPScanner) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	if s.useTLS {
		rawConn, err := s.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(rawConn, &tls.Config{ServerName: s.host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return s.dialer.DialContext(ctx, "tcp", addr)
}

// Ping sends the RESPMOD wart spec.md §9 documents: a RESPMOD call whose
// encapsulated "content" is the literal bytes "ping\r\n", not a protocol
// OPTIONS ping. This matches the source's check_icap behavior exactly.
func (s *ICAPScanner) Ping(ctx context.Context) error {
	_, err := s.respmod(ctx, bytes.NewReader([]byte(icapPingBody)), int64(len(icapPingBody)))
	if err != nil {
		return err
	}
	return nil
}

// Scan submits content via RESPMOD and interprets the encapsulated status.
func (s *ICAPScanner) Scan(ctx context.Context, r io.Reader, size int64) (Verdict, error) {
	return s.respmod(ctx, r, size)
}

func (s *ICAPScanner) respmod(ctx context.Context, r io.Reader, size int64) (Verdict, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return Verdict{}, &ScanError{Backend: "icap", Err: fmt.Errorf("dial: %w", err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	requestLine := fmt.Sprintf("RESPMOD icap://%s/%s ICAP/1.0\r\n", s.host, s.service)
	header := requestLine +
		fmt.Sprintf("Host: %s\r\n", s.host) +
		"Encapsulated: res-body=0\r\n" +
		"\r\n"

	writer := bufio.NewWriter(conn)
	if _, err := writer.WriteString(header); err != nil {
		return Verdict{}, &ScanError{Backend: "icap", Err: fmt.Errorf("write header: %w", err)}
	}
	if err := writeChunkedBody(writer, r); err != nil {
		return Verdict{}, &ScanError{Backend: "icap", Err: fmt.Errorf("write body: %w", err)}
	}
	if err := writer.Flush(); err != nil {
		return Verdict{}, &ScanError{Backend: "icap", Err: fmt.Errorf("flush: %w", err)}
	}

	reply, err := readICAPReply(conn)
	if err != nil {
		return Verdict{}, &ScanError{Backend: "icap", Err: err}
	}

	verdict, err := parseICAPReply(reply)
	if err != nil {
		return Verdict{}, &ScanError{Backend: "icap", Err: err}
	}
	return verdict, nil
}

// writeChunkedBody writes the content of r as a single HTTP chunk
// (hex-length CRLF, data, CRLF) followed by the terminating zero chunk.
func writeChunkedBody(w *bufio.Writer, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := fmt.Fprintf(w, "%x\r\n", len(data)); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	_, err = w.WriteString("0\r\n\r\n")
	return err
}

// readICAPReply reads until the reply ends in "0\r\n\r\n" or EOF, capping
// the accumulated bytes at icapResponseCap.
func readICAPReply(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 512)

	for buf.Len() < icapResponseCap {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if bytes.HasSuffix(buf.Bytes(), []byte("0\r\n\r\n")) {
				break
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if buf.Len() == 0 {
				return nil, fmt.Errorf("read reply: %w", err)
			}
			break
		}
	}

	out := buf.Bytes()
	if len(out) > icapResponseCap {
		out = out[:icapResponseCap]
	}
	return out, nil
}

var infectionHeaderRe = regexp.MustCompile(`X-Infection-Found:[^\r\n]*;Threat=([^;\r\n]+);`)

// parseICAPReply interprets the ICAP status line and, when present, the
// encapsulated HTTP status line, per spec.md §4.1.
func parseICAPReply(reply []byte) (Verdict, error) {
	lines := bytes.Split(reply, []byte("\r\n"))
	if len(lines) == 0 {
		return Verdict{}, fmt.Errorf("empty reply")
	}
	statusLine := string(lines[0])

	switch {
	case bytes.HasPrefix(lines[0], []byte("ICAP/1.0 204")):
		return Verdict{Found: false}, nil

	case bytes.HasPrefix(lines[0], []byte("ICAP/1.0 200")):
		encapsulatedStatus := findEncapsulatedStatusLine(lines[1:])
		if encapsulatedStatus == "HTTP/1.0 403 Forbidden" || bytes.HasPrefix([]byte(encapsulatedStatus), []byte("HTTP/1.0 403")) {
			signature := "unknown"
			if m := infectionHeaderRe.FindSubmatch(reply); m != nil {
				signature = string(m[1])
			}
			return Verdict{Found: true, Signature: signature}, nil
		}
		return Verdict{Found: false}, nil

	default:
		return Verdict{}, fmt.Errorf("unrecognized ICAP status: %q", statusLine)
	}
}

func findEncapsulatedStatusLine(lines [][]byte) string {
	for _, line := range lines {
		if bytes.HasPrefix(line, []byte("HTTP/")) {
			return string(line)
		}
	}
	return ""
}
