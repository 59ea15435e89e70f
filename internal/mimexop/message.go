package mimexop

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"net/textproto"
)

// Part is one segment of a multipart message: its headers (read-only,
// used for indexing and matching) and its raw body bytes as they
// appeared on the wire. Raw holds the full header block plus body,
// verbatim, so that an untouched Part can be re-emitted byte-identical
// to the upstream.
type Part struct {
	Header textproto.MIMEHeader
	Body   []byte
	Raw    []byte
}

// ContentID returns the part's normalized Content-ID, or "" if absent.
func (p Part) ContentID() string {
	return NormalizeContentID(p.Header.Get("Content-ID"))
}

// MimeMessage is an in-memory model of a parsed multipart body: the
// boundary that delimited it, any preamble/epilogue bytes, and the
// ordered sequence of parts. The first part is always the SOAP
// envelope; the rest are attachments.
type MimeMessage struct {
	Boundary string
	Preamble []byte
	Parts    []Part
	Epilogue []byte
}

// ParseError reports a failure to parse the upstream body as a
// multipart message in the shape this component expects.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "mimexop: " + e.Reason }

// ParseMessage splits body into a MimeMessage using the boundary
// declared in contentType. It never re-serializes a part's bytes: each
// Part.Raw is the exact slice of body between boundary delimiters, so
// re-joining untouched parts reproduces the original bytes exactly.
func ParseMessage(contentType string, body []byte) (*MimeMessage, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("parsing Content-Type %q: %v", contentType, err)}
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, &ParseError{Reason: "Content-Type has no boundary parameter"}
	}

	preamble, segments, epilogue, err := splitBoundary(body, boundary)
	if err != nil {
		return nil, err
	}

	parts := make([]Part, 0, len(segments))
	for i, seg := range segments {
		part, err := parseSegment(seg)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("segment %d: %v", i, err)}
		}
		parts = append(parts, part)
	}

	return &MimeMessage{
		Boundary: boundary,
		Preamble: preamble,
		Parts:    parts,
		Epilogue: epilogue,
	}, nil
}

// Bytes re-joins the message's parts by the original boundary,
// reproducing the upstream byte layout exactly for any part whose Raw
// field was left untouched. A leading CRLF is only emitted before the
// first boundary delimiter when the message originally had a
// non-empty preamble, matching how the body appeared on the wire.
func (m *MimeMessage) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	marker := "--" + m.Boundary

	buf.Write(m.Preamble)
	for i, part := range m.Parts {
		if i == 0 && len(m.Preamble) == 0 {
			buf.WriteString(marker + "\r\n")
		} else {
			buf.WriteString("\r\n" + marker + "\r\n")
		}
		buf.Write(part.Raw)
	}
	buf.WriteString("\r\n" + marker + "--\r\n")
	buf.Write(m.Epilogue)

	return buf.Bytes(), nil
}

// splitBoundary splits body by "\r\n--boundary" delimiters into a
// preamble, an ordered list of part segments (header block plus body,
// exactly as they appeared between delimiters), and an epilogue. A
// leading CRLF is conceptually prepended so a boundary occurring at the
// very start of body (no preamble) still matches the same delimiter
// pattern spec.md describes.
func splitBoundary(body []byte, boundary string) (preamble []byte, segments [][]byte, epilogue []byte, err error) {
	padded := append([]byte("\r\n"), body...)
	marker := []byte("\r\n--" + boundary)

	var indices []int
	for offset := 0; ; {
		idx := bytes.Index(padded[offset:], marker)
		if idx == -1 {
			break
		}
		indices = append(indices, offset+idx)
		offset += idx + len(marker)
	}
	if len(indices) == 0 {
		return nil, nil, nil, &ParseError{Reason: "boundary not found in body"}
	}

	if indices[0] >= 2 {
		preamble = padded[2:indices[0]]
	}

	for i, idx := range indices {
		segStart := idx + len(marker)
		if bytes.HasPrefix(padded[segStart:], []byte("--")) {
			rest := padded[segStart+2:]
			rest = bytes.TrimPrefix(rest, []byte("\r\n"))
			epilogue = rest
			return preamble, segments, epilogue, nil
		}

		contentStart := segStart
		if bytes.HasPrefix(padded[contentStart:], []byte("\r\n")) {
			contentStart += 2
		}

		contentEnd := len(padded)
		if i+1 < len(indices) {
			contentEnd = indices[i+1]
		}
		segments = append(segments, padded[contentStart:contentEnd])
	}

	return preamble, segments, epilogue, &ParseError{Reason: "multipart body has no terminating boundary"}
}

// parseSegment splits a segment at its first blank line into headers
// and body, reading headers with net/textproto purely to index the
// part (Content-Type, Content-ID) -- the segment's bytes are kept
// verbatim in Raw for passthrough re-emission.
func parseSegment(segment []byte) (Part, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(segment)))
	header, err := reader.ReadMIMEHeader()
	if err != nil && header == nil {
		return Part{}, fmt.Errorf("reading part headers: %w", err)
	}

	headerEnd := bytes.Index(segment, []byte("\r\n\r\n"))
	var body []byte
	if headerEnd == -1 {
		body = nil
	} else {
		body = segment[headerEnd+4:]
	}

	return Part{Header: header, Body: body, Raw: segment}, nil
}
