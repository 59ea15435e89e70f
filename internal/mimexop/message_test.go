package mimexop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBoundary = "MIME_boundary"

func buildMultipart(soapBody, attachmentBody string) []byte {
	return []byte("--" + testBoundary + "\r\n" +
		"Content-Type: text/xml; charset=UTF-8\r\n" +
		"Content-ID: <root.message@example.com>\r\n" +
		"MIME-Version: 1.0\r\n\r\n" +
		soapBody + "\r\n" +
		"--" + testBoundary + "\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-ID: <doc1@example.com>\r\n" +
		"Content-Transfer-Encoding: binary\r\n\r\n" +
		attachmentBody + "\r\n" +
		"--" + testBoundary + "--\r\n")
}

func testContentType() string {
	return `multipart/related; type="text/xml"; start="<root.message@example.com>"; boundary="` + testBoundary + `"`
}

func TestParseMessage_RoundTrip(t *testing.T) {
	body := buildMultipart("<soap>envelope</soap>", "%PDF-fake-bytes")

	msg, err := ParseMessage(testContentType(), body)
	require.NoError(t, err)
	require.Len(t, msg.Parts, 2)

	assert.Equal(t, testBoundary, msg.Boundary)
	assert.Equal(t, "root.message", msg.Parts[0].ContentID())
	assert.Equal(t, "<soap>envelope</soap>", string(msg.Parts[0].Body))
	assert.Equal(t, "doc1", msg.Parts[1].ContentID())
	assert.Equal(t, "%PDF-fake-bytes", string(msg.Parts[1].Body))
	assert.Equal(t, "binary", msg.Parts[1].Header.Get("Content-Transfer-Encoding"))

	out, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, body, out, "untouched message must round-trip byte-identical")
}

func TestParseMessage_MissingBoundary(t *testing.T) {
	_, err := ParseMessage("multipart/related", []byte("irrelevant"))
	require.Error(t, err)
}

func TestParseMessage_NotMultipart(t *testing.T) {
	_, err := ParseMessage("text/plain", []byte("hello"))
	require.Error(t, err)
}
