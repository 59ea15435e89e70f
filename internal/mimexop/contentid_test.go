package mimexop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeContentID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"angle brackets", "<doc1@example.com>", "doc1"},
		{"cid prefix", "cid:doc1@example.com", "doc1"},
		{"cid prefix with brackets", "<cid:doc1@example.com>", "doc1"},
		{"url-encoded", "doc%201@example.com", "doc 1"},
		{"literal plus not decoded to space", "doc+1@example.com", "doc+1"},
		{"no at-sign", "<doc1>", "doc1"},
		{"bare", "doc1", "doc1"},
		{"whitespace", "  <doc1@example.com>  ", "doc1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeContentID(tt.in))
		})
	}
}

func TestNormalizeContentID_Idempotent(t *testing.T) {
	once := NormalizeContentID("<cid:doc1@example.com>")
	twice := NormalizeContentID(once)
	assert.Equal(t, once, twice)
}
