package replacement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeReplacementDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestNewStore_RequiresTextPlainFallback(t *testing.T) {
	dir := writeReplacementDir(t, map[string]string{
		"application_pdf.pdf": "pdf-placeholder",
	})

	_, err := NewStore(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text/plain")
}

func TestStore_Lookup(t *testing.T) {
	dir := writeReplacementDir(t, map[string]string{
		"application_pdf.pdf": "pdf-placeholder",
		"image_png.png":       "png-placeholder",
		"text_plain.txt":      "plain-placeholder",
	})

	store, err := NewStore(dir)
	require.NoError(t, err)

	tests := []struct {
		name     string
		mimeType string
		want     string
	}{
		{"exact pdf match", "application/pdf", "pdf-placeholder"},
		{"exact png match", "image/png", "png-placeholder"},
		{"unknown type falls back", "application/unknown-type", "plain-placeholder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := store.Lookup(tt.mimeType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestStore_LookupCaches(t *testing.T) {
	dir := writeReplacementDir(t, map[string]string{
		"text_plain.txt": "plain-placeholder",
	})
	store, err := NewStore(dir)
	require.NoError(t, err)

	first, err := store.Lookup("text/plain")
	require.NoError(t, err)

	// Mutate the file on disk; the cached value must not change.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "text_plain.txt"), []byte("mutated"), 0o644))

	second, err := store.Lookup("text/plain")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
