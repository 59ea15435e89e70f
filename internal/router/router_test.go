package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jnd-labs/avgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Profiles: []config.UpstreamProfile{
			{Key: "10.0.0.1:443", Konnektor: "https://exact.example"},
			{Key: "*:443", Konnektor: "https://wildcard443.example"},
			{Key: "*:8443", Konnektor: "https://wildcard8443.example"},
		},
	}
}

func TestRouter_Resolve(t *testing.T) {
	router := New(testConfig())

	tests := []struct {
		name        string
		realIP      string
		host        string
		wantKey     string
		wantErr     bool
	}{
		{"exact IP and default port", "10.0.0.1", "proxy.example", "10.0.0.1:443", false},
		{"exact IP and explicit port", "10.0.0.1", "proxy.example:443", "10.0.0.1:443", false},
		{"unknown IP falls back to wildcard", "10.0.0.9", "proxy.example:443", "*:443", false},
		{"unknown IP with different wildcard port", "10.0.0.9", "proxy.example:8443", "*:8443", false},
		{"no match at all", "10.0.0.9", "proxy.example:9999", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/connector.sds", nil)
			req.Host = tt.host
			req.Header.Set(RealIPHeader, tt.realIP)

			profile, err := router.Resolve(req)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoProfile)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, profile.Key)
		})
	}
}

func TestPortOf(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"example.com", DefaultPort},
		{"example.com:8443", "8443"},
		{"10.0.0.1:443", "443"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, portOf(tt.host))
		})
	}
}
