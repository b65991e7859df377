package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHLSHTTPClientHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	tests := []struct {
		name      string
		cfg       HTTPClientConfig
		wantUA    string
		wantExtra string
	}{
		{"default agent", HTTPClientConfig{}, ToolUserAgent, ""},
		{"custom agent and header", HTTPClientConfig{UserAgent: "custom/2", Headers: map[string]string{"Referer": "https://site.example"}}, "custom/2", "https://site.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
			require.NoError(t, err)
			resp, err := NewHLSHTTPClient(tt.cfg).Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.wantUA, got.Get("User-Agent"))
			assert.Equal(t, tt.wantExtra, got.Get("Referer"))
		})
	}
}

func TestHLSHTTPClientRandomAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := NewHLSHTTPClient(HTTPClientConfig{UserAgent: "randomize"}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, userAgents, ua)
}
