package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func TestIsAPIPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		// API paths that should be detected.
		{"/v1/studies", true},
		{"/v1/checklists", true},
		{"/v1/checklists/some-id/verify", true},
		{"/v1/reconciliations/some-id", true},
		{"/v1/", true},
		{"/auth/token", true},
		{"/auth/scoped-token", true},
		{"/mcp", true},
		{"/health", true},
		{"/openapi.yaml", true},

		// Non-API paths that the SPA should handle.
		{"/", false},
		{"/studies", false},
		{"/checklists", false},
		{"/settings", false},
		{"/assets/index-abc123.js", false},
		{"/favicon.ico", false},
		{"/some/other/path", false},

		// Edge cases.
		{"", false},
		{"/v1", false},     // Must have trailing slash to match /v1/ prefix.
		{"/v2/foo", false}, // Different API version is not recognized.
		{"/authorization", false},
		{"/mcpserver", false},   // /mcp must match exactly, not as a prefix.
		{"/healthcheck", false}, // Same for /health.
		{"/openapi.yaml.bak", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := isAPIPath(tt.path)
			if got != tt.want {
				t.Errorf("isAPIPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestSetCacheHeaders(t *testing.T) {
	tests := []struct {
		name    string
		urlPath string
		wantCC  string // expected Cache-Control header value
	}{
		{
			name:    "hashed asset gets immutable cache",
			urlPath: "/assets/index-abc123.js",
			wantCC:  "public, max-age=31536000, immutable",
		},
		{
			name:    "hashed CSS asset gets immutable cache",
			urlPath: "/assets/style-def456.css",
			wantCC:  "public, max-age=31536000, immutable",
		},
		{
			name:    "assets directory root gets immutable cache",
			urlPath: "/assets/something",
			wantCC:  "public, max-age=31536000, immutable",
		},
		{
			name:    "non-asset file gets standard cache",
			urlPath: "/favicon.ico",
			wantCC:  "public, max-age=3600",
		},
		{
			name:    "root path gets standard cache",
			urlPath: "/index.html",
			wantCC:  "public, max-age=3600",
		},
		{
			name:    "nested non-asset path gets standard cache",
			urlPath: "/images/logo.png",
			wantCC:  "public, max-age=3600",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			setCacheHeaders(w, tt.urlPath)
			got := w.Header().Get("Cache-Control")
			if got != tt.wantCC {
				t.Errorf("setCacheHeaders(%q): Cache-Control = %q, want %q", tt.urlPath, got, tt.wantCC)
			}
		})
	}
}

func TestSPAHandler(t *testing.T) {
	fsys := fstest.MapFS{
		"index.html":              {Data: []byte("<!doctype html><div id=app></div>")},
		"assets/index-abc123.js":  {Data: []byte("console.log('app')")},
		"assets/style-def456.css": {Data: []byte("body{}")},
		"favicon.ico":             {Data: []byte("icon")},
	}
	h := newSPAHandler(fsys)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	t.Run("serves index at root", func(t *testing.T) {
		w := get("/")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		body, _ := io.ReadAll(w.Body)
		if !strings.Contains(string(body), "<!doctype html>") {
			t.Errorf("body = %q, want index.html content", body)
		}
	})

	t.Run("serves static file with cache headers", func(t *testing.T) {
		w := get("/assets/index-abc123.js")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=31536000, immutable" {
			t.Errorf("Cache-Control = %q, want immutable asset caching", cc)
		}
	})

	t.Run("falls back to index for client-side routes", func(t *testing.T) {
		w := get("/studies/0b8f7a3e")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if cc := w.Header().Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
			t.Errorf("Cache-Control = %q, want no-cache for index fallback", cc)
		}
		body, _ := io.ReadAll(w.Body)
		if !strings.Contains(string(body), "<!doctype html>") {
			t.Errorf("body = %q, want index.html content", body)
		}
	})

	t.Run("unmatched API path returns JSON 404", func(t *testing.T) {
		w := get("/v1/nope")
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		body, _ := io.ReadAll(w.Body)
		want := `{"error":{"code":"NOT_FOUND","message":"endpoint not found"}}`
		if string(body) != want {
			t.Errorf("body = %q, want %q", body, want)
		}
	})
}
