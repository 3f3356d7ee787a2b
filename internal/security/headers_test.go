package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/order/:id", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) })

	req := httptest.NewRequest(method, "/order/1", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(true), http.MethodGet, "")

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("Strict-Transport-Security not set")
	}

	w = serve(HeadersMiddleware(false), http.MethodGet, "")
	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("Strict-Transport-Security = %q without TLS", got)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		allowed         []string
		origin          string
		wantOrigin      string
		wantCredentials bool
	}{
		{"listed origin", []string{"https://app.acal.network"}, "https://app.acal.network", "https://app.acal.network", true},
		{"unlisted origin", []string{"https://app.acal.network"}, "https://evil.test", "", false},
		{"wildcard", []string{"*"}, "https://anything.test", "https://anything.test", false},
		{"empty list", nil, "https://anything.test", "https://anything.test", false},
		{"no origin header", []string{"*"}, "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.allowed), http.MethodGet, tc.origin)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.wantOrigin)
			}
			gotCreds := w.Header().Get("Access-Control-Allow-Credentials") == "true"
			if gotCreds != tc.wantCredentials {
				t.Errorf("Allow-Credentials = %v, want %v", gotCreds, tc.wantCredentials)
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.acal.network")

	if w.Code != http.StatusNoContent {
		t.Errorf("Preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, Content-Type, X-Request-ID" {
		t.Errorf("Allow-Headers = %q", got)
	}
	if got := w.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
}
