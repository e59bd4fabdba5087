package oidcrp

import (
	"net/http"
	"testing"
)

func TestSanitizeReturnTo(t *testing.T) {
	allowed := []string{"app.example.com"}

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "/"},
		{"relative path", "/dashboard", "/dashboard"},
		{"relative with query", "/search?q=x", "/search?q=x"},
		{"protocol relative", "//evil.example.com/x", "/"},
		{"control character", "/dash\nboard", "/"},
		{"allowed host", "https://app.example.com/home", "https://app.example.com/home"},
		{"allowed host case-folded", "https://APP.Example.COM/home", "https://APP.Example.COM/home"},
		{"foreign host", "https://evil.example.com/x", "/"},
		{"non-http scheme", "javascript:alert(1)", "/"},
		{"bare word", "dashboard", "/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeReturnTo(tc.in, allowed); got != tc.want {
				t.Fatalf("SanitizeReturnTo(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

type headerRC struct {
	headers http.Header
	remote  string
}

func (rc headerRC) Header(name string) string { return rc.headers.Get(name) }
func (rc headerRC) Cookie(string) (string, bool) { return "", false }
func (rc headerRC) SetCookie(*http.Cookie) {}
func (rc headerRC) RemoteAddr() string { return rc.remote }

func TestClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers http.Header
		remote  string
		want    string
	}{
		{
			name:    "forwarded-for single",
			headers: http.Header{"X-Forwarded-For": {"203.0.113.9"}},
			remote:  "10.0.0.1:4000",
			want:    "203.0.113.9",
		},
		{
			name:    "forwarded-for chain keeps first",
			headers: http.Header{"X-Forwarded-For": {"203.0.113.9, 10.0.0.2, 10.0.0.3"}},
			remote:  "10.0.0.1:4000",
			want:    "203.0.113.9",
		},
		{
			name:    "real-ip fallback",
			headers: http.Header{"X-Real-Ip": {"198.51.100.7"}},
			remote:  "10.0.0.1:4000",
			want:    "198.51.100.7",
		},
		{
			name:   "peer address strips port",
			remote: "192.0.2.4:51000",
			want:   "192.0.2.4",
		},
		{
			name:   "peer address without port",
			remote: "192.0.2.4",
			want:   "192.0.2.4",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := headerRC{headers: tc.headers, remote: tc.remote}
			if rc.headers == nil {
				rc.headers = http.Header{}
			}
			if got := ClientIP(rc); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
