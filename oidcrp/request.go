package oidcrp

import (
	"net"
	"net/http"
	"strings"

	"github.com/shelfworks/authcore/sessions"
)

// RequestContext is the narrow request capability the core depends on:
// read a header, read a cookie, set a cookie, and see the peer address.
// The HTTP boundary adapts its framework's request type onto this interface
// so no framework type reaches the flow logic.
type RequestContext interface {
	Header(name string) string
	Cookie(name string) (string, bool)
	SetCookie(c *http.Cookie)
	RemoteAddr() string
}

// clientIPHeaders are consulted in order before falling back to the peer
// address.
var clientIPHeaders = []string{
	"X-Forwarded-For",
	"X-Real-Ip",
	"Cf-Connecting-Ip",
	"X-Forwarded-Host",
}

// ClientIP returns the best-effort client address for fingerprinting and
// rate-limit identity.
func ClientIP(rc RequestContext) string {
	for _, h := range clientIPHeaders {
		v := strings.TrimSpace(rc.Header(h))
		if v == "" {
			continue
		}
		// Comma-separated lists carry the originating client first.
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = strings.TrimSpace(v[:i])
		}
		if v != "" {
			return v
		}
	}
	addr := rc.RemoteAddr()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// FingerprintRequest computes the client fingerprint hash for rc.
func FingerprintRequest(rc RequestContext) string {
	return sessions.Fingerprint(rc.Header("User-Agent"), ClientIP(rc))
}

// StdRequest adapts a *http.Request (plus its ResponseWriter for cookies)
// onto RequestContext.
type StdRequest struct {
	R *http.Request
	W http.ResponseWriter
}

func (s StdRequest) Header(name string) string { return s.R.Header.Get(name) }

func (s StdRequest) Cookie(name string) (string, bool) {
	c, err := s.R.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (s StdRequest) SetCookie(c *http.Cookie) { http.SetCookie(s.W, c) }

func (s StdRequest) RemoteAddr() string { return s.R.RemoteAddr }

var _ RequestContext = StdRequest{}
