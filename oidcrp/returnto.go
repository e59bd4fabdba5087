package oidcrp

import (
	"net/url"
	"strings"
)

// SanitizeReturnTo constrains a post-login redirect target. Relative paths
// pass through; absolute URLs are kept only when their host is on the
// allow-list; protocol-relative targets, control characters and anything
// else collapse to "/". Open-redirect hardening, not a convenience default.
func SanitizeReturnTo(returnTo string, allowedHosts []string) string {
	if returnTo == "" {
		return "/"
	}
	for _, r := range returnTo {
		if r < 0x20 || r == 0x7f {
			return "/"
		}
	}
	// Protocol-relative URLs inherit the scheme and escape host checks.
	if strings.HasPrefix(returnTo, "//") {
		return "/"
	}
	if strings.HasPrefix(returnTo, "/") {
		return returnTo
	}

	u, err := url.Parse(returnTo)
	if err != nil {
		return "/"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "/"
	}
	for _, host := range allowedHosts {
		if strings.EqualFold(u.Host, host) {
			return returnTo
		}
	}
	return "/"
}
