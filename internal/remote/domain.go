package remote

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// extractDomain extracts the effective top-level-domain-plus-one (eTLD+1)
// from a target string that may be a URL, host:port, or bare host, so
// connectivity logs can name the Client System endpoint without leaking a
// full URL (query strings, embedded credentials) into the log line.
//
// Examples:
//
//	"https://api.example.com:443/v1" -> "example.com"
//	"sync.acme.co.uk"                -> "acme.co.uk"
//	"192.168.1.1:8080"               -> "192.168.1.1"
//	"localhost:3000"                 -> "localhost"
func extractDomain(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	if net.ParseIP(host) != nil {
		return host
	}

	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}
