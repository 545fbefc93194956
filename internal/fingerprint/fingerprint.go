// Package fingerprint derives the stable identity key that all mitigation
// state is keyed by. The key is a one-way hash: raw client attributes are
// never recoverable from it and must not be logged alongside it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

const (
	// DefaultUserAgent is substituted when the client sends no User-Agent.
	DefaultUserAgent = "unknown"
	// DefaultCredential is substituted when the request carries no credential.
	// Anonymous and authenticated traffic from the same source therefore hash
	// to different identities, while all anonymous traffic from one source
	// collides to a single identity. That collision is intentional.
	DefaultCredential = "public"
)

// Derive computes the identity key for a (source address, user agent,
// credential) triple. Identical inputs always produce the identical
// fixed-length key.
func Derive(sourceAddr, userAgent, credential string) string {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if credential == "" {
		credential = DefaultCredential
	}
	sum := sha256.Sum256([]byte(sourceAddr + "|" + userAgent + "|" + credential))
	return hex.EncodeToString(sum[:])
}

// FromRequest derives the identity key for an inbound request.
func FromRequest(r *http.Request) string {
	return Derive(ClientIP(r), r.UserAgent(), r.Header.Get("Authorization"))
}

// ClientIP extracts the originating client address. The first entry of
// X-Forwarded-For wins when present (the proxy sits behind the edge),
// otherwise the connection's remote address is used. IPv4-mapped IPv6
// addresses are normalised to their IPv4 form so the same client cannot
// occupy two identities depending on socket family.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			first = xff[:idx]
		}
		if ip := normalizeIP(strings.TrimSpace(first)); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := normalizeIP(host); ip != "" {
		return ip
	}
	return host
}

// normalizeIP parses value as an IP and returns its canonical string form,
// collapsing IPv4-mapped IPv6 (e.g. ::ffff:1.2.3.4) to IPv4.
// Returns "" for unparseable input.
func normalizeIP(value string) string {
	ip := net.ParseIP(value)
	if ip == nil {
		return ""
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}
