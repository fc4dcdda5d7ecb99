package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && authHeader[:len(prefix)] == prefix {
		return authHeader[len(prefix):]
	}
	return ""
}

// TokenMatch uses HMAC comparison to prevent timing attacks including length oracle.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	// HMAC with a fixed key normalizes both values to the same length,
	// preventing the length leak in subtle.ConstantTimeCompare.
	key := []byte("clawreach-token-compare")
	h1 := hmac.New(sha256.New, key)
	h1.Write([]byte(provided))
	h2 := hmac.New(sha256.New, key)
	h2.Write([]byte(expected))
	return hmac.Equal(h1.Sum(nil), h2.Sum(nil))
}

// ExtractBasicAuth parses "Basic base64(user:pass)" from the
// Authorization header, as required on the tunnel server's WebSocket
// upgrade (spec §6). ok is false on any malformed header.
func ExtractBasicAuth(authHeader string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}

// Credentials holds the set of user:pass pairs accepted by the tunnel
// server, built from the `tunnel_server.credentials` "user:pass"
// entries (which the setup wizard writes from its prompted values).
type Credentials struct {
	pairs map[string]string
}

// NewCredentials builds a Credentials set from user->pass pairs.
func NewCredentials(pairs map[string]string) *Credentials {
	c := &Credentials{pairs: make(map[string]string, len(pairs))}
	for u, p := range pairs {
		c.pairs[u] = p
	}
	return c
}

// Check reports whether user/pass matches a configured credential,
// using the same HMAC-normalized constant-time comparison as TokenMatch
// so a wrong username never leaks timing information about password
// length via a map-miss short-circuit.
func (c *Credentials) Check(user, pass string) bool {
	expected, ok := c.pairs[user]
	if !ok {
		// Still run a comparison against a fixed dummy so the presence
		// or absence of the username isn't distinguishable by timing.
		TokenMatch(pass, "\x00no-such-user")
		return false
	}
	return TokenMatch(pass, expected)
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	// Handle IPv6 addresses like "[::1]:8080"
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host := remoteAddr[:idx]
		// Remove brackets from IPv6
		host = strings.TrimPrefix(host, "[")
		host = strings.TrimSuffix(host, "]")
		return host
	}
	return remoteAddr
}
