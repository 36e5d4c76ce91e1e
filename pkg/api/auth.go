package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// AdminKeyHeader carries the operator key for /admin routes.
const AdminKeyHeader = "X-Admin-Key"

// BearerToken extracts the token from an Authorization: Bearer header.
// It returns false when the header is missing or not in Bearer form.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// SecureCompare reports whether two secrets match in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewToken returns a URL-safe random secret carrying nbytes of
// entropy. Used for agent tokens, claim tokens, and demo session ids.
func NewToken(nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("api: system entropy unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// RequireAdmin checks the X-Admin-Key header against the configured
// key. An empty configured key means the relay was deployed without an
// admin surface (503); a mismatch is a plain 401. Returns true when the
// caller may proceed.
func RequireAdmin(w http.ResponseWriter, r *http.Request, configuredKey string) bool {
	if configuredKey == "" {
		WriteServiceUnavailable(w, "Admin API not configured")
		return false
	}
	if !SecureCompare(r.Header.Get(AdminKeyHeader), configuredKey) {
		WriteUnauthorized(w, "Invalid admin API key")
		return false
	}
	return true
}
