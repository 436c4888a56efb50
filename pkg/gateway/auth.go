package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthHandler checks the shared secret of API requests. Browsers cannot set
// headers on websocket upgrades, so the secret may also travel as the
// token query parameter.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler. An empty secret
// disables authentication.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether requests must carry the secret.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Authorize reports whether r carries the shared secret.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	return a.verify(credential(r))
}

func (a *AuthHandler) verify(secret string) bool {
	// constant-time comparison
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if h := r.Header.Get("X-Giga-Secret"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}
