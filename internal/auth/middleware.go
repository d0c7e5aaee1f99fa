package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
)

var (
	errMissingAuth = errors.New("authorization header required")
	errInvalidAuth = errors.New("invalid authorization format, expected Bearer <token>")
	errEmptyToken  = errors.New("empty token")
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingAuth
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuth
	}
	if parts[1] == "" {
		return "", errEmptyToken
	}
	return parts[1], nil
}

// AdminKeyVerifier checks bearer keys against a bcrypt hash. The digest of
// the last accepted key is remembered so repeated requests skip bcrypt.
type AdminKeyVerifier struct {
	hash string

	mu       sync.RWMutex
	accepted [sha256.Size]byte
	ok       bool
}

// NewAdminKeyVerifier creates a verifier for the bcrypt hash.
func NewAdminKeyVerifier(hash string) *AdminKeyVerifier {
	return &AdminKeyVerifier{hash: hash}
}

// Verify reports whether key matches the configured hash.
func (v *AdminKeyVerifier) Verify(key string) bool {
	digest := sha256.Sum256([]byte(key))

	v.mu.RLock()
	cached := v.ok && subtle.ConstantTimeCompare(digest[:], v.accepted[:]) == 1
	v.mu.RUnlock()
	if cached {
		return true
	}

	if VerifyKey(v.hash, key) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = digest
	v.ok = true
	v.mu.Unlock()
	return true
}

// AdminAuth returns middleware that rejects requests without a valid admin
// bearer key. onFailure, if set, is called for every rejected request.
func AdminAuth(v *AdminKeyVerifier, onFailure func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err == nil && !v.Verify(token) {
				err = errors.New("invalid API key")
			}
			if err != nil {
				if onFailure != nil {
					onFailure()
				}
				http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
