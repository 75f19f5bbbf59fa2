package api //nolint:revive // package name is intentional

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
)

// KeyAuth rejects requests that do not carry one of a fixed set of API keys.
// Keys are held as SHA-256 digests and compared in constant time.
type KeyAuth struct {
	hashes    [][sha256.Size]byte
	skipPaths map[string]bool
	logger    *slog.Logger
}

// NewKeyAuth creates the middleware. Empty keys are ignored; with no keys
// left every request is let through.
func NewKeyAuth(keys []string, skipPaths []string, logger *slog.Logger) *KeyAuth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &KeyAuth{
		skipPaths: make(map[string]bool, len(skipPaths)),
		logger:    logger,
	}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.hashes = append(a.hashes, sha256.Sum256([]byte(k)))
		}
	}
	for _, p := range skipPaths {
		a.skipPaths[p] = true
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *KeyAuth) Enabled() bool {
	return len(a.hashes) > 0
}

// Authenticate returns an HTTP middleware that validates API keys.
func (a *KeyAuth) Authenticate(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key, err := parseAuthHeader(r.Header.Get("Authorization"))
		if err != nil || !a.valid(key) {
			a.logger.Debug("rejected unauthenticated request",
				"path", r.URL.Path,
				"request_id", r.Header.Get("X-Request-ID"),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{
				Error: ErrorDetail{Message: "missing or invalid api key", Type: llmerrors.TypeAuthentication},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *KeyAuth) valid(key string) bool {
	sum := sha256.Sum256([]byte(key))
	match := 0
	for i := range a.hashes {
		match |= subtle.ConstantTimeCompare(sum[:], a.hashes[i][:])
	}
	return match == 1
}

// parseAuthHeader accepts "Bearer <key>" or a bare key.
func parseAuthHeader(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("authorization header is empty")
	}
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		key := strings.TrimSpace(after)
		if key == "" {
			return "", errors.New("bearer token is empty")
		}
		return key, nil
	}
	return header, nil
}
