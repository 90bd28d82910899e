package server

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"proofwork/models"
	"proofwork/storage"
)

type contextKey string

const contextKeyWorker contextKey = "worker"

// ErrNoWorker indicates the request context carries no authenticated worker.
var ErrNoWorker = errors.New("server: no worker in context")

// MintWorkerToken produces a fresh worker credential. Only the HMAC of the
// secret is stored; the composite token is shown to the operator once.
func MintWorkerToken(pepper string) (prefix, token, hash string, err error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("token entropy: %w", err)
	}
	prefix = hex.EncodeToString(buf[:4])
	secret := hex.EncodeToString(buf[4:])
	token = fmt.Sprintf("pw_%s_%s", prefix, secret)
	return prefix, token, HashWorkerSecret(pepper, secret), nil
}

// HashWorkerSecret derives the stored HMAC for a worker secret.
func HashWorkerSecret(pepper, secret string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseWorkerToken splits a pw_<prefix>_<secret> bearer credential.
func parseWorkerToken(token string) (prefix, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(token), "_", 3)
	if len(parts) != 3 || parts[0] != "pw" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("server: malformed worker token")
	}
	return parts[1], parts[2], nil
}

// WorkerAuth authenticates worker bearer tokens against the store.
type WorkerAuth struct {
	store  *storage.Store
	pepper string
}

// NewWorkerAuth constructs the worker authenticator.
func NewWorkerAuth(store *storage.Store, pepper string) *WorkerAuth {
	return &WorkerAuth{store: store, pepper: pepper}
}

// Middleware rejects requests without a valid, enabled worker credential and
// stores the worker row on the request context.
func (a *WorkerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "worker token required")
			return
		}
		prefix, secret, err := parseWorkerToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "malformed worker token")
			return
		}
		var worker models.Worker
		if err := a.store.DB().WithContext(r.Context()).First(&worker, "token_prefix = ?", prefix).Error; err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unknown worker token")
			return
		}
		expected := HashWorkerSecret(a.pepper, secret)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(worker.TokenHash)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unknown worker token")
			return
		}
		if worker.Disabled {
			writeError(w, http.StatusForbidden, "worker_disabled", "worker is disabled")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyWorker, &worker)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WorkerFromContext returns the authenticated worker for the request.
func WorkerFromContext(ctx context.Context) (*models.Worker, error) {
	worker, ok := ctx.Value(contextKeyWorker).(*models.Worker)
	if !ok || worker == nil {
		return nil, ErrNoWorker
	}
	return worker, nil
}

// Authenticator validates static bearer tokens for the verifier and admin
// surfaces.
type Authenticator struct {
	bearerToken string
}

// NewAuthenticator constructs an Authenticator for the supplied token.
func NewAuthenticator(token string) (*Authenticator, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, fmt.Errorf("server: bearer token must be configured")
	}
	return &Authenticator{bearerToken: trimmed}, nil
}

// Middleware enforces bearer authentication.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "internal", "authentication unavailable")
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
