package api

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/risk"
)

// Claims is the JWT payload issued by the auth endpoint.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// LoggingMiddleware logs information about each request
func (a *API) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("Request processed", r.Method, r.URL.Path, time.Since(start))
	}
}

// JSONContentTypeMiddleware ensures that mutating requests carry JSON bodies
func (a *API) JSONContentTypeMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			contentType := r.Header.Get("Content-Type")
			if !strings.Contains(contentType, "application/json") {
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

// CORSMiddleware allows the configured origin to call the API
func (a *API) CORSMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// JWTMiddleware validates the bearer token issued by HandleAuth.
// Every rejection is scored as an auth failure.
func (a *API) JWTMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.svc.RecordSecurityEvent(risk.EventAuthFailure, "missing authorization header")
			http.Error(w, "Unauthorized: Authorization header missing", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			a.svc.RecordSecurityEvent(risk.EventAuthFailure, "malformed authorization header")
			http.Error(w, "Unauthorized: Invalid token format", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return a.jwtKey, nil
		})
		if err != nil {
			if validationErr, ok := err.(*jwt.ValidationError); ok &&
				validationErr.Errors == jwt.ValidationErrorExpired {
				http.Error(w, "Token expired", http.StatusUnauthorized)
				return
			}
			a.svc.RecordSecurityEvent(risk.EventAuthFailure, fmt.Sprintf("invalid token: %v", err))
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
		if !token.Valid {
			a.svc.RecordSecurityEvent(risk.EventAuthFailure, "token failed validation")
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// ErrorMiddleware catches panics and returns them as 500 errors
func (a *API) ErrorMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic occurred handling", r.URL.Path, ":", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	}
}

// GenerateJWT issues a short-lived token for an authenticated client.
func (a *API) GenerateJWT(clientID string) (string, error) {
	expirationTime := time.Now().Add(15 * time.Minute)
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
		},
	}

	if a.jwtKey == nil {
		return "", fmt.Errorf("JWT signing key not available")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.jwtKey)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// EnsureJWTKey loads the signing key from the keys directory, creating
// a fresh one on first run.
func EnsureJWTKey(keysDir string) ([]byte, error) {
	keyPath := filepath.Join(keysDir, "jwt_key")

	encodedKey, err := os.ReadFile(keyPath)
	if err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(string(encodedKey))
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode JWT key: %v", decodeErr)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read JWT key: %v", err)
	}

	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory for JWT key: %v", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate JWT key: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to save JWT key: %v", err)
	}
	return key, nil
}
