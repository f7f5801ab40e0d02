// Package api exposes the ledger over HTTP for the desktop UI. Reads
// are open behind JWT auth; the auth endpoint exchanges the shared
// API key for a short-lived token.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/risk"
	"github.com/rsc-chain/mining-ledger/internal/service"
)

// API serves the ledger endpoints.
type API struct {
	svc           *service.Service
	apiKey        string
	jwtKey        []byte
	allowedOrigin string
}

func NewAPI(svc *service.Service, apiKey string, jwtKey []byte, allowedOrigin string) *API {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return &API{svc: svc, apiKey: apiKey, jwtKey: jwtKey, allowedOrigin: allowedOrigin}
}

type authRequest struct {
	APIKey   string `json:"apiKey"`
	ClientID string `json:"clientId"`
}

type claimRequest struct {
	Amount float64 `json:"amount"`
}

// HandleAuth exchanges the configured API key for a JWT.
func (a *API) HandleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if a.apiKey == "" || subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(a.apiKey)) != 1 {
		a.svc.RecordSecurityEvent(risk.EventAuthFailure, "api key mismatch on auth endpoint")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := a.GenerateJWT(req.ClientID)
	if err != nil {
		logger.Error("Failed to issue JWT:", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// HandleStats serves the aggregate mining view.
func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		logger.Error("Failed to load stats:", err)
		http.Error(w, "Failed to load stats", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(stats)
}

// HandleBalance serves the current balance.
func (a *API) HandleBalance(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]float64{"balance": a.svc.Balance()})
}

// HandleClaim deducts the requested amount from the balance.
func (a *API) HandleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "Claim amount must be positive", http.StatusBadRequest)
		return
	}

	balance, err := a.svc.Claim(r.Context(), req.Amount)
	if err != nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "failed",
			"message": err.Error(),
			"balance": balance,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Claimed %.6f tokens", req.Amount),
		"balance": balance,
	})
}

// HandleFailedRewards lists rewards that exhausted their sync attempts.
func (a *API) HandleFailedRewards(w http.ResponseWriter, r *http.Request) {
	failed, err := a.svc.FailedRewards(r.Context())
	if err != nil {
		logger.Error("Failed to load failed rewards:", err)
		http.Error(w, "Failed to load failed rewards", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":   len(failed),
		"rewards": failed,
	})
}

// HandleMining starts or stops a mining session depending on the
// "action" field.
func (a *API) HandleMining(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "start":
		session, err := a.svc.StartMining()
		if err != nil {
			json.NewEncoder(w).Encode(map[string]string{"status": "failed", "message": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "session": session})
	case "stop":
		session, active := a.svc.StopMining()
		if !active {
			json.NewEncoder(w).Encode(map[string]string{"status": "failed", "message": "no active session"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "session": session})
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

// StartServer registers the routes and serves until the listener
// fails or the process exits.
func (a *API) StartServer(port int) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth", a.CORSMiddleware(a.ErrorMiddleware(a.JSONContentTypeMiddleware(a.HandleAuth))))
	mux.HandleFunc("/api/stats", a.CORSMiddleware(a.ErrorMiddleware(a.JWTMiddleware(a.HandleStats))))
	mux.HandleFunc("/api/balance", a.CORSMiddleware(a.ErrorMiddleware(a.JWTMiddleware(a.HandleBalance))))
	mux.HandleFunc("/api/claim", a.CORSMiddleware(a.ErrorMiddleware(a.JSONContentTypeMiddleware(a.JWTMiddleware(a.HandleClaim)))))
	mux.HandleFunc("/api/failed-rewards", a.CORSMiddleware(a.ErrorMiddleware(a.JWTMiddleware(a.HandleFailedRewards))))
	mux.HandleFunc("/api/mining", a.CORSMiddleware(a.ErrorMiddleware(a.JSONContentTypeMiddleware(a.JWTMiddleware(a.HandleMining)))))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      a.LoggingMiddleware(mux.ServeHTTP),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("Starting HTTP server on", server.Addr)
	return server.ListenAndServe()
}
