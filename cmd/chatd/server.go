package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nexaie/chatsync/internal/account"
	"github.com/nexaie/chatsync/internal/auth"
	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/middleware"
	"github.com/nexaie/chatsync/internal/model"
	"github.com/nexaie/chatsync/internal/session"
)

// apiServer wires the HTTP surface: the signin endpoint and the websocket
// entry point that owns one session per connection.
type apiServer struct {
	gw       gateway.Gateway
	auth     *auth.JWTManager
	hub      *ConnectionHub
	rdb      *redis.Client // nil when redis is not configured
	sessOpts session.Options
}

func newAPIServer(gw gateway.Gateway, authMgr *auth.JWTManager, hub *ConnectionHub, rdb *redis.Client, opts session.Options) *apiServer {
	return &apiServer{gw: gw, auth: authMgr, hub: hub, rdb: rdb, sessOpts: opts}
}

// routes attaches the handlers. The signin endpoint sits behind the
// per-IP rate limiter; the websocket endpoint authenticates via token.
func (s *apiServer) routes(r *mux.Router, limiter *middleware.LimiterStore) {
	r.Handle("/v1/signin", middleware.RateLimit(limiter, http.HandlerFunc(s.handleSignin))).Methods(http.MethodPost)
	r.HandleFunc("/v1/ws", s.handleWS).Methods(http.MethodGet)
}

type signinRequest struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	PhotoURL string `json:"photoURL,omitempty"`
}

type signinResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
}

// handleSignin completes sign-in: a returning user id resolves to its
// account, a new one claims the requested username and creates the account
// in the same atomic batch as the reservation.
func (s *apiServer) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	userID := req.UserID
	if userID == "" {
		userID = model.NewID()
	}

	u, err := account.Lookup(ctx, s.gw, userID)
	if errors.Is(err, gateway.ErrNotFound) {
		u, err = account.Claim(ctx, s.gw, userID, req.Username, req.Name, req.PhotoURL)
	}
	if err != nil {
		if model.IsValidation(err) {
			httpError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Error().Err(err).Str("user", userID).Msg("signin failed")
		httpError(w, http.StatusInternalServerError, "signin failed")
		return
	}

	token, expiresAt, err := s.auth.GenerateToken(u.ID, u.Username)
	if err != nil {
		log.Error().Err(err).Str("user", u.ID).Msg("token generation failed")
		httpError(w, http.StatusInternalServerError, "signin failed")
		return
	}

	writeJSON(w, http.StatusOK, signinResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    u.ID,
		Username:  u.Username,
		Name:      u.Name,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
