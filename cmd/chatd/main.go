package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexaie/chatsync/internal/auth"
	"github.com/nexaie/chatsync/internal/gateway/mongostore"
	"github.com/nexaie/chatsync/internal/middleware"
	"github.com/nexaie/chatsync/internal/presence"
	"github.com/nexaie/chatsync/internal/session"
)

func main() {
	// Read configuration from environment
	if lvl, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		log.Fatal().Msg("MONGODB_URI must be set")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	jwtKeysEnv := os.Getenv("JWT_KEYS") // optional: format kid:secret,kid2:secret2
	jwtActiveKid := os.Getenv("JWT_ACTIVE_KID")
	if jwtKeysEnv == "" && jwtSecret == "" {
		log.Fatal().Msg("either JWT_SECRET or JWT_KEYS must be set")
	}
	port := envOr("PORT", "8080")

	ctx := context.Background()

	// Initialize the document store
	store, err := mongostore.Connect(ctx, mongoURI, envOr("MONGODB_DB", "chatsync"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to DB")
	}
	defer func() {
		_ = store.Close(ctx)
	}()
	if err := store.EnsureIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create indexes")
	}

	// Optional redis: presence heartbeats plus the stale-presence reaper.
	// Without it, presence relies on unload signals alone.
	var rdb *redis.Client
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping redis")
		}
		reaper := presence.NewReaper(rdb, store, 30*time.Second)
		go reaper.Run(reaperCtx)
		log.Info().Str("addr", addr).Msg("presence reaper running")
	}

	// Initialize auth manager (token valid for 24 hours). If JWT_KEYS is
	// supplied we parse keys so token rotation is possible; otherwise fall
	// back to the single JWT_SECRET value.
	var jwtMgr *auth.JWTManager
	if jwtKeysEnv != "" {
		keyMap := map[string]string{}
		for _, p := range strings.Split(jwtKeysEnv, ",") {
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				log.Fatal().Str("entry", p).Msg("invalid JWT_KEYS entry")
			}
			keyMap[parts[0]] = parts[1]
		}
		jwtMgr = auth.NewJWTManagerFromKeys(keyMap, jwtActiveKid, 24*time.Hour)
	} else {
		jwtMgr = auth.NewJWTManager(jwtSecret, 24*time.Hour)
	}

	// RATE_LIMIT_RPM controls signin attempts per minute per client IP,
	// with a small burst to allow a couple of quick retries.
	rateRPM := 10
	if v := os.Getenv("RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rateRPM = n
		}
	}
	limiterStore := middleware.NewLimiterStore(rateRPM, 3, 1*time.Minute)
	defer limiterStore.Stop()

	sessOpts := session.Options{}
	if v := os.Getenv("TYPING_IDLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sessOpts.TypingIdle = time.Duration(n) * time.Millisecond
		}
	}

	hub := NewConnectionHub()
	srv := newAPIServer(store, jwtMgr, hub, rdb, sessOpts)

	router := mux.NewRouter()
	srv.routes(router, limiterStore)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server exit")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	hub.Broadcast(Event{Type: evShutdown})

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
