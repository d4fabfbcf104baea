package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-dealroom/internal/api"
	"github.com/npezzotti/go-dealroom/internal/config"
	"github.com/npezzotti/go-dealroom/internal/crypter"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/identity"
	"github.com/npezzotti/go-dealroom/internal/invite"
	"github.com/npezzotti/go-dealroom/internal/presence"
	"github.com/npezzotti/go-dealroom/internal/ratelimit"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/token"
	"github.com/redis/go-redis/v9"
)

const cleanupInterval = 10 * time.Minute

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr                string
	dsn                 string
	signingKey          string
	baseURL             string
	redisAddr           string
	secureCookies       bool
	accessTokenTTL      time.Duration
	roomIDTTL           time.Duration
	invitationTTL       time.Duration
	inactivityTimeout   time.Duration
	printModeratorToken bool
	allowedOrigins      stringSliceFlag
)

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}

func main() {
	// a missing .env is fine, the environment and flags still apply
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", env("DEALROOM_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", env("DEALROOM_DSN", config.MemoryDSN), "database connection string, or memory:// for an in-process store")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("DEALROOM_SECRET"), "base64 encoded shared secret")
	flag.StringVar(&baseURL, "base-url", env("DEALROOM_BASE_URL", "http://localhost:8000"), "public URL used to build links")
	flag.StringVar(&redisAddr, "redis-addr", os.Getenv("DEALROOM_REDIS_ADDR"), "redis address for pin attempt throttling (optional)")
	flag.BoolVar(&secureCookies, "secure-cookies", envBool("DEALROOM_SECURE_COOKIES", false), "mark cookies Secure")
	flag.DurationVar(&accessTokenTTL, "access-token-ttl", envDuration("DEALROOM_ACCESS_TOKEN_TTL", token.DefaultTTL), "lifetime of room access links")
	flag.DurationVar(&roomIDTTL, "room-id-ttl", envDuration("DEALROOM_ROOM_ID_TTL", token.DefaultRoomIDTTL), "lifetime of opaque room ids")
	flag.DurationVar(&invitationTTL, "invitation-ttl", envDuration("DEALROOM_INVITATION_TTL", invite.DefaultTTL), "default invitation lifetime")
	flag.DurationVar(&inactivityTimeout, "inactivity-timeout", envDuration("DEALROOM_INACTIVITY_TIMEOUT", identity.InactivityThreshold), "idle time before a session is marked offline")
	flag.BoolVar(&printModeratorToken, "print-moderator-token", false, "print a moderator bearer token and exit")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := os.Getenv("DEALROOM_ALLOWED_ORIGINS"); v != "" {
			allowedOrigins.Set(v)
		}
	}

	logger := log.New(os.Stderr, "[dealroom] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins,
		config.WithBaseURL(baseURL),
		config.WithRedisAddr(redisAddr),
		config.WithSecureCookies(secureCookies),
		config.WithAccessTokenTTL(accessTokenTTL),
		config.WithRoomIDTTL(roomIDTTL),
		config.WithInvitationTTL(invitationTTL),
		config.WithInactivityTimeout(inactivityTimeout),
	)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	if printModeratorToken {
		tok, err := api.CreateModeratorToken(cfg.SigningKey, api.DefaultModeratorTokenExp)
		if err != nil {
			logger.Fatal("moderator token: ", err)
		}
		fmt.Println(tok)
		return
	}

	repo, err := openRepository(cfg, logger)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	keys, err := crypter.NewKeyring(cfg.SigningKey)
	if err != nil {
		logger.Fatal("keyring: ", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	inviteOpts := []invite.Option{
		invite.WithTTL(cfg.InvitationTTL),
		invite.WithBcryptCost(cfg.BcryptCost),
		invite.WithBaseURL(cfg.BaseURL),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		inviteOpts = append(inviteOpts, invite.WithLimiter(ratelimit.NewRedisLimiter(rdb, ratelimit.DefaultConfig())))
		logger.Printf("throttling pin attempts through redis at %s", cfg.RedisAddr)
	}

	ids := identity.NewManager(repo, keys, logger, statsUpdater,
		identity.WithInactivityThreshold(cfg.InactivityTimeout))
	hub := presence.NewHub(logger, ids, statsUpdater)

	srv := api.NewRoomApp(mux, logger, repo, api.Services{
		Codec:    token.NewCodec(keys, token.WithTTL(cfg.AccessTokenTTL), token.WithRoomIDTTL(cfg.RoomIDTTL)),
		Identity: ids,
		Invites:  invite.NewService(repo, keys, logger, statsUpdater, inviteOpts...),
		Hub:      hub,
	}, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweepSessions(ctx, ids, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	cancel()

	shutDownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutdownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down presence hub...")
	hub.Shutdown()

	logger.Println("shutdown complete")
}

func openRepository(cfg *config.Config, logger *log.Logger) (database.Repository, error) {
	if cfg.UseMemoryStore() {
		logger.Println("using in-memory store, data is lost on restart")
		return database.NewMemoryRepository(), nil
	}

	repo, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// sweepSessions marks sessions offline once they pass the inactivity
// threshold.
func sweepSessions(ctx context.Context, ids *identity.Manager, logger *log.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ids.CleanupExpiredSessions(ctx)
			if err != nil {
				logger.Println("session cleanup:", err)
				continue
			}
			if n > 0 {
				logger.Printf("session cleanup: %d sessions marked offline", n)
			}
		}
	}
}
