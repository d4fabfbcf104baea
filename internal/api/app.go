package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dealroom/internal/config"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/identity"
	"github.com/npezzotti/go-dealroom/internal/invite"
	"github.com/npezzotti/go-dealroom/internal/presence"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/token"
)

// Services are the domain components behind the HTTP surface.
type Services struct {
	Codec    *token.Codec
	Identity *identity.Manager
	Invites  *invite.Service
	Hub      *presence.Hub
}

type RoomApp struct {
	log        *log.Logger
	db         database.Repository
	codec      *token.Codec
	ids        *identity.Manager
	invites    *invite.Service
	hub        *presence.Hub
	stats      stats.StatsProvider
	srv        *http.Server
	cfg        *config.Config
	signingKey []byte
	upgrader   websocket.Upgrader
}

func NewRoomApp(mux *http.ServeMux, logger *log.Logger, db database.Repository, svc Services, sp stats.StatsProvider, cfg *config.Config) *RoomApp {
	s := &RoomApp{
		log:        logger,
		db:         db,
		codec:      svc.Codec,
		ids:        svc.Identity,
		invites:    svc.Invites,
		hub:        svc.Hub,
		stats:      sp,
		cfg:        cfg,
		signingKey: cfg.SigningKey,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(cfg.AllowedOrigins, origin)
		},
	}

	mux.HandleFunc("GET /healthz", s.healthz)

	mux.HandleFunc("POST /api/rooms", s.moderatorMiddleware(s.createRoom))
	mux.HandleFunc("GET /api/rooms/{rid}", s.noCache(s.getRoom))
	mux.HandleFunc("POST /api/rooms/{rid}/links", s.moderatorMiddleware(s.createLink))
	mux.HandleFunc("POST /api/rooms/{rid}/reset", s.moderatorMiddleware(s.resetRoom))
	mux.HandleFunc("POST /api/rooms/{rid}/switch", s.noCache(s.switchRole))
	mux.HandleFunc("POST /api/rooms/{rid}/leave", s.noCache(s.leaveRoom))
	mux.HandleFunc("POST /api/rooms/{rid}/invitations", s.noCache(s.createInvitation))

	mux.HandleFunc("GET /api/join/{token}", s.noCache(s.previewJoin))
	mux.HandleFunc("POST /api/join/{token}", s.noCache(s.joinRoom))

	mux.HandleFunc("GET /api/invite/{token}", s.noCache(s.getInvitation))
	mux.HandleFunc("POST /api/invite/{token}/redeem", s.noCache(s.redeemInvitation))
	mux.HandleFunc("DELETE /api/invite/{token}", s.noCache(s.deleteInvitation))

	mux.HandleFunc("POST /api/sessions/migrate", s.noCache(s.migrateSessions))
	mux.HandleFunc("POST /api/moderator/cleanup", s.moderatorMiddleware(s.cleanupSessions))

	mux.HandleFunc("GET /ws/presence", s.servePresence)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", requestIdHeader}),
		handlers.ExposedHeaders([]string{requestIdHeader, "Retry-After"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = s.requestId(h)
	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = handlers.ProxyHeaders(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *RoomApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RoomApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *RoomApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
