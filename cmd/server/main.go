package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/api"
	"github.com/cinematch/chat-app/internal/catalog"
	"github.com/cinematch/chat-app/internal/chat"
	"github.com/cinematch/chat-app/internal/config"
	"github.com/cinematch/chat-app/internal/hub"
	"github.com/cinematch/chat-app/internal/logging"
	"github.com/cinematch/chat-app/internal/matching"
	"github.com/cinematch/chat-app/internal/messaging"
	"github.com/cinematch/chat-app/internal/notify"
	"github.com/cinematch/chat-app/internal/ratelimit"
	"github.com/cinematch/chat-app/internal/session"
	"github.com/cinematch/chat-app/internal/store"
	"github.com/cinematch/chat-app/internal/store/memstore"
	"github.com/cinematch/chat-app/internal/ws"
)

func main() {
	// A .env file is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logging.For("main")

	ctx := context.Background()

	// --- Store ---
	var st store.Store
	switch cfg.Store {
	case "memory":
		st = memstore.New()
	default:
		if cfg.MigrateOnStart {
			if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
				log.WithError(err).Fatal("migrations failed")
			}
		}
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, 15)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}
		st = pg
	}

	// --- Bus ---
	var bus messaging.Bus
	switch cfg.Bus {
	case "local":
		bus = messaging.NewLocalBus()
	default:
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "moviematch-" + cfg.ServerName
		nc, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		bus = nc
	}

	// --- Redis (optional) ---
	var sessions *session.Store
	if cfg.RedisAddr != "" {
		sessions, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, running without cache, presence mirror and rate limits")
			sessions = nil
		}
	}

	log.WithFields(logrus.Fields{
		"listen_addr": cfg.ListenAddr,
		"server_name": cfg.ServerName,
		"store":       cfg.Store,
		"bus":         cfg.Bus,
		"redis":       sessions != nil,
		"workers":     cfg.WorkerPoolSize,
		"max_conns":   cfg.MaxConnections,
	}).Info("moviematch server starting")

	cat := catalog.New(st, sessions.Client(), cfg.CacheTTL)
	limiter := ratelimit.NewLimiter(sessions.Client())

	var presence notify.Presence
	if sessions != nil {
		presence = sessions
	}
	recon := matching.NewReconciler(st, notify.NewDispatcher(bus, presence, cat), cat)
	rooms := chat.NewManager(st, cat, bus)
	bc := chat.NewBroadcaster(st, rooms, bus, cat)

	// --- WebSocket hub ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	var mirror ws.SessionMirror
	if sessions != nil {
		mirror = sessions
	}
	dispatcher := ws.NewMessageDispatcher(nil)
	wsServer := ws.NewServer(wsConfig, api.HubAuthenticator(), mirror, dispatcher.Dispatch)
	dispatcher.SetServer(wsServer)

	h := hub.New(rooms, bc, bus, limiter)
	h.Attach(wsServer, dispatcher)
	if err := wsServer.Start(); err != nil {
		log.WithError(err).Fatal("failed to start hub")
	}

	apiServer := api.New(api.Deps{
		Reconciler:  recon,
		Rooms:       rooms,
		Broadcaster: bc,
		Users:       cat,
		Movies:      cat,
		Limiter:     limiter,
		Hub:         wsServer,
		Stats:       wsServer.Stats,
		JWTSecret:   cfg.JWTSecret,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("initiating graceful shutdown")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown error")
	}
	if err := wsServer.Shutdown(); err != nil {
		log.WithError(err).Warn("hub shutdown error")
	}
	h.Close()
	bus.Close()
	if err := sessions.Close(); err != nil {
		log.WithError(err).Warn("session store close error")
	}
	if err := st.Close(); err != nil {
		log.WithError(err).Warn("store close error")
	}
	log.Info("shutdown complete")
}
