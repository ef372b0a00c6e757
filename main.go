package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/pliu/chatty-rooms/internal/auth"
	"github.com/pliu/chatty-rooms/internal/config"
	"github.com/pliu/chatty-rooms/internal/email"
	"github.com/pliu/chatty-rooms/internal/friends"
	"github.com/pliu/chatty-rooms/internal/handlers"
	"github.com/pliu/chatty-rooms/internal/identity"
	"github.com/pliu/chatty-rooms/internal/logging"
	"github.com/pliu/chatty-rooms/internal/messages"
	"github.com/pliu/chatty-rooms/internal/metrics"
	"github.com/pliu/chatty-rooms/internal/middleware"
	"github.com/pliu/chatty-rooms/internal/rooms"
	"github.com/pliu/chatty-rooms/internal/store/sqlstore"
	"github.com/pliu/chatty-rooms/internal/uploads"
	"github.com/pliu/chatty-rooms/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "Path to YAML/JSON config file (optional)")
	addr       = flag.String("addr", "", "http service address (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("open database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ids := identity.NewService(store, auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL), logger)
	mailer := email.NewSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, logger)
	ids.SetNotifier(mailer, cfg.Chat.DefaultRoom)

	directory := rooms.NewDirectory(store, cfg.Chat.DefaultRoom, logger)
	if _, err := directory.EnsureDefaultRoom(ctx); err != nil {
		logger.Fatal("provision default room", zap.Error(err))
	}

	intake := uploads.New(cfg.Uploads.PublicDir, cfg.Uploads.MaxBytes, logger)
	msgs := messages.NewService(store, intake, logger)

	hub := ws.NewHub(m, logger)
	gateway := ws.NewGateway(hub, ids, msgs, m, logger)
	gateway.SetAllowedOrigins(cfg.CORS.AllowedOrigins)

	authHandler := &handlers.AuthHandler{Identity: ids, Log: logger, SessionTTL: cfg.Auth.TokenTTL}
	chatHandler := &handlers.ChatHandler{
		Identity: ids,
		Rooms:    directory,
		Friends:  friends.NewGraph(store, logger),
		Messages: msgs,
		Uploads:  intake,
		Gateway:  gateway,
		Log:      logger,
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger, m))

	// API Endpoints
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", authHandler.Signup).Methods("POST")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST")

	authed := api.NewRoute().Subrouter()
	authed.Use(middleware.AuthMiddleware(ids))
	authed.HandleFunc("/auth/me", authHandler.Me).Methods("GET")
	authed.HandleFunc("/chat/friends", chatHandler.ListFriends).Methods("GET")
	authed.HandleFunc("/chat/friends", chatHandler.AddFriend).Methods("POST")
	authed.HandleFunc("/chat/friends/accept", chatHandler.AcceptFriend).Methods("POST")
	authed.HandleFunc("/chat/friends/pending", chatHandler.ListPending).Methods("GET")

	chat := api.PathPrefix("/chat").Subrouter()
	chat.Use(middleware.OptionalAuthMiddleware(ids))
	chat.HandleFunc("/rooms", chatHandler.GetRooms).Methods("GET")
	chat.HandleFunc("/rooms", chatHandler.CreateRoom).Methods("POST")
	chat.HandleFunc("/rooms/mine", chatHandler.GetMyRooms).Methods("GET")
	chat.HandleFunc("/rooms/{id}", chatHandler.GetRoom).Methods("GET")
	chat.HandleFunc("/conversation/{userId}", chatHandler.GetConversation).Methods("GET")
	chat.HandleFunc("/user-list", chatHandler.ListUsers).Methods("GET")
	chat.HandleFunc("/messages", chatHandler.GetMessages).Methods("GET")
	chat.HandleFunc("/messages", chatHandler.PostMessage).Methods("POST")
	chat.HandleFunc("/messages/{id}", chatHandler.DeleteMessage).Methods("DELETE")
	chat.HandleFunc("/register", chatHandler.RegisterGuest).Methods("POST")
	chat.HandleFunc("/upload", chatHandler.Upload).Methods("POST")

	// WebSocket Endpoint
	r.HandleFunc("/ws", gateway.ServeWs)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", handlers.Health(store, logger)).Methods("GET")

	// Uploaded attachments, addressed by their stored reference.
	r.PathPrefix("/s/").Handler(http.StripPrefix("/s/", http.FileServer(http.Dir(cfg.Uploads.PublicDir))))

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: c.Handler(r)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}
