package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"e2ee-chat/internal/authz"
	"e2ee-chat/internal/config"
	"e2ee-chat/internal/observability/logging"
	"e2ee-chat/internal/observability/metrics"
	"e2ee-chat/internal/observability/middleware"
	"e2ee-chat/internal/registry"
	"e2ee-chat/internal/service"
	"e2ee-chat/internal/store"
	transport "e2ee-chat/internal/transport/http"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "chat",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("chat")

	logger.Info("starting service")

	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	var authn authz.Authenticator
	if cfg.SigningKey != "" {
		logger.Info("using HS256 shared-secret credential validation")
		authn = authz.NewHMACAuthenticator(cfg.SigningKey, cfg.Issuer, cfg.Audience)
	} else {
		logger.Info("using JWKS credential validation", "jwks_url", cfg.JWKSURL)
		jwksAuthn, err := authz.NewJWKSAuthenticator(context.Background(), cfg.JWKSURL, cfg.Issuer)
		if err != nil {
			logger.Error("init jwks authenticator", "error", err)
			os.Exit(1)
		}
		authn = jwksAuthn
	}

	reg := registry.New()
	router := service.NewRouter(reg)
	fanout := service.NewFanout(st, reg, router)
	presence := service.NewPresence(reg)

	mux := transport.NewRouter(transport.Options{
		Store:          st,
		Authenticator:  authn,
		Fanout:         fanout,
		Router:         router,
		Presence:       presence,
		CORSOrigins:    splitOrigins(cfg.CORSOrigins),
		RateLimitRPM:   cfg.RateLimitRPM,
		HistoryPageMax: cfg.HistoryPageMax,
		WSWriteTimeout: cfg.WSWriteTimeout,
	})

	handler := middleware.WithRequestAndTrace(middleware.WithMetrics(mux))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("chat service listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func splitOrigins(in string) []string {
	var out []string
	for _, o := range strings.Split(in, ",") {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	return out
}
