package main

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cardiosim/voice/internal/api"
	"cardiosim/voice/internal/audio"
	"cardiosim/voice/internal/auth"
	"cardiosim/voice/internal/config"
	"cardiosim/voice/internal/events"
	"cardiosim/voice/internal/floor"
	"cardiosim/voice/internal/gateway"
	"cardiosim/voice/internal/health"
	"cardiosim/voice/internal/participant"
	"cardiosim/voice/internal/store"
	"cardiosim/voice/internal/types"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	setupLogging(cfg)

	if cfg.Session.ID == "" || cfg.Session.UserID == "" {
		log.Fatal().Msg("VOICE_SESSION_ID and VOICE_USER_ID are required")
	}
	id := types.SessionIdentity{
		SessionID:   cfg.Session.ID,
		UserID:      cfg.Session.UserID,
		DisplayName: cfg.Session.DisplayName,
		Role:        types.Role(cfg.Session.Role),
		AuthToken:   cfg.Auth.Token,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, pinger, closeStore := openStore(rootCtx, cfg)
	defer closeStore()

	client := gateway.New(gateway.Options{
		URL:               cfg.Gateway.URL,
		Dialer:            gateway.WSDialer{},
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Gateway.HeartbeatTimeout,
		Backoff:           cfg.Gateway.Backoff,
		MaxAttempts:       cfg.Gateway.MaxAttempts,
		DialTimeout:       cfg.Gateway.DialTimeout,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		RefreshTimeout:    cfg.Gateway.RefreshTimeout,
		RefreshToken:      refresher(cfg, id),
	})

	audioDir := cfg.Audio.Dir
	if audioDir == "" {
		audioDir = os.TempDir()
	}
	journal := events.NewStore()
	sess := participant.New(participant.Config{
		Identity:     id,
		Character:    cfg.Session.Character,
		ContentType:  cfg.Audio.ContentType,
		ReleaseGrace: cfg.Floor.ReleaseGrace,
		ForceTake:    cfg.Session.ForceTake,
	}, participant.Deps{
		Gateway: client,
		Floor: floor.New(st, cfg.Session.ID, floor.Options{
			Inactivity:   cfg.Floor.Inactivity,
			PollInterval: cfg.Floor.PollInterval,
		}),
		Codec:   audio.NewCodec(base64.StdEncoding, audio.FileSink{Dir: audioDir}),
		Journal: journal,
	})
	sess.OnPatientAudio(func(r audio.Resource) {
		if f, ok := r.(*audio.File); ok {
			log.Info().Str("module", "main").Str("path", f.Path()).Msg("patient reply ready")
		}
	})

	// gRPC health mirrors the gateway connection
	gs := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reporter := health.NewReporter(hs, health.ServiceName)
	client.OnStatus(reporter.Observe)
	go func() {
		l, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			log.Error().Err(err).Str("module", "main").Msg("grpc listen")
			return
		}
		if err := gs.Serve(l); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("grpc serve")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(api.NewHandlers(sess, journal, pinger)))
	mux.Handle("/metrics", promhttp.Handler())
	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("module", "main").Str("addr", addr).Msg("control api starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("module", "main").Msg("server error")
			stop()
		}
	}()

	// a failed first dial is retried by the client itself
	if err := sess.Start(rootCtx); err != nil {
		log.Warn().Err(err).Str("module", "main").Msg("initial connect failed")
	}

	<-rootCtx.Done()
	log.Info().Str("module", "main").Msg("shutdown signal received; stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess.Close(ctx)
	reporter.Shutdown()
	_ = srv.Shutdown(ctx)
	gs.GracefulStop()
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Server.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Server.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func refresher(cfg config.Config, id types.SessionIdentity) gateway.TokenRefresher {
	switch {
	case cfg.Auth.RefreshURL != "":
		return auth.HTTPRefresher{URL: cfg.Auth.RefreshURL}.Refresh
	case cfg.Auth.Secret != "":
		return auth.SigningRefresher{Secret: cfg.Auth.Secret, Identity: id, TTL: cfg.Auth.TokenTTL}.Refresh
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.CompareAndSetStore, health.Pinger, func()) {
	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		r := store.NewRedis(rdb, cfg.Store.RedisPrefix)
		if err := r.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Store.RedisAddr).Msg("redis unreachable")
		}
		return r, r, func() { _ = rdb.Close() }
	case "postgres":
		p, err := store.NewPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres")
		}
		if err := p.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres schema")
		}
		return p, p, p.Close
	}
	log.Warn().Str("module", "main").Msg("using in-memory floor store; floor is not shared across processes")
	return store.NewMemory(), nil, func() {}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("module", "api").Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}
