package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cardiosim/voice/internal/config"
	"cardiosim/voice/internal/events"
	"cardiosim/voice/internal/gatewaysim"
)

// gatewaysim serves a scripted voice gateway on /voice so the client can be
// run without the real backend.
func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	journal := events.NewStore()
	sim := gatewaysim.NewServer(gatewaysim.Config{
		Secret: cfg.Auth.Secret,
		Skew:   cfg.Sim.TokenSkew,
		Reply:  cfg.Sim.Reply,
	}, gatewaysim.NewRegistry(), journal)
	if cfg.Auth.Secret == "" {
		log.Warn().Str("module", "gatewaysim").Msg("VOICE_TOKEN_SECRET not set; accepting every join")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/voice", sim.HandleWS)
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("session_id")
		if id == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(journal.List(id))
	})

	addr := ":" + cfg.Sim.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info().Str("module", "gatewaysim").Msg("shutdown signal received; stopping")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info().Str("module", "gatewaysim").Str("addr", addr).Msg("simulated gateway listening on /voice")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
}
