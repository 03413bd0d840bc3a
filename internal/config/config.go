package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port      string
		GRPCPort  string
		LogLevel  string
		LogFormat string
	}
	Gateway struct {
		URL               string
		HeartbeatInterval time.Duration
		HeartbeatTimeout  time.Duration
		MaxAttempts       int
		DialTimeout       time.Duration
		WriteTimeout      time.Duration
		RefreshTimeout    time.Duration
		// Backoff overrides the reconnect delay table; empty keeps the default.
		Backoff []time.Duration
	}
	Session struct {
		ID          string
		UserID      string
		DisplayName string
		Role        string
		Character   string
		ForceTake   bool
	}
	Auth struct {
		Token      string
		Secret     string
		RefreshURL string
		TokenTTL   time.Duration
	}
	Store struct {
		Backend       string
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		RedisPrefix   string
		PostgresDSN   string
	}
	Floor struct {
		Inactivity   time.Duration
		PollInterval time.Duration
		ReleaseGrace time.Duration
	}
	Audio struct {
		Dir         string
		ContentType string
	}
	// Sim configures cmd/gatewaysim.
	Sim struct {
		Port      string
		Reply     string
		TokenSkew time.Duration
	}
}

// Load reads defaults, an optional YAML file named by CONFIG_FILE, and
// environment variables, in increasing priority.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")

	v.SetDefault("gateway.url", "ws://localhost:8080/voice")
	v.SetDefault("gateway.heartbeat_interval", "30s")
	v.SetDefault("gateway.heartbeat_timeout", "5s")
	v.SetDefault("gateway.max_attempts", 10)
	v.SetDefault("gateway.dial_timeout", "10s")
	v.SetDefault("gateway.write_timeout", "5s")
	v.SetDefault("gateway.refresh_timeout", "10s")

	v.SetDefault("session.role", "participant")
	v.SetDefault("session.character", "patient")

	v.SetDefault("auth.token_ttl", "1h")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "cardiosim:")

	v.SetDefault("floor.inactivity", "60s")
	v.SetDefault("floor.poll_interval", "5s")
	v.SetDefault("floor.release_grace", "2s")

	v.SetDefault("audio.content_type", "audio/webm")

	v.SetDefault("sim.port", 8080)
	v.SetDefault("sim.token_skew", "30s")

	// Map envs
	v.BindEnv("config_file", "CONFIG_FILE")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.grpc_port", "GRPC_PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.log_format", "LOG_FORMAT")

	v.BindEnv("gateway.url", "VOICE_GATEWAY_URL")
	v.BindEnv("gateway.heartbeat_interval", "VOICE_HEARTBEAT_INTERVAL")
	v.BindEnv("gateway.heartbeat_timeout", "VOICE_HEARTBEAT_TIMEOUT")
	v.BindEnv("gateway.max_attempts", "VOICE_MAX_RECONNECT_ATTEMPTS")
	v.BindEnv("gateway.dial_timeout", "VOICE_DIAL_TIMEOUT")
	v.BindEnv("gateway.write_timeout", "VOICE_WRITE_TIMEOUT")
	v.BindEnv("gateway.refresh_timeout", "VOICE_TOKEN_REFRESH_TIMEOUT")
	v.BindEnv("gateway.backoff", "VOICE_RECONNECT_BACKOFF")

	v.BindEnv("session.id", "VOICE_SESSION_ID")
	v.BindEnv("session.user_id", "VOICE_USER_ID")
	v.BindEnv("session.display_name", "VOICE_DISPLAY_NAME")
	v.BindEnv("session.role", "VOICE_ROLE")
	v.BindEnv("session.character", "VOICE_CHARACTER")
	v.BindEnv("session.force_take", "VOICE_FORCE_TAKE")

	v.BindEnv("auth.token", "VOICE_AUTH_TOKEN")
	v.BindEnv("auth.secret", "VOICE_TOKEN_SECRET")
	v.BindEnv("auth.refresh_url", "VOICE_TOKEN_URL")
	v.BindEnv("auth.token_ttl", "VOICE_TOKEN_TTL")

	v.BindEnv("store.backend", "FLOOR_STORE")
	v.BindEnv("store.redis_addr", "REDIS_ADDR")
	v.BindEnv("store.redis_password", "REDIS_PASSWORD")
	v.BindEnv("store.redis_db", "REDIS_DB")
	v.BindEnv("store.redis_prefix", "REDIS_PREFIX")
	v.BindEnv("store.postgres_dsn", "DATABASE_URL")

	v.BindEnv("floor.inactivity", "FLOOR_INACTIVITY")
	v.BindEnv("floor.poll_interval", "FLOOR_POLL_INTERVAL")
	v.BindEnv("floor.release_grace", "FLOOR_RELEASE_GRACE")

	v.BindEnv("audio.dir", "AUDIO_DIR")
	v.BindEnv("audio.content_type", "AUDIO_CONTENT_TYPE")

	v.BindEnv("sim.port", "GATEWAYSIM_PORT")
	v.BindEnv("sim.reply", "GATEWAYSIM_REPLY")
	v.BindEnv("sim.token_skew", "VOICE_TOKEN_SKEW")

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.GRPCPort = toString(v.Get("server.grpc_port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogFormat = v.GetString("server.log_format")

	c.Gateway.URL = v.GetString("gateway.url")
	c.Gateway.HeartbeatInterval = v.GetDuration("gateway.heartbeat_interval")
	c.Gateway.HeartbeatTimeout = v.GetDuration("gateway.heartbeat_timeout")
	c.Gateway.MaxAttempts = v.GetInt("gateway.max_attempts")
	c.Gateway.DialTimeout = v.GetDuration("gateway.dial_timeout")
	c.Gateway.WriteTimeout = v.GetDuration("gateway.write_timeout")
	c.Gateway.RefreshTimeout = v.GetDuration("gateway.refresh_timeout")
	backoff, err := parseBackoff(v.Get("gateway.backoff"))
	if err != nil {
		return Config{}, err
	}
	c.Gateway.Backoff = backoff

	c.Session.ID = v.GetString("session.id")
	c.Session.UserID = v.GetString("session.user_id")
	c.Session.DisplayName = v.GetString("session.display_name")
	c.Session.Role = v.GetString("session.role")
	c.Session.Character = v.GetString("session.character")
	c.Session.ForceTake = v.GetBool("session.force_take")

	c.Auth.Token = v.GetString("auth.token")
	c.Auth.Secret = v.GetString("auth.secret")
	c.Auth.RefreshURL = v.GetString("auth.refresh_url")
	c.Auth.TokenTTL = v.GetDuration("auth.token_ttl")

	c.Store.Backend = strings.ToLower(v.GetString("store.backend"))
	c.Store.RedisAddr = v.GetString("store.redis_addr")
	c.Store.RedisPassword = v.GetString("store.redis_password")
	c.Store.RedisDB = v.GetInt("store.redis_db")
	c.Store.RedisPrefix = v.GetString("store.redis_prefix")
	c.Store.PostgresDSN = v.GetString("store.postgres_dsn")

	c.Floor.Inactivity = v.GetDuration("floor.inactivity")
	c.Floor.PollInterval = v.GetDuration("floor.poll_interval")
	c.Floor.ReleaseGrace = v.GetDuration("floor.release_grace")

	c.Audio.Dir = v.GetString("audio.dir")
	c.Audio.ContentType = v.GetString("audio.content_type")

	c.Sim.Port = toString(v.Get("sim.port"))
	c.Sim.Reply = v.GetString("sim.reply")
	c.Sim.TokenSkew = v.GetDuration("sim.token_skew")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	log.Info().Str("module", "config").Str("gateway", c.Gateway.URL).Str("store", c.Store.Backend).Str("session", c.Session.ID).Msg("config loaded")
	return c, nil
}

// Validate rejects combinations the client cannot run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Session.Role {
	case "presenter", "participant":
	default:
		return fmt.Errorf("unknown role %q", c.Session.Role)
	}
	return nil
}

func toString(v any) string { return fmt.Sprint(v) }

// parseBackoff accepts "1s,2s,4s" from the environment or a YAML list.
func parseBackoff(raw any) ([]time.Duration, error) {
	var parts []string
	switch x := raw.(type) {
	case nil:
		return nil, nil
	case string:
		parts = strings.Split(x, ",")
	case []any:
		for _, p := range x {
			parts = append(parts, fmt.Sprint(p))
		}
	case []string:
		parts = x
	default:
		return nil, fmt.Errorf("gateway.backoff: unsupported value %v", raw)
	}
	var out []time.Duration
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("gateway.backoff: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("gateway.backoff: delay %s must be positive", p)
		}
		out = append(out, d)
	}
	return out, nil
}
