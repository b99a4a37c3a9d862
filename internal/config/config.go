// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every flag name to form its environment variable.
const EnvPrefix = "WIKI"

// Config holds every tunable of the lobby server.
type Config struct {
	Bind string
	Port int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SweepInterval     time.Duration
	SessionTimeout    time.Duration
	CoalesceWindow    time.Duration
	WriteTimeout      time.Duration

	ChatHistory int
	SendBuffer  int
	RateLimit   float64
	RateBurst   int

	LogLevel  string
	LogFormat string

	AllowedOrigins []string
	PublicURL      string
	RedisAddr      string
	DatabaseURL    string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Bind:              "0.0.0.0",
		Port:              8080,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		SweepInterval:     5 * time.Second,
		SessionTimeout:    60 * time.Minute,
		CoalesceWindow:    3 * time.Second,
		WriteTimeout:      5 * time.Second,
		ChatHistory:       256,
		SendBuffer:        64,
		RateLimit:         20,
		RateBurst:         40,
		LogLevel:          "info",
		LogFormat:         "text",
		AllowedOrigins:    []string{"*"},
	}
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var problems []error
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port))
	}
	for name, d := range map[string]time.Duration{
		"heartbeat-interval": c.HeartbeatInterval,
		"heartbeat-timeout":  c.HeartbeatTimeout,
		"sweep-interval":     c.SweepInterval,
		"session-timeout":    c.SessionTimeout,
		"coalesce-window":    c.CoalesceWindow,
		"write-timeout":      c.WriteTimeout,
	} {
		if d <= 0 {
			problems = append(problems, fmt.Errorf("--%s must be positive: %s", name, d))
		}
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		problems = append(problems, fmt.Errorf("--heartbeat-timeout (%s) must exceed --heartbeat-interval (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval))
	}
	if c.ChatHistory < 1 {
		problems = append(problems, fmt.Errorf("--chat-history must be positive: %d", c.ChatHistory))
	}
	if c.SendBuffer < 1 {
		problems = append(problems, fmt.Errorf("--send-buffer must be positive: %d", c.SendBuffer))
	}
	if c.RateLimit < 0 {
		problems = append(problems, fmt.Errorf("--rate-limit must not be negative: %g", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		problems = append(problems, fmt.Errorf("--rate-burst must be positive when limiting: %d", c.RateBurst))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Errorf("--log-level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Errorf("--log-format must be text or json: %q", c.LogFormat))
	}
	return errors.Join(problems...)
}

// RegisterFlags declares one flag per field, defaulting to the current values of c.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&c.Bind, "bind", "b", c.Bind, "address to bind to (env: WIKI_BIND)")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "port to listen on (env: WIKI_PORT)")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "time between pings to an idle connection (env: WIKI_HEARTBEAT_INTERVAL)")
	fs.DurationVar(&c.HeartbeatTimeout, "heartbeat-timeout", c.HeartbeatTimeout, "time without any frame before a connection is dropped (env: WIKI_HEARTBEAT_TIMEOUT)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "time between liveness sweeps (env: WIKI_SWEEP_INTERVAL)")
	fs.DurationVar(&c.SessionTimeout, "session-timeout", c.SessionTimeout, "time before idle sessions are closed (env: WIKI_SESSION_TIMEOUT)")
	fs.DurationVar(&c.CoalesceWindow, "coalesce-window", c.CoalesceWindow, "grace period in which a leave after a join is ignored (env: WIKI_COALESCE_WINDOW)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "deadline of a single websocket write (env: WIKI_WRITE_TIMEOUT)")
	fs.IntVar(&c.ChatHistory, "chat-history", c.ChatHistory, "chat message ids remembered per session for dedup (env: WIKI_CHAT_HISTORY)")
	fs.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "outbound messages queued per connection (env: WIKI_SEND_BUFFER)")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "inbound messages per second per connection, 0 disables (env: WIKI_RATE_LIMIT)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "inbound burst per connection (env: WIKI_RATE_BURST)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "logrus level (env: WIKI_LOG_LEVEL)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json (env: WIKI_LOG_FORMAT)")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "websocket origin patterns (env: WIKI_ALLOWED_ORIGINS)")
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "base URL encoded in session QR codes (env: WIKI_PUBLIC_URL)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for moderation records, empty keeps them in memory (env: WIKI_REDIS_ADDR)")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "postgres URL for player identities, empty keeps them in memory (env: WIKI_DATABASE_URL)")
}

// ApplyEnv fills every flag the user did not set from WIKI_* variables,
// after loading a .env file if one exists.
func ApplyEnv(fs *pflag.FlagSet) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var setErr error
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		val := v.GetString(f.Name)
		if f.Value.Type() == "stringSlice" {
			val = strings.Join(v.GetStringSlice(f.Name), ",")
		}
		if err := fs.Set(f.Name, val); err != nil && setErr == nil {
			setErr = fmt.Errorf("env %s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err)
		}
	})
	return setErr
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
