package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAddr      = "127.0.0.1:8090"
	defaultStoreKind = "sqlite"
	defaultRetention = 7 * 24 * time.Hour
)

// Config is the process configuration. Quotas, bindings and probes live in
// the YAML file at ConfigPath.
type Config struct {
	ConfigPath   string
	StoreKind    string
	DBPath       string
	RedisAddr    string
	Addr         string
	PollInterval time.Duration
	Retention    time.Duration
	AuthToken    string
	TLSCert      string
	TLSKey       string
	Mock         bool
	Watch        bool

	Keys ProviderKeys
}

// ProviderKeys are the upstream credentials. An empty key leaves the provider
// unwired.
type ProviderKeys struct {
	NewsAPI       string
	GNews         string
	SocialToken   string
	SocialBaseURL string
	OpenAI        string
	OpenAIOrg     string
	OpenAIBaseURL string
}

// loadEnvFile reads a .env file into the environment. Existing variables win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	if err := loadEnvFile(envOrDefault("CADENCE_ENV_FILE", filepath.Join(cwd, ".env"))); err != nil {
		return Config{}, err
	}

	configPath := envOrDefault("CADENCE_CONFIG", filepath.Join(cwd, "cadence.yaml"))
	storeKind := envOrDefault("CADENCE_STORE", defaultStoreKind)
	dbPath := envOrDefault("CADENCE_DB_PATH", filepath.Join(cwd, "cadence.db"))
	redisAddr := os.Getenv("CADENCE_REDIS_ADDR")
	addr := addrFromEnv(defaultAddr)

	var pollInterval time.Duration
	if v := os.Getenv("CADENCE_POLL_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CADENCE_POLL_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CADENCE_POLL_INTERVAL must be positive")
		}
		pollInterval = parsed
	}
	retention := defaultRetention
	if v := os.Getenv("CADENCE_RETENTION"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CADENCE_RETENTION: %w", err)
		}
		retention = parsed
	}

	flagSet := flag.NewFlagSet("cadenced", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagConfig := flagSet.String("config", configPath, "path to quota and probe YAML")
	flagStore := flagSet.String("store", storeKind, "usage store: sqlite|redis|memory")
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagRedis := flagSet.String("redis-addr", redisAddr, "Redis address when store=redis")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagPoll := flagSet.String("poll-interval", durationString(pollInterval), "limit poll interval (overrides the YAML value)")
	flagRetention := flagSet.Duration("retention", retention, "how long daily usage rows are kept (0 keeps everything)")
	flagTLSCert := flagSet.String("tls-cert", os.Getenv("CADENCE_TLS_CERT"), "TLS certificate file")
	flagTLSKey := flagSet.String("tls-key", os.Getenv("CADENCE_TLS_KEY"), "TLS key file")
	flagMock := flagSet.Bool("mock", os.Getenv("CADENCE_MOCK") == "true", "use in-memory mock providers")
	flagWatch := flagSet.Bool("watch", true, "reload the YAML config when it changes")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
		}
		return Config{}, err
	}

	if *flagPoll != "" {
		parsed, err := time.ParseDuration(*flagPoll)
		if err != nil {
			return Config{}, fmt.Errorf("invalid poll interval: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("poll interval must be positive")
		}
		pollInterval = parsed
	}

	config := Config{
		ConfigPath:   resolvePath(*flagConfig, cwd),
		StoreKind:    strings.ToLower(strings.TrimSpace(*flagStore)),
		DBPath:       resolvePath(*flagDB, cwd),
		RedisAddr:    strings.TrimSpace(*flagRedis),
		Addr:         strings.TrimSpace(*flagAddr),
		PollInterval: pollInterval,
		Retention:    *flagRetention,
		AuthToken:    os.Getenv("CADENCE_AUTH_TOKEN"),
		TLSCert:      resolvePath(*flagTLSCert, cwd),
		TLSKey:       resolvePath(*flagTLSKey, cwd),
		Mock:         *flagMock,
		Watch:        *flagWatch,
		Keys: ProviderKeys{
			NewsAPI:       os.Getenv("NEWSAPI_KEY"),
			GNews:         os.Getenv("GNEWS_KEY"),
			SocialToken:   os.Getenv("SOCIAL_TOKEN"),
			SocialBaseURL: os.Getenv("SOCIAL_BASE_URL"),
			OpenAI:        os.Getenv("OPENAI_API_KEY"),
			OpenAIOrg:     os.Getenv("OPENAI_ORG_ID"),
			OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if config.Retention < 0 {
		return Config{}, errors.New("retention cannot be negative")
	}

	switch config.StoreKind {
	case "sqlite":
		if config.DBPath == "" {
			return Config{}, errors.New("store=sqlite requires db")
		}
	case "redis":
		if config.RedisAddr == "" {
			return Config{}, errors.New("store=redis requires redis-addr")
		}
	case "memory":
	default:
		return Config{}, fmt.Errorf("unsupported store: %s", config.StoreKind)
	}

	if (config.TLSCert == "") != (config.TLSKey == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("CADENCE_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("CADENCE_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
