package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/retry"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	SequenceStore  = "store"
	SequenceMemory = "memory"
	SequenceRedis  = "redis"
)

type Config struct {
	Port               string
	DatabaseURL        string
	RedisAddr          string
	AMQPURL            string
	AMQPExchange       string
	Timezone           string
	SequenceBackend    string
	RetryMaxAttempts   int
	RetryInitial       time.Duration
	LapseGrace         time.Duration
	LapseInterval      time.Duration
	RecoveryInterval   time.Duration
	RecoveryGrace      time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	APITokens          string
	Directory          string
	LogLevel           string
	LogDev             bool
	Migrate            bool
}

// Load reads the optional env file named by --env-file, then the
// environment, then the remaining flags.
func Load(args []string) (Config, error) {
	flags := pflag.NewFlagSet("dispatch-service", pflag.ContinueOnError)
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	port := flags.String("port", "", "listen port (overrides PORT)")
	migrate := flags.Bool("migrate", false, "apply the database schema on startup")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", *envFile, err)
		}
	}

	cfg := Config{
		Port:               readString("PORT", "8080"),
		DatabaseURL:        os.Getenv("DB_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       readString("AMQP_EXCHANGE", "qms.events"),
		Timezone:           os.Getenv("TIMEZONE"),
		SequenceBackend:    readString("SEQUENCE_BACKEND", SequenceStore),
		RetryMaxAttempts:   readInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitial:       time.Duration(readInt("RETRY_INITIAL_MS", 10)) * time.Millisecond,
		LapseGrace:         readDurationSeconds("LAPSE_GRACE_SECONDS", 0),
		LapseInterval:      readDurationSeconds("LAPSE_SCAN_INTERVAL_SECONDS", 30),
		RecoveryInterval:   readDurationSeconds("RECOVERY_INTERVAL_SECONDS", 60),
		RecoveryGrace:      readDurationSeconds("RECOVERY_GRACE_SECONDS", 30),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		APITokens:          os.Getenv("API_TOKENS"),
		Directory:          os.Getenv("DIRECTORY"),
		LogLevel:           readString("LOG_LEVEL", "info"),
		LogDev:             readBool("LOG_DEV", false),
		Migrate:            readBool("MIGRATE", false),
	}
	if *port != "" {
		cfg.Port = *port
	}
	if flags.Changed("migrate") {
		cfg.Migrate = *migrate
	}

	switch cfg.SequenceBackend {
	case SequenceStore, SequenceMemory, SequenceRedis:
	default:
		return Config{}, fmt.Errorf("unknown SEQUENCE_BACKEND %q", cfg.SequenceBackend)
	}
	if cfg.SequenceBackend == SequenceRedis && cfg.RedisAddr == "" {
		return Config{}, errors.New("SEQUENCE_BACKEND=redis requires REDIS_ADDR")
	}
	return cfg, nil
}

// Location resolves TIMEZONE; empty means the server's local zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.RetryMaxAttempts,
		InitialInterval: c.RetryInitial,
		MaxInterval:     20 * c.RetryInitial,
	}
}

// ParseDirectory reads the DIRECTORY value used to load services and
// counters at startup: "CODE:Name:counter1|counter2" entries separated by
// commas. The service id is the lower-cased code.
func ParseDirectory(raw string) ([]models.Service, []models.Counter, error) {
	var services []models.Service
	var counters []models.Counter
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, nil, fmt.Errorf("invalid directory entry %q", entry)
		}
		code := strings.TrimSpace(parts[0])
		service := models.Service{
			ServiceID: strings.ToLower(code),
			Code:      code,
			Name:      strings.TrimSpace(parts[1]),
		}
		services = append(services, service)
		if len(parts) < 3 {
			continue
		}
		for _, counterID := range strings.Split(parts[2], "|") {
			counterID = strings.TrimSpace(counterID)
			if counterID == "" {
				continue
			}
			counters = append(counters, models.Counter{CounterID: counterID, ServiceID: service.ServiceID, Name: counterID})
		}
	}
	return services, counters, nil
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
