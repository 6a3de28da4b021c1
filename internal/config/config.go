package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP         HTTPConfig
	Storage      StorageConfig
	FX           FXConfig
	Wallet       WalletConfig
	Orchestrator OrchestratorConfig
	Daraja       DarajaConfig
	Airtel       DarajaConfig
	Card         CardConfig
	Logging      LoggingConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	AllowedOriginsCSV string
}

// StorageConfig locates the embedded database holding the transaction log
// and the offline queue.
type StorageConfig struct {
	Path string
}

// FXConfig feeds the static rate source.
type FXConfig struct {
	RatesCSV string
	QuoteTTL time.Duration
}

// WalletConfig seeds the traveler's balance projection.
type WalletConfig struct {
	HomeCurrency   string
	OpeningBalance string
}

// OrchestratorConfig tunes settlement behaviour.
type OrchestratorConfig struct {
	PollTimeout  time.Duration
	RetryBackoff time.Duration
	StartOnline  bool
}

// DarajaConfig describes one STK-push mobile-money provider.
type DarajaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// CardConfig describes the card-network provider.
type CardConfig struct {
	ClientID     string
	ClientSecret string
	APIBase      string
	ReturnURL    string
	CancelURL    string
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 90 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultLoggingLevel    = "info"
	defaultLoggingFormat   = "text"
	defaultStoragePath     = "fotipay.db"
	defaultRates           = "USD/KES=129.50,EUR/KES=140.10,GBP/KES=163.25"
	defaultQuoteTTL        = 5 * time.Minute
	defaultHomeCurrency    = "USD"
	defaultOpeningBalance  = "842.50"
	defaultPollTimeout     = 60 * time.Second
	defaultRetryBackoff    = 2 * time.Second
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Host:              valueOrDefault("SERVER_HOST", defaultHost),
			ReadTimeout:       defaultReadTimeout,
			WriteTimeout:      defaultWriteTimeout,
			IdleTimeout:       defaultIdleTimeout,
			ShutdownTimeout:   defaultShutdownTimeout,
			AllowedOriginsCSV: os.Getenv("SERVER_ALLOWED_ORIGINS"),
		},
		Storage: StorageConfig{
			Path: valueOrDefault("STORAGE_PATH", defaultStoragePath),
		},
		FX: FXConfig{
			RatesCSV: valueOrDefault("FX_RATES", defaultRates),
			QuoteTTL: defaultQuoteTTL,
		},
		Wallet: WalletConfig{
			HomeCurrency:   valueOrDefault("WALLET_HOME_CURRENCY", defaultHomeCurrency),
			OpeningBalance: valueOrDefault("WALLET_OPENING_BALANCE", defaultOpeningBalance),
		},
		Orchestrator: OrchestratorConfig{
			PollTimeout:  defaultPollTimeout,
			RetryBackoff: defaultRetryBackoff,
			StartOnline:  parseBoolWithDefault("CONNECTIVITY_START_ONLINE", true),
		},
		Daraja: DarajaConfig{
			BaseURL:        valueOrDefault("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:    os.Getenv("DARAJA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("DARAJA_CONSUMER_SECRET"),
			ShortCode:      valueOrDefault("DARAJA_SHORT_CODE", "174379"),
			Passkey:        os.Getenv("DARAJA_PASSKEY"),
			CallbackURL:    os.Getenv("DARAJA_CALLBACK_URL"),
		},
		Airtel: DarajaConfig{
			BaseURL:        valueOrDefault("AIRTEL_BASE_URL", "https://openapiuat.airtel.africa"),
			ConsumerKey:    os.Getenv("AIRTEL_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("AIRTEL_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("AIRTEL_SHORT_CODE"),
			Passkey:        os.Getenv("AIRTEL_PASSKEY"),
			CallbackURL:    os.Getenv("AIRTEL_CALLBACK_URL"),
		},
		Card: CardConfig{
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			APIBase:      os.Getenv("PAYPAL_API_BASE"),
			ReturnURL:    os.Getenv("PAYPAL_RETURN_URL"),
			CancelURL:    os.Getenv("PAYPAL_CANCEL_URL"),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	for _, d := range []struct {
		key    string
		target *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
		{"FX_QUOTE_TTL", &cfg.FX.QuoteTTL},
		{"SETTLEMENT_POLL_TIMEOUT", &cfg.Orchestrator.PollTimeout},
		{"SETTLEMENT_RETRY_BACKOFF", &cfg.Orchestrator.RetryBackoff},
	} {
		if v := os.Getenv(d.key); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.target = dur
		}
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
