package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "BLOC"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "bloc.db"
	defaultLogLevel      = "info"
	defaultCookieName    = "bloc_session"
	defaultSessionTTL    = 30 * 24 * time.Hour
	defaultGeminiModel   = "gemini-2.0-flash"
	defaultGeminiTimeout = 90 * time.Second
	defaultSMTPPort      = 587
	defaultMailFrom      = "Bloc.ai <no-reply@bloc.ai>"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	CookieName     string
	SessionTTL     time.Duration
	CronSecret     string
	GeminiAPIKey   string
	GeminiModel    string
	GeminiTimeout  time.Duration
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	MailFrom       string
	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("gemini.model", defaultGeminiModel)
	configViper.SetDefault("gemini.timeout", defaultGeminiTimeout)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("mail.from", defaultMailFrom)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("session.signing_secret"),
		CookieName:     configViper.GetString("session.cookie_name"),
		SessionTTL:     configViper.GetDuration("session.ttl"),
		CronSecret:     configViper.GetString("cron.secret"),
		GeminiAPIKey:   configViper.GetString("gemini.api_key"),
		GeminiModel:    configViper.GetString("gemini.model"),
		GeminiTimeout:  configViper.GetDuration("gemini.timeout"),
		SMTPHost:       configViper.GetString("smtp.host"),
		SMTPPort:       configViper.GetInt("smtp.port"),
		SMTPUsername:   configViper.GetString("smtp.username"),
		SMTPPassword:   configViper.GetString("smtp.password"),
		MailFrom:       configViper.GetString("mail.from"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("gemini.api_key is required")
	}
	if strings.TrimSpace(c.CronSecret) == "" {
		return fmt.Errorf("cron.secret is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	return nil
}
