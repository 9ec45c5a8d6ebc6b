package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "ONTASK"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "ontask.db"
	defaultLogLevel     = "info"
	defaultBaseURL      = "http://localhost:8080"
	defaultSMTPPort     = 25
	defaultEmailBurst   = 0
	defaultEmailPause   = time.Minute
	defaultAgentPeriod  = 5 * time.Minute
)

// AppConfig captures runtime configuration for the API server and the agent.
type AppConfig struct {
	HTTPAddress  string
	BaseURL      string
	SigningKey   string
	DatabasePath string
	LogLevel     string

	SMTPHost  string
	SMTPPort  int
	SMTPUser  string
	SMTPPass  string
	EmailFrom string
	// EmailBurst/EmailPause pace outgoing batches; zero burst disables.
	EmailBurst int
	EmailPause time.Duration

	CanvasBaseURL      string
	CanvasClientID     string
	CanvasClientSecret string

	AgentSource   string
	AgentSnapshot string
	AgentWorkflow uint
	AgentKey      string
	AgentToken    string
	AgentInterval time.Duration
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
	configViper.SetDefault("http.base_url", defaultBaseURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("email.burst", defaultEmailBurst)
	configViper.SetDefault("email.pause", defaultEmailPause)
	configViper.SetDefault("agent.interval", defaultAgentPeriod)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		BaseURL:      configViper.GetString("http.base_url"),
		SigningKey:   configViper.GetString("auth.signing_secret"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		SMTPHost:   configViper.GetString("smtp.host"),
		SMTPPort:   configViper.GetInt("smtp.port"),
		SMTPUser:   configViper.GetString("smtp.user"),
		SMTPPass:   configViper.GetString("smtp.password"),
		EmailFrom:  configViper.GetString("email.from"),
		EmailBurst: configViper.GetInt("email.burst"),
		EmailPause: configViper.GetDuration("email.pause"),

		CanvasBaseURL:      configViper.GetString("canvas.base_url"),
		CanvasClientID:     configViper.GetString("canvas.client_id"),
		CanvasClientSecret: configViper.GetString("canvas.client_secret"),

		AgentSource:   configViper.GetString("agent.source"),
		AgentSnapshot: configViper.GetString("agent.snapshot"),
		AgentWorkflow: configViper.GetUint("agent.workflow"),
		AgentKey:      configViper.GetString("agent.key"),
		AgentToken:    configViper.GetString("agent.token"),
		AgentInterval: configViper.GetDuration("agent.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
