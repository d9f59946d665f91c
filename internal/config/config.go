package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "CHATSYNC"
	defaultDatabaseDir = "chatsync-data"
	defaultLogLevel    = "info"
	defaultDiagAddress = "127.0.0.1:8690"
	defaultMaxGapDays  = 30
	defaultStopOnFail  = false
)

// AppConfig captures runtime configuration for the sync engine and its tooling.
type AppConfig struct {
	DatabaseDir   string
	LogLevel      string
	DiagAddress   string
	FeedURL       string
	StopOnFailure bool
	MaxGapDays    int
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

	configViper.SetDefault("database.dir", defaultDatabaseDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("diag.address", defaultDiagAddress)
	configViper.SetDefault("feed.url", "")
	configViper.SetDefault("drain.stop_on_failure", defaultStopOnFail)
	configViper.SetDefault("sync.max_gap_days", defaultMaxGapDays)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabaseDir:   configViper.GetString("database.dir"),
		LogLevel:      configViper.GetString("log.level"),
		DiagAddress:   configViper.GetString("diag.address"),
		FeedURL:       configViper.GetString("feed.url"),
		StopOnFailure: configViper.GetBool("drain.stop_on_failure"),
		MaxGapDays:    configViper.GetInt("sync.max_gap_days"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabaseDir) == "" {
		return fmt.Errorf("database.dir is required")
	}
	if c.MaxGapDays <= 0 {
		return fmt.Errorf("sync.max_gap_days must be positive")
	}
	return nil
}
