// Package profile holds the runtime configuration resolved from flags,
// environment variables, and an optional .env file.
package profile

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Profile is the fully-resolved server configuration.
type Profile struct {
	// Mode is "prod" or "dev".
	Mode string
	// Addr is the bind address.
	Addr string
	// Port is the bind port.
	Port int
	// Data is the directory for the database file and trace logs.
	Data string
	// Driver is "sqlite", "mysql" or "postgres".
	Driver string
	// DSN is the data source name for the chosen driver.
	DSN string
	// Secret signs access tokens.
	Secret string

	// UserDailyLimit is the default daily message quota per signed-in
	// user. Negative means unlimited.
	UserDailyLimit int32
	// AnonymousDailyLimit is the daily quota shared by all anonymous
	// callers. Negative means unlimited.
	AnonymousDailyLimit int32

	// GlobalPrompt is the instance-wide pinned system prompt.
	GlobalPrompt string
	// DefaultTemperature applies when a model has no valid override.
	DefaultTemperature float64
	// DefaultMaxTokens caps completions for models without their own cap.
	DefaultMaxTokens int32
	// SaveReasoning persists model reasoning text alongside replies.
	SaveReasoning bool

	// CompressionEnabled turns history compression on.
	CompressionEnabled bool
	// CompressionThresholdRatio is the fraction of the context window
	// that triggers compression.
	CompressionThresholdRatio float64
	// CompressionTailMessages is the number of trailing messages never
	// compressed.
	CompressionTailMessages int
	// SummaryModel names the provider model used for digests and titles.
	// Empty falls back to the session's model.
	SummaryModel string

	// ProviderTimeout bounds a single provider call including the retry.
	ProviderTimeout time.Duration
	// RateLimitBackoff is the pause before retrying a 429.
	RateLimitBackoff time.Duration
	// ServerErrorBackoff is the pause before retrying a 5xx.
	ServerErrorBackoff time.Duration
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// TraceDir is where trace event logs are written.
func (p *Profile) TraceDir() string {
	return filepath.Join(p.Data, "traces")
}

// GetProfile resolves the profile from viper, which the command layer
// has already bound to flags and PARLEY_* environment variables. A .env
// file in the working directory is folded in first when present.
func GetProfile() (*Profile, error) {
	// Missing .env is fine; only load errors on an existing file matter.
	_ = godotenv.Load()

	profile := &Profile{
		Mode:                      viper.GetString("mode"),
		Addr:                      viper.GetString("addr"),
		Port:                      viper.GetInt("port"),
		Data:                      viper.GetString("data"),
		Driver:                    viper.GetString("driver"),
		DSN:                       viper.GetString("dsn"),
		Secret:                    viper.GetString("secret"),
		UserDailyLimit:            viper.GetInt32("user-daily-limit"),
		AnonymousDailyLimit:       viper.GetInt32("anonymous-daily-limit"),
		GlobalPrompt:              viper.GetString("global-prompt"),
		DefaultTemperature:        viper.GetFloat64("default-temperature"),
		DefaultMaxTokens:          viper.GetInt32("default-max-tokens"),
		SaveReasoning:             viper.GetBool("save-reasoning"),
		CompressionEnabled:        viper.GetBool("compression-enabled"),
		CompressionThresholdRatio: viper.GetFloat64("compression-threshold-ratio"),
		CompressionTailMessages:   viper.GetInt("compression-tail-messages"),
		SummaryModel:              viper.GetString("summary-model"),
		ProviderTimeout:           viper.GetDuration("provider-timeout"),
		RateLimitBackoff:          viper.GetDuration("rate-limit-backoff"),
		ServerErrorBackoff:        viper.GetDuration("server-error-backoff"),
	}

	if profile.Mode != "prod" && profile.Mode != "dev" {
		profile.Mode = "dev"
	}
	if profile.Data == "" {
		profile.Data = "."
	}
	data, err := filepath.Abs(profile.Data)
	if err != nil {
		return nil, errors.Wrap(err, "invalid data directory")
	}
	profile.Data = data
	if profile.Driver == "" {
		profile.Driver = "sqlite"
	}
	if profile.Driver == "sqlite" && profile.DSN == "" {
		profile.DSN = filepath.Join(profile.Data, fmt.Sprintf("parley_%s.db", profile.Mode))
	}
	if profile.DSN == "" {
		return nil, errors.Errorf("dsn required for driver %s", profile.Driver)
	}
	if profile.Secret == "" {
		if !profile.IsDev() {
			return nil, errors.New("secret required in prod mode")
		}
		profile.Secret = "parley-dev-secret"
	}
	if profile.CompressionThresholdRatio <= 0 || profile.CompressionThresholdRatio >= 1 {
		profile.CompressionThresholdRatio = 0.8
	}
	if profile.CompressionTailMessages <= 0 {
		profile.CompressionTailMessages = 10
	}
	if profile.DefaultMaxTokens <= 0 {
		profile.DefaultMaxTokens = 2048
	}
	if profile.ProviderTimeout <= 0 {
		profile.ProviderTimeout = 2 * time.Minute
	}
	return profile, nil
}
