package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays ESCROWD_* environment variables on the configuration.
func (cfg *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	str := func(key string, dest *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dest = strings.TrimSpace(v)
		}
	}
	str("ESCROWD_LISTEN", &cfg.ListenAddress)
	str("ESCROWD_ENV", &cfg.Environment)
	str("ESCROWD_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("ESCROWD_STORAGE_PATH", &cfg.Storage.Path)
	str("ESCROWD_TREASURY", &cfg.Escrow.Treasury)
	str("ESCROWD_JUROR_POOL", &cfg.Escrow.JurorPool)
	str("ESCROWD_AUTH_SECRET", &cfg.Auth.HMACSecret)
	str("ESCROWD_JOURNAL_DRIVER", &cfg.Journal.Driver)
	str("ESCROWD_JOURNAL_DSN", &cfg.Journal.DSN)
	str("ESCROWD_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("ESCROWD_LOG_LEVEL", &cfg.Logging.Level)
	str("ESCROWD_LOG_FILE", &cfg.Logging.File)

	if raw, ok := lookup("ESCROWD_GRACE_PERIOD"); ok && strings.TrimSpace(raw) != "" {
		dur, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse ESCROWD_GRACE_PERIOD: %w", err)
		}
		cfg.Escrow.GracePeriod = dur
	}
	if raw, ok := lookup("ESCROWD_AUTH_ENABLED"); ok && strings.TrimSpace(raw) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse ESCROWD_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = enabled
	}
	if raw, ok := lookup("ESCROWD_RATE_LIMIT_RPS"); ok && strings.TrimSpace(raw) != "" {
		rps, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RequestsPerSecond = rps
	}
	return nil
}
