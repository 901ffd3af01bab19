package config

import (
	"time"

	"github.com/spf13/viper"
)

// Alerts operator notification config struct
type Alerts struct {
	SentryDSN   string
	Environment string
	MinInterval time.Duration
}

func getAlertsConfig(v *viper.Viper) *Alerts {
	return &Alerts{
		SentryDSN:   v.GetString("alerts.sentry_dsn"),
		Environment: getStringOrDefault(v, "alerts.environment", "production"),
		MinInterval: getDurationOrDefault(v, "alerts.min_interval", 10*time.Minute),
	}
}
