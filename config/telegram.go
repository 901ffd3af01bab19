package config

import (
	"github.com/spf13/viper"
)

// Telegram holds Bot API credentials and webhook settings
type Telegram struct {
	Token         string `validate:"required"`
	WebhookSecret string
	APIEndpoint   string
}

func getTelegramConfig(v *viper.Viper) *Telegram {
	return &Telegram{
		Token:         v.GetString("telegram.token"),
		WebhookSecret: v.GetString("telegram.webhook_secret"),
		APIEndpoint:   v.GetString("telegram.api_endpoint"),
	}
}
