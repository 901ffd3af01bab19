package config

import (
	"time"

	"github.com/spf13/viper"
)

// Storage object storage config struct
type Storage struct {
	ID         string
	Secret     string
	Region     string
	Bucket     string `validate:"required"`
	Endpoint   string
	PresignTTL time.Duration
}

func getStorageConfig(v *viper.Viper) *Storage {
	return &Storage{
		ID:         v.GetString("storage.id"),
		Secret:     v.GetString("storage.secret"),
		Region:     getStringOrDefault(v, "storage.region", "us-east-1"),
		Bucket:     v.GetString("storage.bucket"),
		Endpoint:   v.GetString("storage.endpoint"),
		PresignTTL: getDurationOrDefault(v, "storage.presign_ttl", time.Hour),
	}
}
