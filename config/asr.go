package config

import (
	"time"

	"github.com/spf13/viper"
)

// ASR speech recognition provider config struct
type ASR struct {
	BaseURL         string `validate:"required,url"`
	APIKey          string `validate:"required"`
	Model           string
	SpeakerModel    string
	Language        string
	ChunkSeconds    int
	MaxChunkSeconds int
	PollInterval    time.Duration
	PollTimeout     time.Duration
}

func getASRConfig(v *viper.Viper) *ASR {
	return &ASR{
		BaseURL:         v.GetString("asr.base_url"),
		APIKey:          v.GetString("asr.api_key"),
		Model:           getStringOrDefault(v, "asr.model", "paraformer-v2"),
		SpeakerModel:    getStringOrDefault(v, "asr.speaker_model", "speaker-diarization-v1"),
		Language:        getStringOrDefault(v, "asr.language", "ru"),
		ChunkSeconds:    getIntOrDefault(v, "asr.chunk_seconds", 150),
		MaxChunkSeconds: getIntOrDefault(v, "asr.max_chunk_seconds", 180),
		PollInterval:    getDurationOrDefault(v, "asr.poll_interval", 5*time.Second),
		PollTimeout:     getDurationOrDefault(v, "asr.poll_timeout", 240*time.Second),
	}
}
