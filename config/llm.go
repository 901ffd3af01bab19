package config

import (
	"time"

	"github.com/spf13/viper"
)

// LLMProvider holds one chat-completion endpoint
type LLMProvider struct {
	BaseURL string
	APIKey  string
	Model   string
}

// LLM text formatting config struct
type LLM struct {
	Primary        *LLMProvider
	Fallback       *LLMProvider
	ChunkChars     int
	MinWords       int
	RequestTimeout time.Duration
}

func getLLMConfig(v *viper.Viper) *LLM {
	return &LLM{
		Primary: &LLMProvider{
			BaseURL: v.GetString("llm.primary.base_url"),
			APIKey:  v.GetString("llm.primary.api_key"),
			Model:   getStringOrDefault(v, "llm.primary.model", "qwen-plus"),
		},
		Fallback: &LLMProvider{
			BaseURL: v.GetString("llm.fallback.base_url"),
			APIKey:  v.GetString("llm.fallback.api_key"),
			Model:   getStringOrDefault(v, "llm.fallback.model", "gemini-2.0-flash"),
		},
		ChunkChars:     getIntOrDefault(v, "llm.chunk_chars", 5000),
		MinWords:       getIntOrDefault(v, "llm.min_words", 10),
		RequestTimeout: getDurationOrDefault(v, "llm.request_timeout", 90*time.Second),
	}
}
