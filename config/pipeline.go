package config

import (
	"time"

	"github.com/spf13/viper"
)

// Pipeline processing thresholds config struct
type Pipeline struct {
	SyncThresholdSeconds  int
	DiarizationMinSeconds int
	WorkerBudget          time.Duration
	FormatMargin          time.Duration
}

// Limits incoming media limits config struct
type Limits struct {
	MaxFileBytes       int64
	MaxDurationSeconds int
}

func getPipelineConfig(v *viper.Viper) *Pipeline {
	return &Pipeline{
		SyncThresholdSeconds:  getIntOrDefault(v, "pipeline.sync_threshold_seconds", 30),
		DiarizationMinSeconds: getIntOrDefault(v, "pipeline.diarization_min_seconds", 60),
		WorkerBudget:          getDurationOrDefault(v, "pipeline.worker_budget", 9*time.Minute),
		FormatMargin:          getDurationOrDefault(v, "pipeline.format_margin", time.Minute),
	}
}

func getLimitsConfig(v *viper.Viper) *Limits {
	return &Limits{
		MaxFileBytes:       getInt64OrDefault(v, "limits.max_file_bytes", 20*1024*1024),
		MaxDurationSeconds: getIntOrDefault(v, "limits.max_duration_seconds", 3600),
	}
}
