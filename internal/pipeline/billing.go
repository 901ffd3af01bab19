package pipeline

import "math"

// billedMinutes rounds the audio duration up to whole minutes, with a
// one-minute floor.
func billedMinutes(durationSeconds float64) float64 {
	minutes := math.Ceil(durationSeconds / 60)
	if minutes < 1 {
		return 1
	}
	return minutes
}
