package transcode

import (
	"errors"
	"strings"
	"testing"
)

func TestSelectBitrate(t *testing.T) {
	tests := []struct {
		duration float64
		bitrate  string
		label    string
	}{
		{5, "24k", "ultra-light"},
		{10, "24k", "ultra-light"},
		{30, "48k", "standard"},
		{600, "48k", "standard"},
		{601, "32k", "compressed"},
		{3600, "32k", "compressed"},
		{7200, "32k", "compressed"},
	}

	for _, tt := range tests {
		tier := selectBitrate(tt.duration)
		if tier.bitrate != tt.bitrate || tier.label != tt.label {
			t.Errorf("selectBitrate(%v) = (%s, %s), want (%s, %s)",
				tt.duration, tier.bitrate, tier.label, tt.bitrate, tt.label)
		}
		if tier.sampleRate != "16000" {
			t.Errorf("selectBitrate(%v) sample rate = %s, want 16000", tt.duration, tier.sampleRate)
		}
	}
}

func TestParseProbe(t *testing.T) {
	data := []byte(`{
		"format": {"duration": "95.4", "format_name": "mp3", "bit_rate": "48000"},
		"streams": [
			{"codec_type": "video", "codec_name": "mjpeg"},
			{"codec_type": "audio", "codec_name": "mp3", "sample_rate": "16000", "channels": 1}
		]
	}`)

	p, err := parseProbe(data)
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if p.DurationSeconds != 95.4 {
		t.Errorf("duration = %v, want 95.4", p.DurationSeconds)
	}
	if p.Format != "mp3" || p.Codec != "mp3" {
		t.Errorf("format/codec = %s/%s", p.Format, p.Codec)
	}
	if p.SampleRate != 16000 || p.BitRate != 48000 || p.Channels != 1 {
		t.Errorf("sample/bit/channels = %d/%d/%d", p.SampleRate, p.BitRate, p.Channels)
	}
}

func TestParseProbeInvalid(t *testing.T) {
	if _, err := parseProbe([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed ffprobe output")
	}
}

func TestCheckQualityUnsupportedFormat(t *testing.T) {
	_, err := CheckQuality(Probe{Format: "amr"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestCheckQualityWarnings(t *testing.T) {
	warning, err := CheckQuality(Probe{Format: "wav", SampleRate: 8000, BitRate: 128000})
	if err != nil {
		t.Fatalf("CheckQuality: %v", err)
	}
	if !strings.Contains(warning, "sample rate") {
		t.Errorf("expected sample-rate warning, got %q", warning)
	}

	warning, err = CheckQuality(Probe{Format: "mp3", SampleRate: 44100, BitRate: 32000})
	if err != nil {
		t.Fatalf("CheckQuality: %v", err)
	}
	if !strings.Contains(warning, "bitrate") {
		t.Errorf("expected bitrate warning, got %q", warning)
	}

	warning, err = CheckQuality(Probe{Format: "mp3", SampleRate: 44100, BitRate: 128000})
	if err != nil || warning != "" {
		t.Errorf("expected clean result, got (%q, %v)", warning, err)
	}
}
