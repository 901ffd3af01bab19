// Package transcode normalizes inbound media for ASR using ffmpeg and ffprobe.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoAudioTrack reports media without any audio stream, e.g. a silent video.
	ErrNoAudioTrack = errors.New("media contains no audio track")

	// ErrUnsupportedFormat reports codecs the ASR provider cannot consume.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrTranscodeFailed reports any other ffmpeg failure.
	ErrTranscodeFailed = errors.New("transcode failed")
)

// stderr patterns emitted by ffmpeg when the input has no audio stream.
var noAudioPatterns = []string{
	"Stream map '0:a' matches no streams",
	"does not contain any stream",
}

var unsupportedFormats = []string{"amr", "speex", "gsm"}

// bitrateTier maps a duration ceiling to encoding parameters.
type bitrateTier struct {
	maxSeconds float64
	bitrate    string
	sampleRate string
	label      string
}

// Mono MP3 tiers: short clips get a light profile for fast turnaround,
// long recordings drop to 32k so an hour still fits provider limits.
var bitrateTiers = []bitrateTier{
	{10, "24k", "16000", "ultra-light"},
	{600, "48k", "16000", "standard"},
	{1800, "32k", "16000", "compressed"},
	{3600, "32k", "16000", "compressed"},
}

// Probe holds media metadata reported by ffprobe.
type Probe struct {
	DurationSeconds float64
	Format          string
	Codec           string
	SampleRate      int
	BitRate         int
	Channels        int
}

// Transcoder shells out to ffmpeg/ffprobe with a bounded run time.
type Transcoder struct {
	timeout time.Duration
}

// New creates a transcoder with the default command timeout.
func New() *Transcoder {
	return &Transcoder{timeout: 5 * time.Minute}
}

// Probe inspects the media file with ffprobe.
func (t *Transcoder) Probe(ctx context.Context, path string) (Probe, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return Probe{}, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}
	return parseProbe(out)
}

// CheckQuality rejects unsupported formats and returns a warning for
// audio quality that will degrade recognition.
func CheckQuality(p Probe) (string, error) {
	format := strings.ToLower(p.Format)
	for _, f := range unsupportedFormats {
		if strings.Contains(format, f) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, p.Format)
		}
	}
	if p.SampleRate > 0 && p.SampleRate < 16000 {
		return fmt.Sprintf("low sample rate %d Hz may reduce recognition quality", p.SampleRate), nil
	}
	if p.BitRate > 0 && p.BitRate < 64000 {
		return fmt.Sprintf("low bitrate %d kbit/s may reduce recognition quality", p.BitRate/1000), nil
	}
	return "", nil
}

// Normalize converts the input to mono MP3 with duration-adaptive
// bitrate and strips any video stream. The caller owns the returned
// temp file and must remove it.
func (t *Transcoder) Normalize(ctx context.Context, inputPath string) (string, Probe, error) {
	probe, err := t.Probe(ctx, inputPath)
	if err != nil {
		return "", Probe{}, err
	}

	tier := selectBitrate(probe.DurationSeconds)

	out, err := os.CreateTemp("", "telescribe-*.mp3")
	if err != nil {
		return "", Probe{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", tier.bitrate,
		"-ar", tier.sampleRate,
		"-ac", "1",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		for _, pattern := range noAudioPatterns {
			if strings.Contains(stderr.String(), pattern) {
				return "", Probe{}, ErrNoAudioTrack
			}
		}
		return "", Probe{}, fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(outPath)
		return "", Probe{}, fmt.Errorf("%w: empty output", ErrTranscodeFailed)
	}

	return outPath, probe, nil
}

// SplitChunks stream-copies the audio into sequential sub-clips of at
// most chunkSeconds each. Returns the input path unchanged when no
// splitting is needed; otherwise the caller owns the chunk files.
func (t *Transcoder) SplitChunks(ctx context.Context, path string, chunkSeconds int) ([]string, error) {
	probe, err := t.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if probe.DurationSeconds <= float64(chunkSeconds) {
		return []string{path}, nil
	}

	var chunks []string
	cleanup := func() {
		for _, c := range chunks {
			_ = os.Remove(c)
		}
	}

	for offset, index := 0, 0; float64(offset) < probe.DurationSeconds; offset, index = offset+chunkSeconds, index+1 {
		out, err := os.CreateTemp("", fmt.Sprintf("telescribe-chunk%d-*.mp3", index))
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create chunk file: %w", err)
		}
		chunkPath := out.Name()
		_ = out.Close()

		runCtx, cancel := context.WithTimeout(ctx, t.timeout)
		cmd := exec.CommandContext(runCtx, "ffmpeg", "-y",
			"-ss", strconv.Itoa(offset),
			"-i", path,
			"-t", strconv.Itoa(chunkSeconds),
			"-acodec", "copy",
			chunkPath,
		)
		err = cmd.Run()
		cancel()
		if err != nil {
			_ = os.Remove(chunkPath)
			cleanup()
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrTranscodeFailed, index, err)
		}

		if info, err := os.Stat(chunkPath); err != nil || info.Size() == 0 {
			_ = os.Remove(chunkPath)
			continue
		}
		chunks = append(chunks, chunkPath)
	}

	return chunks, nil
}

func selectBitrate(duration float64) bitrateTier {
	for _, tier := range bitrateTiers {
		if duration <= tier.maxSeconds {
			return tier
		}
	}
	return bitrateTier{bitrate: "32k", sampleRate: "16000", label: "compressed"}
}

// ffprobe JSON shape; numeric fields arrive as strings.
type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

func parseProbe(data []byte) (Probe, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Probe{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	p := Probe{Format: out.Format.FormatName}
	p.DurationSeconds, _ = strconv.ParseFloat(out.Format.Duration, 64)
	p.BitRate, _ = strconv.Atoi(out.Format.BitRate)

	for _, s := range out.Streams {
		if s.CodecType != "audio" {
			continue
		}
		p.Codec = s.CodecName
		p.Channels = s.Channels
		p.SampleRate, _ = strconv.Atoi(s.SampleRate)
		break
	}

	return p, nil
}
