// Package asr calls the cloud speech-recognition provider: inline
// single-pass transcription plus two-pass async diarization.
package asr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/telescribe/telescribe/config"
	"github.com/telescribe/telescribe/logging/logger"
)

var (
	// ErrTranscriptionFailed reports total failure of all ASR paths.
	ErrTranscriptionFailed = errors.New("transcription failed")

	// ErrNoSpeech reports audio in which the provider found nothing to transcribe.
	ErrNoSpeech = errors.New("no speech detected")
)

var mimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".webm": "audio/webm",
}

// ObjectStore stages audio for the pull-based async endpoints.
type ObjectStore interface {
	PutFile(ctx context.Context, path string) (string, error)
	PresignURL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Chunker splits audio exceeding the inline duration limit.
type Chunker interface {
	SplitChunks(ctx context.Context, path string, chunkSeconds int) ([]string, error)
}

// Client represents the ASR provider client.
type Client struct {
	cfg      *config.ASR
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	objstore ObjectStore
	chunker  Chunker
}

// New creates an ASR client.
func New(cfg *config.ASR, store ObjectStore, chunker Chunker) *Client {
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: 2 * time.Minute},
		objstore: store,
		chunker:  chunker,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "asr",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Transcribe runs single-pass recognition. Audio above the chunk limit
// is split into sequential sub-clips, each within the provider's hard
// duration cap; the result is the in-order concatenation, tolerating
// failure of under half the chunks.
func (c *Client) Transcribe(ctx context.Context, path, lang string) (string, error) {
	chunkSeconds := c.cfg.ChunkSeconds
	if c.cfg.MaxChunkSeconds > 0 && chunkSeconds > c.cfg.MaxChunkSeconds {
		chunkSeconds = c.cfg.MaxChunkSeconds
	}
	chunks, err := c.chunker.SplitChunks(ctx, path, chunkSeconds)
	if err != nil {
		return "", err
	}
	defer func() {
		for _, chunk := range chunks {
			if chunk != path {
				_ = os.Remove(chunk)
			}
		}
	}()

	var texts []string
	failed := 0
	for i, chunk := range chunks {
		text, err := c.transcribeInline(ctx, chunk, lang)
		if errors.Is(err, ErrNoSpeech) {
			// A silent chunk contributes no text and is not a provider failure.
			continue
		}
		if err != nil {
			failed++
			logger.Warnf(ctx, "chunk %d/%d failed: %v", i+1, len(chunks), err)
			if failed > len(chunks)/2 {
				return "", fmt.Errorf("%w: %d/%d chunks failed", ErrTranscriptionFailed, failed, len(chunks))
			}
			continue
		}
		if text != "" {
			texts = append(texts, text)
		}
	}

	full := strings.Join(texts, " ")
	if len(strings.TrimSpace(full)) < 3 {
		return "", ErrNoSpeech
	}
	return full, nil
}

// inline generation response shape
type inlineResponse struct {
	Output struct {
		Text    string `json:"text"`
		Choices []struct {
			Message struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// transcribeInline sends one sub-clip as a base64 data URI.
func (c *Client) transcribeInline(ctx context.Context, path, lang string) (string, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read audio: %w", err)
	}

	mime := mimeTypes[strings.ToLower(filepath.Ext(path))]
	if mime == "" {
		mime = "audio/mpeg"
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(audio))

	payload := map[string]any{
		"model": c.cfg.Model,
		"input": map[string]any{
			"messages": []map[string]any{
				{"role": "system", "content": []map[string]any{{"text": ""}}},
				{"role": "user", "content": []map[string]any{{"audio": dataURI}}},
			},
		},
		"parameters": map[string]any{
			"result_format": "message",
			"asr_options": map[string]any{
				"enable_itn":     true,
				"language_hints": []string{lang},
			},
		},
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.postJSON(ctx, c.cfg.BaseURL+"/services/aigc/multimodal-generation/generation", payload, nil)
	})
	if err != nil {
		return "", fmt.Errorf("inline transcription: %w", err)
	}

	var resp inlineResponse
	if err := json.Unmarshal(result.([]byte), &resp); err != nil {
		return "", fmt.Errorf("failed to parse inline response: %w", err)
	}

	text := resp.Output.Text
	if len(resp.Output.Choices) > 0 && len(resp.Output.Choices[0].Message.Content) > 0 {
		if t := resp.Output.Choices[0].Message.Content[0].Text; t != "" {
			text = t
		}
	}

	text = strings.TrimSpace(text)
	if len(text) < 3 {
		return "", ErrNoSpeech
	}
	return text, nil
}

// postJSON posts a JSON payload with provider auth and returns the
// raw body on HTTP 200.
func (c *Client) postJSON(ctx context.Context, url string, payload any, extraHeaders map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, url string, auth bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
