// Package llm formats transcripts with a chat-completion provider and
// a fallback provider. Formatting never fails a job: every error path
// degrades to the unformatted input.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/telescribe/telescribe/config"
	"github.com/telescribe/telescribe/logging/logger"
)

// Options control the formatting prompt.
type Options struct {
	UseCodeTags bool
	UseYo       bool
	Dialogue    bool
	Chunked     bool
}

// Formatter represents the two-provider LLM formatter.
type Formatter struct {
	cfg     *config.LLM
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a formatter.
func New(cfg *config.LLM) *Formatter {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Formatter{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

var (
	thinkTagRe      = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)
	contextMarkerRe = regexp.MustCompile(`^\[\.\.\.\][^\n]*\n?`)
)

// minimum share of the input a chunk's formatted output must retain,
// anything below is treated as model hallucination or truncation
const degenerateRatio = 0.4

// Format returns the formatted text, or the input unchanged whenever
// formatting cannot improve it.
func (f *Formatter) Format(ctx context.Context, text string, opts Options) string {
	if len(strings.Fields(text)) < f.cfg.MinWords {
		return text
	}

	if len(text) <= f.cfg.ChunkChars {
		out, ok := f.formatOnce(ctx, text, opts)
		if !ok {
			return text
		}
		return out
	}

	return f.formatChunked(ctx, text, opts)
}

// formatChunked splits oversized input into semantic chunks, formats
// each with a short tail of the previous chunk as context, and guards
// against degenerate per-chunk output.
func (f *Formatter) formatChunked(ctx context.Context, text string, opts Options) string {
	chunks := splitForLLM(text, f.cfg.ChunkChars, opts.Dialogue)
	opts.Chunked = true

	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		input := chunk
		if i > 0 {
			input = "[...] " + contextTail(chunks[i-1], 200) + "\n" + chunk
		}

		formatted, ok := f.formatOnce(ctx, input, opts)
		if !ok {
			parts = append(parts, chunk)
			continue
		}

		formatted = strings.TrimSpace(contextMarkerRe.ReplaceAllString(formatted, ""))
		if degenerate(formatted, chunk) {
			logger.Warnf(ctx, "degenerate chunk output %d/%d, keeping original", i+1, len(chunks))
			parts = append(parts, chunk)
			continue
		}
		parts = append(parts, formatted)
	}

	return strings.Join(parts, "\n\n")
}

// degenerate detects truncated or hallucinated chunk output: far
// shorter than the input, or cut off mid-sentence.
func degenerate(formatted, original string) bool {
	if float64(len(formatted)) < degenerateRatio*float64(len(original)) {
		return true
	}
	trimmed := strings.TrimRight(formatted, " \n\"»)")
	if trimmed == "" {
		return true
	}
	last := trimmed[len(trimmed)-1:]
	return !strings.Contains(".!?…:", last) && !strings.HasSuffix(trimmed, "…")
}

// formatOnce runs one primary attempt and one fallback attempt.
func (f *Formatter) formatOnce(ctx context.Context, text string, opts Options) (string, bool) {
	prompt := buildPrompt(text, opts)

	out, err := f.callPrimary(ctx, prompt)
	if err != nil {
		logger.Warnf(ctx, "primary formatter failed: %v", err)
		out, err = f.callFallback(ctx, prompt)
		if err != nil {
			logger.Warnf(ctx, "fallback formatter failed: %v", err)
			return "", false
		}
	}

	out = strings.TrimSpace(thinkTagRe.ReplaceAllString(out, ""))
	if !opts.UseCodeTags && strings.HasPrefix(out, "<code>") {
		out = strings.ReplaceAll(out, "<code>", "")
		out = strings.ReplaceAll(out, "</code>", "")
		out = strings.TrimSpace(out)
	}
	if len(out) < 5 {
		return "", false
	}
	return out, true
}

// primary provider response shape (DashScope text generation)
type primaryResponse struct {
	Output struct {
		Text    string `json:"text"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
}

func (f *Formatter) callPrimary(ctx context.Context, prompt string) (string, error) {
	p := f.cfg.Primary
	if p == nil || p.BaseURL == "" {
		return "", fmt.Errorf("primary provider not configured")
	}

	payload := map[string]any{
		"model": p.Model,
		"input": map[string]any{
			"messages": []map[string]any{
				{"role": "user", "content": prompt},
			},
		},
		"parameters": map[string]any{},
	}

	data, err := f.post(ctx, p.BaseURL+"/services/aigc/text-generation/generation",
		payload, map[string]string{"Authorization": "Bearer " + p.APIKey})
	if err != nil {
		return "", err
	}

	var resp primaryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse primary response: %w", err)
	}

	text := resp.Output.Text
	if text == "" && len(resp.Output.Choices) > 0 {
		text = resp.Output.Choices[0].Message.Content
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("primary provider returned empty text")
	}
	return text, nil
}

// fallback provider response shape (Gemini generateContent)
type fallbackResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (f *Formatter) callFallback(ctx context.Context, prompt string) (string, error) {
	p := f.cfg.Fallback
	if p == nil || p.BaseURL == "" {
		return "", fmt.Errorf("fallback provider not configured")
	}

	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]any{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":     0.3,
			"topP":            0.95,
			"maxOutputTokens": 8192,
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.BaseURL, p.Model, p.APIKey)
	data, err := f.post(ctx, url, payload, nil)
	if err != nil {
		return "", err
	}

	var resp fallbackResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse fallback response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("fallback provider returned no candidates")
	}

	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("fallback provider returned empty text")
	}
	return text, nil
}

func (f *Formatter) post(ctx context.Context, url string, payload any, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := f.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := f.http.Do(req)
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
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// buildPrompt is the single source of truth for the formatting prompt.
func buildPrompt(text string, opts Options) string {
	codeTagRule := "НЕ используй теги <code>."
	if opts.UseCodeTags {
		codeTagRule = "Оберни ВЕСЬ текст в теги <code></code>."
	}

	yoRule := "Заменяй все буквы ё на е."
	if opts.UseYo {
		yoRule = "Сохраняй букву ё где она есть."
	}

	var extra strings.Builder
	if opts.Chunked {
		extra.WriteString("8. Текст собран из последовательных фрагментов одной записи. " +
			"Исправь артефакты склейки на стыках: оборванные предложения, повторы слов.\n")
	}
	if opts.Dialogue {
		extra.WriteString("9. Текст содержит реплики разных собеседников, каждая начинается " +
			"с тире (—) на новой строке. Сохраняй это оформление и объединяй подряд " +
			"идущие реплики одного собеседника.\n")
	}

	return fmt.Sprintf(`Отформатируй транскрипцию аудиозаписи. Правила:

1. Исправь явные ошибки распознавания речи (артефакты, повторы, обрывки слов)
2. Расставь знаки препинания по правилам русского языка
3. НЕ заменяй слова на синонимы и не меняй формы слов
4. Раздели на абзацы по смыслу, минимум 2-3 предложения в абзаце
5. %s
6. %s
7. НЕ добавляй свои комментарии и не веди диалог с пользователем
%s
Текст для форматирования:

%s`, codeTagRule, yoRule, extra.String(), text)
}
