package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/telescribe/telescribe/internal/align"
	"github.com/telescribe/telescribe/logging/logger"
	"golang.org/x/sync/errgroup"
)

// DiarizedResult carries the two-pass output. Speakers may be empty
// when the speaker pass failed and the result degraded to plain text.
type DiarizedResult struct {
	Speakers []align.SpeakerSegment
	Texts    []align.TextSegment
}

// PlainText joins the text segments without speaker labels.
func (r *DiarizedResult) PlainText() string {
	parts := make([]string, 0, len(r.Texts))
	for _, t := range r.Texts {
		if t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, " ")
}

// TranscribeDiarized uploads the audio once, runs the speaker pass and
// the text pass concurrently, and degrades on partial failure: the
// speaker pass failing drops labels, the text pass failing keeps the
// rougher speaker-pass transcript without labels. When both fail the
// caller gets ErrTranscriptionFailed and falls back to single-pass
// transcription.
func (c *Client) TranscribeDiarized(ctx context.Context, path, lang string, speakerCount int) (*DiarizedResult, error) {
	key, err := c.objstore.PutFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stage audio: %w", err)
	}
	defer func() {
		if err := c.objstore.Delete(context.WithoutCancel(ctx), key); err != nil {
			logger.Warnf(ctx, "failed to delete staged audio %s: %v", key, err)
		}
	}()

	fileURL, err := c.objstore.PresignURL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to presign audio URL: %w", err)
	}

	speakerParams := map[string]any{"diarization_enabled": true}
	if speakerCount > 0 {
		speakerParams["speaker_count"] = speakerCount
	}
	textParams := map[string]any{"language": lang}

	var speakerData, textData *transcription
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := c.submitAsync(gctx, fileURL, c.cfg.SpeakerModel, speakerParams, true)
		if err != nil {
			logger.Warnf(ctx, "speaker pass failed: %v", err)
			return nil
		}
		speakerData = data
		return nil
	})
	g.Go(func() error {
		data, err := c.submitAsync(gctx, fileURL, c.cfg.Model+"-filetrans", textParams, false)
		if err != nil {
			logger.Warnf(ctx, "text pass failed: %v", err)
			return nil
		}
		textData = data
		return nil
	})
	_ = g.Wait()

	speakers, speakerTexts := parseSpeakerSegments(speakerData)
	texts := parseTextSegments(textData)

	switch {
	case len(texts) == 0 && len(speakers) == 0:
		return nil, fmt.Errorf("%w: both diarization passes returned no data", ErrTranscriptionFailed)
	case len(texts) == 0:
		// Text pass failed: keep the speaker-pass transcript but
		// discard its labels, the text is too rough to attribute.
		return &DiarizedResult{Texts: speakerTexts}, nil
	case len(speakers) == 0:
		// Speaker pass failed: plain text, diarization silently degraded.
		return &DiarizedResult{Texts: texts}, nil
	}

	return &DiarizedResult{Speakers: speakers, Texts: texts}, nil
}

// async task API shapes

type submitResponse struct {
	Output struct {
		TaskID string `json:"task_id"`
	} `json:"output"`
}

type taskResponse struct {
	Output struct {
		TaskStatus string `json:"task_status"`
		Message    string `json:"message"`
		Results    []struct {
			TranscriptionURL string `json:"transcription_url"`
		} `json:"results"`
	} `json:"output"`
}

type transcription struct {
	Transcripts []struct {
		Sentences []struct {
			Text      string `json:"text"`
			SpeakerID int    `json:"speaker_id"`
			BeginTime int64  `json:"begin_time"`
			EndTime   int64  `json:"end_time"`
		} `json:"sentences"`
	} `json:"transcripts"`
}

// submitAsync submits an async transcription task, polls until it
// settles and fetches the transcription document. The speaker model
// takes a file_urls list, the text model a scalar file_url.
func (c *Client) submitAsync(ctx context.Context, fileURL, model string, params map[string]any, plural bool) (*transcription, error) {
	var input map[string]any
	if plural {
		input = map[string]any{"file_urls": []string{fileURL}}
	} else {
		input = map[string]any{"file_url": fileURL}
	}

	payload := map[string]any{
		"model":      model,
		"input":      input,
		"parameters": params,
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.postJSON(ctx, c.cfg.BaseURL+"/services/audio/asr/transcription", payload,
			map[string]string{"X-DashScope-Async": "enable"})
	})
	if err != nil {
		return nil, fmt.Errorf("%s submit: %w", model, err)
	}

	var submitted submitResponse
	if err := json.Unmarshal(result.([]byte), &submitted); err != nil {
		return nil, fmt.Errorf("%s submit: failed to parse response: %w", model, err)
	}
	if submitted.Output.TaskID == "" {
		return nil, fmt.Errorf("%s submit: no task id in response", model)
	}

	task, err := c.pollTask(ctx, model, submitted.Output.TaskID)
	if err != nil {
		return nil, err
	}

	if len(task.Output.Results) == 0 || task.Output.Results[0].TranscriptionURL == "" {
		return nil, fmt.Errorf("%s: no transcription url in results", model)
	}

	data, err := c.getJSON(ctx, task.Output.Results[0].TranscriptionURL, false)
	if err != nil {
		return nil, fmt.Errorf("%s fetch: %w", model, err)
	}

	var trans transcription
	if err := json.Unmarshal(data, &trans); err != nil {
		return nil, fmt.Errorf("%s fetch: failed to parse transcription: %w", model, err)
	}
	return &trans, nil
}

// pollTask polls the task endpoint until SUCCEEDED, FAILED or timeout.
func (c *Client) pollTask(ctx context.Context, model, taskID string) (*taskResponse, error) {
	deadline := time.Now().Add(c.cfg.PollTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: task %s timed out after %v", model, taskID, c.cfg.PollTimeout)
		}

		data, err := c.getJSON(ctx, c.cfg.BaseURL+"/tasks/"+taskID, true)
		if err != nil {
			continue
		}

		var task taskResponse
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}

		switch task.Output.TaskStatus {
		case "SUCCEEDED":
			return &task, nil
		case "FAILED":
			return nil, fmt.Errorf("%s: task failed: %s", model, task.Output.Message)
		}
	}
}

// parseSpeakerSegments extracts speaker intervals and their transcript
// from the speaker-pass document.
func parseSpeakerSegments(t *transcription) ([]align.SpeakerSegment, []align.TextSegment) {
	if t == nil {
		return nil, nil
	}
	var speakers []align.SpeakerSegment
	var texts []align.TextSegment
	for _, transcript := range t.Transcripts {
		for _, s := range transcript.Sentences {
			speakers = append(speakers, align.SpeakerSegment{
				Speaker: s.SpeakerID,
				StartMS: s.BeginTime,
				EndMS:   s.EndTime,
			})
			if text := strings.TrimSpace(s.Text); text != "" {
				texts = append(texts, align.TextSegment{
					Text:    text,
					StartMS: s.BeginTime,
					EndMS:   s.EndTime,
				})
			}
		}
	}
	return speakers, texts
}

// parseTextSegments extracts timestamped text from the text-pass document.
func parseTextSegments(t *transcription) []align.TextSegment {
	if t == nil {
		return nil
	}
	var texts []align.TextSegment
	for _, transcript := range t.Transcripts {
		for _, s := range transcript.Sentences {
			if text := strings.TrimSpace(s.Text); text != "" {
				texts = append(texts, align.TextSegment{
					Text:    text,
					StartMS: s.BeginTime,
					EndMS:   s.EndTime,
				})
			}
		}
	}
	return texts
}
