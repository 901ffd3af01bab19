// Package delivery returns finished transcripts to the chat: short
// texts replace the status message in place, long texts are split into
// sequential messages or sent as a file, per user preference.
package delivery

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/telescribe/telescribe/internal/store"
	"github.com/telescribe/telescribe/logging/logger"
)

const (
	// maxMessageChars is the per-message tier boundary, measured on the
	// escaped text; the gap to the Bot API's 4096 covers the code wrap.
	maxMessageChars = 4000
	// autoFileChars forces file delivery regardless of preference.
	autoFileChars = 100000
	// maxCaptionChars is the Bot API caption limit.
	maxCaptionChars = 1024
)

// Messenger is the subset of chat operations delivery needs.
type Messenger interface {
	SendMessage(chatID int64, text string) (int, error)
	EditMessage(chatID int64, messageID int, text string) error
	DeleteMessage(chatID int64, messageID int) error
	SendDocument(chatID int64, filename string, data []byte, caption string) error
}

// Manager represents the tiered delivery manager.
type Manager struct {
	msgr Messenger
}

// New creates a delivery manager.
func New(msgr Messenger) *Manager {
	return &Manager{msgr: msgr}
}

// Deliver sends the final text to the job's chat. Texts up to
// maxMessageChars replace the status message in place; longer texts
// delete the status message and are either split into sequential
// messages or sent as a .txt document. Texts over autoFileChars are
// always sent as a document. Lengths are measured on the escaped text
// that is actually sent.
func (m *Manager) Deliver(ctx context.Context, job *store.Job, text string, settings store.Settings) error {
	length := escapedLen(text)

	switch {
	case length <= maxMessageChars:
		return m.deliverInPlace(ctx, job, text, settings)
	case length > autoFileChars || settings.Delivery == store.DeliveryFile:
		return m.deliverFile(ctx, job, text)
	default:
		return m.deliverSplit(ctx, job, text, settings)
	}
}

func (m *Manager) deliverInPlace(ctx context.Context, job *store.Job, text string, settings store.Settings) error {
	rendered := render(text, settings)

	if job.StatusMessageID != 0 {
		if err := m.msgr.EditMessage(job.ChatID, job.StatusMessageID, rendered); err == nil {
			return nil
		} else {
			logger.Warnf(ctx, "in-place edit failed, sending a new message: %v", err)
		}
	}

	if _, err := m.msgr.SendMessage(job.ChatID, rendered); err != nil {
		return fmt.Errorf("failed to deliver result: %w", err)
	}
	return nil
}

func (m *Manager) deliverSplit(ctx context.Context, job *store.Job, text string, settings store.Settings) error {
	m.dropStatusMessage(ctx, job)

	for _, part := range splitParts(text, maxMessageChars) {
		if _, err := m.msgr.SendMessage(job.ChatID, render(part, settings)); err != nil {
			return fmt.Errorf("failed to deliver result part: %w", err)
		}
	}
	return nil
}

func (m *Manager) deliverFile(ctx context.Context, job *store.Job, text string) error {
	m.dropStatusMessage(ctx, job)

	filename := time.Now().Format("2006-01-02_15-04-05") + ".txt"
	caption := truncateRunes(firstSentence(text), maxCaptionChars)

	if err := m.msgr.SendDocument(job.ChatID, filename, []byte(text), caption); err != nil {
		return fmt.Errorf("failed to deliver result file: %w", err)
	}
	return nil
}

func (m *Manager) dropStatusMessage(ctx context.Context, job *store.Job) {
	if job.StatusMessageID == 0 {
		return
	}
	if err := m.msgr.DeleteMessage(job.ChatID, job.StatusMessageID); err != nil {
		logger.Warnf(ctx, "failed to delete status message %d: %v", job.StatusMessageID, err)
	}
}

// render escapes the text for HTML parse mode and applies the
// monospace wrap when the user enabled it.
func render(text string, settings store.Settings) string {
	escaped := html.EscapeString(text)
	if settings.UseCodeTags {
		return "<code>" + escaped + "</code>"
	}
	return escaped
}

// escapedLen measures text as it is sent, after HTML escaping.
func escapedLen(s string) int {
	return utf8.RuneCountInString(html.EscapeString(s))
}

// splitParts breaks text into parts of at most limit escaped runes,
// preferring paragraph boundaries, then sentence boundaries, then word
// boundaries. A part never breaks mid-word.
func splitParts(text string, limit int) []string {
	if escapedLen(text) <= limit {
		return []string{text}
	}

	var units []string
	for _, paragraph := range strings.Split(text, "\n\n") {
		if escapedLen(paragraph) <= limit {
			units = append(units, paragraph)
			continue
		}
		for _, sentence := range splitSentences(paragraph) {
			if escapedLen(sentence) <= limit {
				units = append(units, sentence)
				continue
			}
			units = append(units, strings.Fields(sentence)...)
		}
	}
	return packParts(units, limit)
}

// packParts greedily accumulates units into parts bounded by limit
// escaped runes.
func packParts(units []string, limit int) []string {
	var parts []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			parts = append(parts, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, unit := range units {
		unitLen := escapedLen(unit)
		if currentLen > 0 && currentLen+2+unitLen > limit {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(unit)
		currentLen += unitLen
	}
	flush()
	return parts
}

// splitSentences splits a paragraph after terminal punctuation.
func splitSentences(paragraph string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(paragraph)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '…' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// firstSentence returns the opening sentence of the text, used as the
// document caption.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if sentences := splitSentences(text); len(sentences) > 0 {
		return sentences[0]
	}
	return text
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
