package llm

import (
	"strings"
)

// splitForLLM breaks text into chunks of at most maxChars. Dialogue is
// split on speaker lines, monologue on paragraph then sentence
// boundaries; a chunk never breaks mid-word.
func splitForLLM(text string, maxChars int, dialogue bool) []string {
	if len(text) <= maxChars {
		return []string{text}
	}
	if dialogue {
		return packUnits(strings.Split(text, "\n"), "\n", maxChars)
	}

	var units []string
	for _, paragraph := range strings.Split(text, "\n\n") {
		if len(paragraph) <= maxChars {
			units = append(units, paragraph)
			continue
		}
		units = append(units, splitSentences(paragraph)...)
	}
	return packUnits(units, "\n\n", maxChars)
}

// packUnits greedily accumulates units into chunks bounded by maxChars.
// A single oversized unit is emitted alone rather than broken mid-word.
func packUnits(units []string, sep string, maxChars int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, unit := range units {
		if unit == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(sep)+len(unit) > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(unit)
	}
	flush()
	return chunks
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

// contextTail returns the last part of text, cut at a word boundary,
// used as the cross-chunk context excerpt.
func contextTail(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	tail := string(runes[len(runes)-maxChars:])
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}
