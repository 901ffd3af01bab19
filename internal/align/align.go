// Package align merges the two diarization passes into ordered dialogue turns.
package align

import (
	"fmt"
	"strings"
)

const (
	// gapRatioLimit is the unmatched-duration fraction above which
	// speaker labels are considered unreliable and dropped.
	gapRatioLimit = 0.30

	// microSegmentMS / microSegmentWords identify diarization noise
	// artifacts that are merged into an adjacent turn.
	microSegmentMS    = 500
	microSegmentWords = 2

	// windowMS bounds overlap matching for long audio; windows advance
	// by half their width so timeline drift between the two passes
	// cannot accumulate past a single window.
	windowMS = 5 * 60 * 1000
)

// SpeakerSegment is one speaker-labeled interval from the speaker pass.
type SpeakerSegment struct {
	Speaker int
	StartMS int64
	EndMS   int64
}

// TextSegment is one transcribed interval from the text pass.
type TextSegment struct {
	Text    string
	StartMS int64
	EndMS   int64
}

// Turn is a contiguous utterance attributed to one speaker.
type Turn struct {
	Speaker int
	Text    string
	StartMS int64
	EndMS   int64
}

type assignment struct {
	seg     TextSegment
	speaker int // -1 while unmatched
}

// Align assigns a speaker to every text segment by maximal timestamp
// overlap and merges consecutive same-speaker segments into turns.
// The boolean reports whether speaker labels were kept; when false the
// returned turns carry a single synthetic speaker and should be
// rendered as plain text.
func Align(speakers []SpeakerSegment, texts []TextSegment) ([]Turn, bool) {
	if len(texts) == 0 {
		return nil, false
	}
	if len(speakers) == 0 {
		return mergeTurns(withoutSpeakers(texts)), false
	}

	assigned := assignSpeakers(speakers, texts)

	var totalMS, gapMS int64
	for _, a := range assigned {
		dur := a.seg.EndMS - a.seg.StartMS
		totalMS += dur
		if a.speaker < 0 {
			gapMS += dur
		}
	}
	if totalMS > 0 && float64(gapMS)/float64(totalMS) > gapRatioLimit {
		return mergeTurns(withoutSpeakers(texts)), false
	}

	fillGaps(assigned)
	mergeMicroSegments(assigned)
	return mergeTurns(assigned), true
}

// assignSpeakers matches text segments against speaker intervals. Long
// audio is matched in bounded windows with 50% overlap, each window
// re-anchored independently.
func assignSpeakers(speakers []SpeakerSegment, texts []TextSegment) []assignment {
	span := texts[len(texts)-1].EndMS
	if span <= windowMS {
		return matchOverlap(speakers, texts)
	}

	const half = windowMS / 2
	assigned := make([]assignment, 0, len(texts))
	next := 0
	for start := int64(0); next < len(texts); start += half {
		// Texts whose midpoint falls in the first half of this window.
		end := next
		for end < len(texts) {
			mid := (texts[end].StartMS + texts[end].EndMS) / 2
			if mid >= start+half {
				break
			}
			end++
		}
		if end == next {
			continue
		}

		var windowSpeakers []SpeakerSegment
		for _, s := range speakers {
			if s.EndMS > start && s.StartMS < start+windowMS {
				windowSpeakers = append(windowSpeakers, s)
			}
		}

		assigned = append(assigned, matchOverlap(windowSpeakers, texts[next:end])...)
		next = end
	}
	return assigned
}

// matchOverlap performs the sliding-window maximal-overlap scan. Both
// slices must be sorted by start time.
func matchOverlap(speakers []SpeakerSegment, texts []TextSegment) []assignment {
	assigned := make([]assignment, len(texts))
	spkIdx := 0

	for i, t := range texts {
		best := -1
		var bestOverlap int64

		for j := spkIdx; j < len(speakers); j++ {
			s := speakers[j]
			if s.StartMS >= t.EndMS {
				break
			}
			start := max64(t.StartMS, s.StartMS)
			end := min64(t.EndMS, s.EndMS)
			if overlap := end - start; overlap > bestOverlap {
				bestOverlap = overlap
				best = s.Speaker
			}
		}

		// Skip speaker intervals that ended before this text began.
		for spkIdx < len(speakers) && speakers[spkIdx].EndMS <= t.StartMS {
			spkIdx++
		}

		assigned[i] = assignment{seg: t, speaker: best}
	}
	return assigned
}

// fillGaps resolves unmatched segments: inherit the nearest preceding
// assigned speaker, or the nearest following one when the gap opens
// the recording.
func fillGaps(assigned []assignment) {
	current := -1
	for i := range assigned {
		if assigned[i].speaker >= 0 {
			current = assigned[i].speaker
			continue
		}
		if current >= 0 {
			assigned[i].speaker = current
			continue
		}
		for j := i + 1; j < len(assigned); j++ {
			if assigned[j].speaker >= 0 {
				assigned[i].speaker = assigned[j].speaker
				break
			}
		}
		if assigned[i].speaker < 0 {
			assigned[i].speaker = 0
		}
		current = assigned[i].speaker
	}
}

// mergeMicroSegments reassigns sub-500ms segments of at most two words
// to the adjacent turn's speaker so they do not surface standalone.
func mergeMicroSegments(assigned []assignment) {
	for i := range assigned {
		dur := assigned[i].seg.EndMS - assigned[i].seg.StartMS
		if dur >= microSegmentMS || wordCount(assigned[i].seg.Text) > microSegmentWords {
			continue
		}
		if i > 0 {
			assigned[i].speaker = assigned[i-1].speaker
		} else if len(assigned) > 1 {
			assigned[i].speaker = assigned[i+1].speaker
		}
	}
}

// mergeTurns collapses consecutive same-speaker segments, joining text
// with a space.
func mergeTurns(assigned []assignment) []Turn {
	var turns []Turn
	for _, a := range assigned {
		text := strings.TrimSpace(a.seg.Text)
		if text == "" {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Speaker == a.speaker {
			turns[n-1].Text += " " + text
			turns[n-1].EndMS = a.seg.EndMS
			continue
		}
		turns = append(turns, Turn{
			Speaker: a.speaker,
			Text:    text,
			StartMS: a.seg.StartMS,
			EndMS:   a.seg.EndMS,
		})
	}
	return turns
}

func withoutSpeakers(texts []TextSegment) []assignment {
	assigned := make([]assignment, len(texts))
	for i, t := range texts {
		assigned[i] = assignment{seg: t, speaker: 0}
	}
	return assigned
}

// RenderDialogue formats turns as em-dash dialogue, one block per turn.
func RenderDialogue(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("Speaker %d: — %s", t.Speaker+1, t.Text))
	}
	return strings.Join(lines, "\n\n")
}

// JoinText concatenates turn text without speaker labels.
func JoinText(turns []Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, " ")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
