package delivery

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/telescribe/telescribe/internal/store"
)

type sentDoc struct {
	filename string
	data     []byte
	caption  string
}

// fakeMessenger records chat operations.
type fakeMessenger struct {
	sent     []string
	edits    []string
	deleted  []int
	docs     []sentDoc
	failEdit bool
}

func (f *fakeMessenger) SendMessage(_ int64, text string) (int, error) {
	f.sent = append(f.sent, text)
	return 100 + len(f.sent), nil
}

func (f *fakeMessenger) EditMessage(_ int64, _ int, text string) error {
	if f.failEdit {
		return context.DeadlineExceeded
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMessenger) DeleteMessage(_ int64, messageID int) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeMessenger) SendDocument(_ int64, filename string, data []byte, caption string) error {
	f.docs = append(f.docs, sentDoc{filename: filename, data: data, caption: caption})
	return nil
}

func testJob() *store.Job {
	return &store.Job{JobID: "j1", ChatID: 42, StatusMessageID: 7}
}

func splitSettings() store.Settings {
	return store.Settings{Delivery: store.DeliverySplit}
}

// longText builds whole-sentence text of at least minRunes runes.
func longText(minRunes int) string {
	sentence := "Это тестовое предложение для проверки разбиения текста на части. "
	var b strings.Builder
	for utf8.RuneCountInString(b.String()) < minRunes {
		b.WriteString(sentence)
	}
	return strings.TrimSpace(b.String())
}

func TestDeliverAtBoundaryEditsInPlace(t *testing.T) {
	msgr := &fakeMessenger{}
	m := New(msgr)

	text := strings.Repeat("а", maxMessageChars)
	if err := m.Deliver(context.Background(), testJob(), text, splitSettings()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(msgr.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(msgr.edits))
	}
	if len(msgr.sent) != 0 || len(msgr.deleted) != 0 || len(msgr.docs) != 0 {
		t.Errorf("boundary text must be edited in place only: sent=%d deleted=%d docs=%d",
			len(msgr.sent), len(msgr.deleted), len(msgr.docs))
	}
}

func TestDeliverOneOverBoundarySplits(t *testing.T) {
	msgr := &fakeMessenger{}
	m := New(msgr)

	// Exactly one rune over the in-place tier.
	para1 := strings.Repeat("а", 2000)
	para2 := strings.Repeat("б", 1999)
	text := para1 + "\n\n" + para2

	if err := m.Deliver(context.Background(), testJob(), text, splitSettings()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(msgr.deleted) != 1 || msgr.deleted[0] != 7 {
		t.Errorf("status message must be deleted, deleted = %v", msgr.deleted)
	}
	if len(msgr.sent) != 2 {
		t.Fatalf("parts = %d, want 2", len(msgr.sent))
	}
	if msgr.sent[0] != para1 || msgr.sent[1] != para2 {
		t.Error("parts must be the original paragraphs")
	}
}

func TestDeliverSplitsOnSentenceBoundaries(t *testing.T) {
	msgr := &fakeMessenger{}
	m := New(msgr)

	text := longText(maxMessageChars + 500)
	if err := m.Deliver(context.Background(), testJob(), text, splitSettings()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(msgr.sent) < 2 {
		t.Fatalf("expected multiple parts, got %d", len(msgr.sent))
	}
	for i, part := range msgr.sent {
		if utf8.RuneCountInString(part) > maxMessageChars {
			t.Errorf("part %d exceeds limit: %d runes", i, utf8.RuneCountInString(part))
		}
		if !strings.HasSuffix(strings.TrimSpace(part), ".") {
			t.Errorf("part %d does not end on a sentence boundary", i)
		}
	}
}

func TestDeliverFilePreference(t *testing.T) {
	msgr := &fakeMessenger{}
	m := New(msgr)

	text := longText(maxMessageChars + 1)
	settings := store.Settings{Delivery: store.DeliveryFile}
	if err := m.Deliver(context.Background(), testJob(), text, settings); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(msgr.docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(msgr.docs))
	}
	doc := msgr.docs[0]
	if matched, _ := regexp.MatchString(`^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}\.txt$`, doc.filename); !matched {
		t.Errorf("filename = %q", doc.filename)
	}
	if string(doc.data) != text {
		t.Error("document content differs from the transcript")
	}
	wantCaption := "Это тестовое предложение для проверки разбиения текста на части."
	if doc.caption != wantCaption {
		t.Errorf("caption = %q", doc.caption)
	}
	if len(msgr.deleted) != 1 {
		t.Errorf("status message must be deleted, deleted = %v", msgr.deleted)
	}
}

func TestDeliverAutoFileOverridesSplitPreference(t *testing.T) {
	msgr := &fakeMessenger{}
	m := New(msgr)

	text := longText(autoFileChars + 1)
	if err := m.Deliver(context.Background(), testJob(), text, splitSettings()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(msgr.docs) != 1 {
		t.Errorf("oversized text must go as a file, docs = %d sent = %d", len(msgr.docs), len(msgr.sent))
	}
}

func TestDeliverBoundaryCountsEscapedRunes(t *testing.T) {
	msgr := &fakeMessenger{}
	m := New(msgr)

	// 959 raw runes, but each & escapes to &amp; and the escaped form
	// runs past the message limit.
	word := strings.Repeat("&", 5)
	text := strings.TrimSpace(strings.Repeat(word+" ", 160))
	if got := utf8.RuneCountInString(text); got >= maxMessageChars {
		t.Fatalf("raw text too long for this test: %d runes", got)
	}

	if err := m.Deliver(context.Background(), testJob(), text, splitSettings()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(msgr.sent) < 2 {
		t.Fatalf("escaped text over the limit must be split, sent = %d", len(msgr.sent))
	}
	for i, part := range msgr.sent {
		if got := utf8.RuneCountInString(part); got > maxMessageChars {
			t.Errorf("part %d is %d runes as sent, over the limit", i, got)
		}
	}
}

func TestDeliverEscapesHTMLAndWrapsCode(t *testing.T) {
	msgr := &fakeMessenger{}
	m := New(msgr)

	settings := store.Settings{UseCodeTags: true, Delivery: store.DeliverySplit}
	if err := m.Deliver(context.Background(), testJob(), "цена <b> растёт & падает", settings); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	got := msgr.edits[0]
	if !strings.HasPrefix(got, "<code>") || !strings.HasSuffix(got, "</code>") {
		t.Errorf("missing code wrap: %q", got)
	}
	if !strings.Contains(got, "&lt;b&gt;") || !strings.Contains(got, "&amp;") {
		t.Errorf("text not escaped: %q", got)
	}
}

func TestDeliverEditFailureFallsBackToSend(t *testing.T) {
	msgr := &fakeMessenger{failEdit: true}
	m := New(msgr)

	if err := m.Deliver(context.Background(), testJob(), "короткий результат", splitSettings()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(msgr.sent) != 1 {
		t.Errorf("expected fallback send, sent = %d", len(msgr.sent))
	}
}

func TestSplitPartsNeverMidWord(t *testing.T) {
	word := strings.Repeat("я", 30)
	text := strings.TrimSpace(strings.Repeat(word+" ", 20))

	for _, part := range splitParts(text, 100) {
		for _, w := range strings.Fields(part) {
			if utf8.RuneCountInString(w) != 30 {
				t.Errorf("word broken across parts: %q", w)
			}
		}
	}
}

func TestProgressSuppressesIdenticalText(t *testing.T) {
	msgr := &fakeMessenger{}
	p := NewProgress(msgr, 42, 7, 120)

	p.Update(context.Background(), StageTranscribing)
	p.lastEdit = time.Now().Add(-time.Minute)
	p.Update(context.Background(), StageTranscribing)

	if len(msgr.edits) != 1 {
		t.Errorf("edits = %d, want 1", len(msgr.edits))
	}
}

func TestProgressRateLimitKeepsPending(t *testing.T) {
	msgr := &fakeMessenger{}
	p := NewProgress(msgr, 42, 7, 120)

	p.Update(context.Background(), StageDownloading)
	p.Update(context.Background(), StageTranscribing)
	if len(msgr.edits) != 1 {
		t.Fatalf("second update must be suppressed, edits = %d", len(msgr.edits))
	}

	p.Flush(context.Background())
	if len(msgr.edits) != 2 {
		t.Fatalf("flush must push the pending update, edits = %d", len(msgr.edits))
	}
	if !strings.Contains(msgr.edits[1], stageLabels[StageTranscribing]) {
		t.Errorf("flushed text = %q", msgr.edits[1])
	}
}

func TestProgressIncludesEstimateForHeavyStages(t *testing.T) {
	msgr := &fakeMessenger{}
	p := NewProgress(msgr, 42, 7, 600)

	p.Update(context.Background(), StageTranscribing)
	if !strings.Contains(msgr.edits[0], "⏳") {
		t.Errorf("expected an estimate, got %q", msgr.edits[0])
	}

	p.lastEdit = time.Now().Add(-time.Minute)
	p.Update(context.Background(), StageDelivering)
	if strings.Contains(msgr.edits[1], "⏳") {
		t.Errorf("delivering stage must carry no estimate, got %q", msgr.edits[1])
	}
}
