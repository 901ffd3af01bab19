package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/telescribe/telescribe/config"
)

func testConfig(primaryURL, fallbackURL string) *config.LLM {
	return &config.LLM{
		Primary:    &config.LLMProvider{BaseURL: primaryURL, APIKey: "pk", Model: "qwen-plus"},
		Fallback:   &config.LLMProvider{BaseURL: fallbackURL, APIKey: "fk", Model: "gemini-2.0-flash"},
		ChunkChars: 5000,
		MinWords:   10,
	}
}

func primaryReply(text string) string {
	return fmt.Sprintf(`{"output":{"text":%q}}`, text)
}

func fallbackReply(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
}

const longInput = "Это достаточно длинный текст для форматирования, " +
	"в нём определённо больше десяти слов и есть смысл звать модель."

func TestFormatShortInputSkipsLLM(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, srv.URL))
	got := f.Format(context.Background(), "всего три слова", Options{})
	if got != "всего три слова" {
		t.Errorf("short input must pass through, got %q", got)
	}
	if called {
		t.Error("LLM must not be called for short input")
	}
}

func TestFormatUsesPrimary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer pk" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, primaryReply("Отформатированный текст, он достаточно длинный для проверки."))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, "http://unused.invalid"))
	got := f.Format(context.Background(), longInput, Options{})
	if !strings.HasPrefix(got, "Отформатированный") {
		t.Errorf("got %q", got)
	}
}

func TestFormatFallsBackOnPrimaryError(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash") {
			t.Errorf("fallback path = %q", r.URL.Path)
		}
		fmt.Fprint(w, fallbackReply("Текст от резервного провайдера, вполне осмысленный."))
	}))
	defer fallback.Close()

	f := New(testConfig(primary.URL, fallback.URL))
	got := f.Format(context.Background(), longInput, Options{})
	if !strings.HasPrefix(got, "Текст от резервного") {
		t.Errorf("got %q", got)
	}
}

func TestFormatBothProvidersFailReturnsInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, srv.URL))
	if got := f.Format(context.Background(), longInput, Options{}); got != longInput {
		t.Errorf("got %q, want unchanged input", got)
	}
}

func TestFormatStripsCodeTagsWhenDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryReply("<code>Текст внутри тегов, достаточно длинный.</code>"))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, srv.URL))
	got := f.Format(context.Background(), longInput, Options{UseCodeTags: false})
	if strings.Contains(got, "<code>") {
		t.Errorf("code tags must be stripped, got %q", got)
	}
}

func TestFormatStripsThinkTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryReply("<think>как бы это сделать</think>Чистый ответ без размышлений модели."))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, srv.URL))
	got := f.Format(context.Background(), longInput, Options{})
	if strings.Contains(got, "<think>") || strings.Contains(got, "размышлений") == false {
		t.Errorf("got %q", got)
	}
	if !strings.HasPrefix(got, "Чистый ответ") {
		t.Errorf("got %q", got)
	}
}

func TestChunkedReassemblyStripsContextMarkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Echo the text portion of the prompt back, as a well-behaved
		// model would, including the context marker line.
		var payload struct {
			Input struct {
				Messages []struct {
					Content string `json:"content"`
				} `json:"messages"`
			} `json:"input"`
		}
		_ = jsonDecode(r, &payload)
		content := payload.Input.Messages[0].Content
		idx := strings.Index(content, "Текст для форматирования:\n\n")
		text := content[idx+len("Текст для форматирования:\n\n"):]
		fmt.Fprint(w, primaryReply(text))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, srv.URL)
	cfg.ChunkChars = 200
	f := New(cfg)

	sentence := "Это предложение занимает заметное место в исходном тексте записи. "
	input := strings.TrimSpace(strings.Repeat(sentence, 12))

	got := f.Format(context.Background(), input, Options{})
	if strings.Contains(got, "[...]") {
		t.Errorf("context markers leaked into output:\n%s", got)
	}
	if !strings.Contains(got, "заметное место") {
		t.Errorf("content dropped during reassembly:\n%s", got)
	}
}

func TestChunkedDegenerateOutputKeepsOriginal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, primaryReply("Коротко."))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, srv.URL)
	cfg.ChunkChars = 200
	f := New(cfg)

	sentence := "Это предложение занимает заметное место в исходном тексте записи. "
	input := strings.TrimSpace(strings.Repeat(sentence, 12))

	got := f.Format(context.Background(), input, Options{})
	if !strings.Contains(got, "заметное место") {
		t.Errorf("degenerate output must be replaced by the original chunk:\n%s", got)
	}
}

func TestDegenerate(t *testing.T) {
	tests := []struct {
		name      string
		formatted string
		original  string
		want      bool
	}{
		{"too short", strings.Repeat("Б", 200), strings.Repeat("А", 1000), true},
		{"mid sentence cutoff", "Вот, видите, это очень важный мом", "Вот, видите, это очень важный момент в нашей работе.", true},
		{"valid", "Это тестовый текст для проверки.", "Это тестовый текст для проверки.", false},
		{"empty after strip", "", "Оригинал.", true},
		{"ellipsis ending", "Это текст который обрывается намеренно и честно…", "Это текст который обрывается намеренно и честно…", false},
	}
	for _, tt := range tests {
		if got := degenerate(tt.formatted, tt.original); got != tt.want {
			t.Errorf("%s: degenerate = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSplitForLLMDialogue(t *testing.T) {
	lines := []string{
		"— Первая реплика собеседника в разговоре.",
		"— Вторая реплика другого собеседника.",
		"— Третья реплика, тоже вполне содержательная.",
	}
	text := strings.Join(lines, "\n")

	chunks := splitForLLM(text, 90, true)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, chunk := range chunks {
		for _, line := range strings.Split(chunk, "\n") {
			if !strings.HasPrefix(line, "—") {
				t.Errorf("dialogue chunk broke a speaker line: %q", line)
			}
		}
	}
	if got := strings.Join(chunks, "\n"); got != text {
		t.Errorf("dialogue reassembly mismatch:\n%s", got)
	}
}

func TestSplitForLLMNeverMidWord(t *testing.T) {
	sentence := "Каждое предложение здесь заканчивается точкой. "
	text := strings.TrimSpace(strings.Repeat(sentence, 20))

	chunks := splitForLLM(text, 150, false)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if !strings.HasSuffix(strings.TrimSpace(chunk), ".") {
			t.Errorf("chunk %d does not end on a sentence boundary: %q", i, chunk)
		}
	}
}

func TestContextTail(t *testing.T) {
	if got := contextTail("короткий текст", 200); got != "короткий текст" {
		t.Errorf("got %q", got)
	}

	long := strings.Repeat("слово ", 100)
	tail := contextTail(long, 50)
	if len([]rune(tail)) > 50 {
		t.Errorf("tail too long: %d runes", len([]rune(tail)))
	}
	if strings.HasPrefix(tail, "лово") {
		t.Errorf("tail starts mid-word: %q", tail)
	}
}

// jsonDecode decodes the request body into v.
func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
