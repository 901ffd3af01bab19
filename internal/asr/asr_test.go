package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/telescribe/telescribe/config"
)

// passthroughChunker never splits.
type passthroughChunker struct{}

func (passthroughChunker) SplitChunks(_ context.Context, path string, _ int) ([]string, error) {
	return []string{path}, nil
}

// fakeObjectStore records staging calls without touching S3.
type fakeObjectStore struct {
	puts    int
	deletes int
	url     string
}

func (f *fakeObjectStore) PutFile(context.Context, string) (string, error) {
	f.puts++
	return "audio/test-key.mp3", nil
}

func (f *fakeObjectStore) PresignURL(context.Context, string) (string, error) {
	return f.url, nil
}

func (f *fakeObjectStore) Delete(context.Context, string) error {
	f.deletes++
	return nil
}

func testConfig(baseURL string) *config.ASR {
	return &config.ASR{
		BaseURL:         baseURL,
		APIKey:          "test-key",
		Model:           "qwen3-asr-flash",
		SpeakerModel:    "fun-asr-mtl",
		Language:        "ru",
		ChunkSeconds:    150,
		MaxChunkSeconds: 180,
		PollInterval:    5 * time.Millisecond,
		PollTimeout:     time.Second,
	}
}

func writeTempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp3")
	if err := os.WriteFile(path, []byte("fake-mp3-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribeInline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		if payload["model"] != "qwen3-asr-flash" {
			t.Errorf("model = %v", payload["model"])
		}
		fmt.Fprint(w, `{"output":{"choices":[{"message":{"content":[{"text":"привет мир"}]}}]}}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), &fakeObjectStore{}, passthroughChunker{})
	text, err := c.Transcribe(context.Background(), writeTempAudio(t), "ru")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "привет мир" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribeEmptyIsNoSpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output":{"text":""}}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), &fakeObjectStore{}, passthroughChunker{})
	_, err := c.Transcribe(context.Background(), writeTempAudio(t), "ru")
	if !errors.Is(err, ErrNoSpeech) {
		t.Errorf("expected ErrNoSpeech, got %v", err)
	}
}

// multiChunker fakes a split into n copies of the same clip.
type multiChunker struct{ n int }

func (m multiChunker) SplitChunks(_ context.Context, path string, _ int) ([]string, error) {
	chunks := make([]string, m.n)
	for i := range chunks {
		chunks[i] = path
	}
	return chunks, nil
}

func TestTranscribeToleratesMinorityChunkFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"output":{"text":"part %d"}}`, calls)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), &fakeObjectStore{}, multiChunker{n: 3})
	text, err := c.Transcribe(context.Background(), writeTempAudio(t), "ru")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "part 1 part 3" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribeSilentChunkIsNotAFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, `{"output":{"text":""}}`)
			return
		}
		fmt.Fprint(w, `{"output":{"text":"речь только в конце"}}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), &fakeObjectStore{}, multiChunker{n: 2})
	text, err := c.Transcribe(context.Background(), writeTempAudio(t), "ru")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "речь только в конце" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribeAllChunksSilentIsNoSpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output":{"text":""}}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), &fakeObjectStore{}, multiChunker{n: 3})
	_, err := c.Transcribe(context.Background(), writeTempAudio(t), "ru")
	if !errors.Is(err, ErrNoSpeech) {
		t.Errorf("expected ErrNoSpeech, got %v", err)
	}
}

// recordingChunker captures the chunk length it was asked for.
type recordingChunker struct {
	chunkSeconds int
}

func (r *recordingChunker) SplitChunks(_ context.Context, path string, chunkSeconds int) ([]string, error) {
	r.chunkSeconds = chunkSeconds
	return []string{path}, nil
}

func TestTranscribeClampsChunkLengthToProviderCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"output":{"text":"привет мир"}}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ChunkSeconds = 600
	chunker := &recordingChunker{}

	c := New(cfg, &fakeObjectStore{}, chunker)
	if _, err := c.Transcribe(context.Background(), writeTempAudio(t), "ru"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if chunker.chunkSeconds != 180 {
		t.Errorf("chunk seconds = %d, want the 180s provider cap", chunker.chunkSeconds)
	}
}

func TestTranscribeMajorityChunkFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), &fakeObjectStore{}, multiChunker{n: 3})
	_, err := c.Transcribe(context.Background(), writeTempAudio(t), "ru")
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Errorf("expected ErrTranscriptionFailed, got %v", err)
	}
}

// diarizationServer simulates submit/poll/fetch for both passes, with
// per-model failure switches.
func diarizationServer(t *testing.T, failSpeaker, failText bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/services/audio/asr/transcription", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-DashScope-Async") != "enable" {
			t.Error("missing async header")
		}
		var payload struct {
			Model string         `json:"model"`
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad submit payload: %v", err)
		}

		speaker := payload.Model == "fun-asr-mtl"
		if speaker {
			if _, ok := payload.Input["file_urls"]; !ok {
				t.Error("speaker pass must use file_urls list")
			}
			if failSpeaker {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			fmt.Fprint(w, `{"output":{"task_id":"task-speaker"}}`)
			return
		}

		if _, ok := payload.Input["file_url"]; !ok {
			t.Error("text pass must use scalar file_url")
		}
		if failText {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"output":{"task_id":"task-text"}}`)
	})

	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		task := strings.TrimPrefix(r.URL.Path, "/tasks/")
		fmt.Fprintf(w, `{"output":{"task_status":"SUCCEEDED","results":[{"transcription_url":"%s/transcription/%s"}]}}`,
			srv.URL, task)
	})

	mux.HandleFunc("/transcription/task-speaker", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"transcripts":[{"sentences":[
			{"speaker_id":0,"text":"rough hello","begin_time":0,"end_time":1000},
			{"speaker_id":1,"text":"rough world","begin_time":1000,"end_time":2000}
		]}]}`)
	})

	mux.HandleFunc("/transcription/task-text", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"transcripts":[{"sentences":[
			{"text":"привет","begin_time":0,"end_time":900},
			{"text":"мир","begin_time":1000,"end_time":1900}
		]}]}`)
	})

	srv = httptest.NewServer(mux)
	return srv
}

func TestTranscribeDiarizedBothPasses(t *testing.T) {
	srv := diarizationServer(t, false, false)
	defer srv.Close()

	store := &fakeObjectStore{url: srv.URL + "/staged.mp3"}
	c := New(testConfig(srv.URL), store, passthroughChunker{})

	result, err := c.TranscribeDiarized(context.Background(), writeTempAudio(t), "ru", 0)
	if err != nil {
		t.Fatalf("TranscribeDiarized: %v", err)
	}
	if len(result.Speakers) != 2 || len(result.Texts) != 2 {
		t.Fatalf("segments = %d speakers, %d texts", len(result.Speakers), len(result.Texts))
	}
	if result.Texts[0].Text != "привет" {
		t.Errorf("text[0] = %q", result.Texts[0].Text)
	}
	if result.Speakers[1].Speaker != 1 {
		t.Errorf("speaker[1] = %d", result.Speakers[1].Speaker)
	}
	if store.puts != 1 {
		t.Errorf("audio staged %d times, want exactly once", store.puts)
	}
	if store.deletes != 1 {
		t.Errorf("staged audio deleted %d times, want exactly once", store.deletes)
	}
}

func TestTranscribeDiarizedSpeakerPassFails(t *testing.T) {
	srv := diarizationServer(t, true, false)
	defer srv.Close()

	store := &fakeObjectStore{url: srv.URL + "/staged.mp3"}
	c := New(testConfig(srv.URL), store, passthroughChunker{})

	result, err := c.TranscribeDiarized(context.Background(), writeTempAudio(t), "ru", 0)
	if err != nil {
		t.Fatalf("TranscribeDiarized: %v", err)
	}
	if len(result.Speakers) != 0 {
		t.Errorf("expected no speaker labels, got %d", len(result.Speakers))
	}
	if got := result.PlainText(); got != "привет мир" {
		t.Errorf("plain text = %q", got)
	}
}

func TestTranscribeDiarizedTextPassFails(t *testing.T) {
	srv := diarizationServer(t, false, true)
	defer srv.Close()

	store := &fakeObjectStore{url: srv.URL + "/staged.mp3"}
	c := New(testConfig(srv.URL), store, passthroughChunker{})

	result, err := c.TranscribeDiarized(context.Background(), writeTempAudio(t), "ru", 0)
	if err != nil {
		t.Fatalf("TranscribeDiarized: %v", err)
	}
	if len(result.Speakers) != 0 {
		t.Errorf("speaker labels must be discarded with rough text, got %d", len(result.Speakers))
	}
	if got := result.PlainText(); got != "rough hello rough world" {
		t.Errorf("plain text = %q", got)
	}
}

func TestTranscribeDiarizedBothPassesFail(t *testing.T) {
	srv := diarizationServer(t, true, true)
	defer srv.Close()

	store := &fakeObjectStore{url: srv.URL + "/staged.mp3"}
	c := New(testConfig(srv.URL), store, passthroughChunker{})

	_, err := c.TranscribeDiarized(context.Background(), writeTempAudio(t), "ru", 0)
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Errorf("expected ErrTranscriptionFailed, got %v", err)
	}
	if store.deletes != 1 {
		t.Errorf("staged audio must be deleted on failure, deletes = %d", store.deletes)
	}
}
