package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"cesar/internal/domain"
)

// TestOpenAITranscribeVerboseJSON checks request shape and segment mapping.
func TestOpenAITranscribeVerboseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("response_format") != "verbose_json" || r.FormValue("model") != "whisper-1" {
			t.Errorf("form = %v", r.MultipartForm.Value)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"language":"english","duration":3.2,"segments":[{"start":0,"end":3.2,"text":" hi "}],"text":"hi"}`))
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "a.mp3")
	mustWriteFile(t, audio, "mp3")

	client := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(srv.URL+"/v1"))
	tr, err := client.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if tr.Language != "english" || len(tr.Segments) != 1 || tr.Segments[0].Text != "hi" {
		t.Fatalf("transcription = %+v", tr)
	}
}

// TestOpenAIUnauthorizedIsConfigError maps 401 to a configuration error.
func TestOpenAIUnauthorizedIsConfigError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "a.mp3")
	mustWriteFile(t, audio, "mp3")

	_, err := NewOpenAI(WithAPIKey("sk-bad"), WithBaseURL(srv.URL)).Transcribe(context.Background(), audio)
	if domain.KindOf(err) != domain.KindConfig {
		t.Fatalf("kind = %s, want config (err=%v)", domain.KindOf(err), err)
	}
}

// TestOpenAIMissingKey fails before any request.
func TestOpenAIMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAI().Transcribe(context.Background(), "whatever.mp3")
	if domain.KindOf(err) != domain.KindConfig {
		t.Fatalf("kind = %s, want config", domain.KindOf(err))
	}
}
