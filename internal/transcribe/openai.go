package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cesar/internal/domain"
)

// Defaults for the hosted Whisper API.
const (
	DefaultOpenAIBase  = "https://api.openai.com/v1"
	DefaultOpenAIModel = "whisper-1"
)

// OpenAI transcribes through the hosted audio transcription endpoint.
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

// OpenAIOption configures the OpenAI backend.
type OpenAIOption func(*OpenAI)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) OpenAIOption {
	return func(o *OpenAI) { o.apiKey = key }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = url }
}

// WithModel selects the remote model.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAI) { o.model = model }
}

// WithLanguage pins the spoken language instead of auto-detection.
func WithLanguage(lang string) OpenAIOption {
	return func(o *OpenAI) { o.language = lang }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAI) { o.httpClient = c }
}

// NewOpenAI builds the client. A missing key falls back to OPENAI_API_KEY.
func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{}
	for _, opt := range opts {
		opt(o)
	}
	if o.apiKey == "" {
		o.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.baseURL == "" {
		o.baseURL = DefaultOpenAIBase
	}
	if o.model == "" {
		o.model = DefaultOpenAIModel
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 60 * time.Minute}
	}
	return o
}

type openAISegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type openAIResponse struct {
	Language string          `json:"language"`
	Duration float64         `json:"duration"`
	Segments []openAISegment `json:"segments"`
	Text     string          `json:"text"`
}

// Transcribe uploads audioPath and requests verbose_json for timed segments.
func (o *OpenAI) Transcribe(ctx context.Context, audioPath string) (Transcription, error) {
	if o.apiKey == "" {
		return Transcription{}, domain.Errorf(domain.KindConfig, "missing API key (set OPENAI_API_KEY)")
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return Transcription{}, domain.NewError(domain.KindTranscription, "", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{"model": o.model, "response_format": "verbose_json"}
	if o.language != "" {
		fields["language"] = o.language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Transcription{}, err
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Transcription{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Transcription{}, err
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, err
	}

	url := strings.TrimRight(o.baseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Transcription{}, err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Transcription{}, domain.NewError(domain.KindTranscription, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := domain.KindTranscription
		if resp.StatusCode == http.StatusUnauthorized {
			kind = domain.KindConfig
		}
		return Transcription{}, domain.Errorf(kind, "openai http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Transcription{}, domain.NewError(domain.KindTranscription, "decode openai response", err)
	}

	tr := Transcription{Language: parsed.Language, Duration: parsed.Duration}
	for _, s := range parsed.Segments {
		tr.Segments = append(tr.Segments, domain.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)})
	}
	if len(tr.Segments) == 0 && strings.TrimSpace(parsed.Text) != "" {
		tr.Segments = []domain.Segment{{Start: 0, End: parsed.Duration, Text: strings.TrimSpace(parsed.Text)}}
	}
	return tr, nil
}
