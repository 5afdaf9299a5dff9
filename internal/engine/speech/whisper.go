// Package speech transcribes audio files with an OpenAI-compatible speech-to-text API.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anatolykoptev/go_reels/internal/engine"
	"github.com/anatolykoptev/go_reels/internal/engine/reels"
)

// ErrTranscriptionFailed covers provider errors, empty text and placeholder output.
var ErrTranscriptionFailed = errors.New("transcription failed")

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "whisper-1"
)

// Config configures a Client.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string // default hint, overridable per call
	Timeout  time.Duration
}

// Client calls the /audio/transcriptions endpoint. It never retries.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

// New returns a Client. APIKey is required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("speech: api key is required")
	}
	c := &Client{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		model:    cfg.Model,
		language: cfg.Language,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c.httpClient = &http.Client{Timeout: timeout}
	return c, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads audioPath and returns the recognized text.
// language overrides the configured hint; "auto" sends none.
func (c *Client) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	engine.IncrTranscriptions()
	text, err := c.transcribe(ctx, audioPath, language)
	if err != nil {
		engine.IncrTranscriptionErrors()
		return "", err
	}
	return text, nil
}

func (c *Client) transcribe(ctx context.Context, audioPath, language string) (string, error) {
	if language == "" {
		language = c.language
	}
	if language == "auto" {
		language = ""
	}

	body, contentType, err := c.buildForm(audioPath, language)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrTranscriptionFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTranscriptionFailed, err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrTranscriptionFailed)
	}
	if !reels.IsRealTranscript(text) {
		return "", fmt.Errorf("%w: placeholder text %q", ErrTranscriptionFailed, text)
	}

	slog.Debug("speech: transcribed",
		slog.String("file", filepath.Base(audioPath)),
		slog.Int("chars", len(text)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return text, nil
}

// buildForm returns the multipart body for audioPath.
func (c *Client) buildForm(audioPath, language string) (*bytes.Buffer, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	fields := map[string]string{
		"model":           c.model,
		"response_format": "json",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
