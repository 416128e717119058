// Package resolver turns a sender's free-text instructions into per-file
// print settings with the Gemini generateContent API.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

const (
	DefaultModel   = "gemini-2.0-flash"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 60 * time.Second

	maxResponseBytes = 1 << 20
)

const promptTemplate = `You are a helpful assistant for a print bot. The user may send multiple files (images or PDFs) and a message with instructions.
For each file (1 to %d), extract the following settings from the message:
- file_index: 1-based index of the file (first file is 1)
- type: 'image' or 'pdf'
- copies: integer (default 1)
- pages: page range (e.g., '1-3', 'all') (for PDFs)
- orientation: 'portrait' or 'landscape' (default 'portrait')
- scale_percent: integer (0-100, if user says 'scale 60%%' or similar; default 100)
- scale: 'fit', 'fill', or 'grayscale' (default 'fit')
- margin_percent: integer percent (e.g., 12 for 12%% border; default 0)
Respond ONLY with a JSON array, one object per file, in order.
If the message does not mention a file, use defaults for that file.
Example:
[
  {"file_index": 1, "type": "image", "copies": 2, "orientation": "landscape", "scale_percent": 60, "scale": "fit", "margin_percent": 0},
  {"file_index": 2, "type": "pdf", "copies": 1, "pages": "1-5", "orientation": "portrait", "scale_percent": 100, "scale": "fit", "margin_percent": 12}
]
User message: %q`

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// GeminiResolver implements core.InstructionResolver. Without an API key it
// is disabled and resolves every file to defaults.
type GeminiResolver struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewGeminiResolver(cfg Config, logger *zap.Logger) *GeminiResolver {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiResolver{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (r *GeminiResolver) Enabled() bool { return r.apiKey != "" }

func (r *GeminiResolver) Model() string { return r.model }

type apiRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
	Role  string `json:"role,omitempty"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type apiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// APIError is an error reported by the Gemini API itself.
type APIError struct {
	Code    int
	Message string
	Status  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini api error: %s (status: %s, code: %d)", e.Message, e.Status, e.Code)
}

// Resolve returns exactly fileCount entries. Files the model did not
// describe, or described with malformed JSON, get empty entries and the
// returned error wraps core.ErrResolver naming them.
func (r *GeminiResolver) Resolve(ctx context.Context, instructions string, fileCount int) ([]core.RawSettings, error) {
	if fileCount <= 0 {
		return nil, nil
	}
	out := make([]core.RawSettings, fileCount)
	if !r.Enabled() {
		return out, nil
	}

	text, err := r.generate(ctx, fmt.Sprintf(promptTemplate, fileCount, instructions))
	if err != nil {
		return out, fmt.Errorf("%w: %w", core.ErrResolver, err)
	}

	elems, err := splitArray(text)
	if err != nil {
		return out, fmt.Errorf("%w: %v", core.ErrResolver, err)
	}

	filled := make([]bool, fileCount)
	var malformed []int
	for pos, elem := range elems {
		var rs core.RawSettings
		if err := json.Unmarshal(elem, &rs); err != nil {
			malformed = append(malformed, pos+1)
			r.logger.Debug("malformed settings element", zap.Int("position", pos+1), zap.Error(err))
			continue
		}
		idx := pos
		if rs.FileIndex != nil && int(*rs.FileIndex) >= 1 && int(*rs.FileIndex) <= fileCount {
			idx = int(*rs.FileIndex) - 1
		}
		if idx >= fileCount || filled[idx] {
			continue
		}
		out[idx] = rs
		filled[idx] = true
	}

	var missing []int
	for i, ok := range filled {
		if !ok {
			missing = append(missing, i+1)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	msg := fmt.Sprintf("no usable settings for files %v", missing)
	if len(malformed) > 0 {
		msg += fmt.Sprintf(" (malformed elements %v)", malformed)
	}
	return out, fmt.Errorf("%w: %s", core.ErrResolver, msg)
}

func (r *GeminiResolver) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(apiRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:      0.1,
			ResponseMimeType: "application/json",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		r.baseURL, url.PathEscape(r.model), url.QueryEscape(r.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", redactKey(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("gemini returned status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return "", &APIError{
			Code:    apiResp.Error.Code,
			Message: apiResp.Error.Message,
			Status:  apiResp.Error.Status,
		}
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("gemini returned status %d", resp.StatusCode)
	}
	if len(apiResp.Candidates) == 0 || len(apiResp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no response from gemini")
	}

	text := apiResp.Candidates[0].Content.Parts[0].Text
	r.logger.Debug("gemini raw response", zap.String("text", text))
	return text, nil
}

// splitArray strips code fences and returns the raw elements of the JSON
// array in text, so each can be decoded on its own.
func splitArray(text string) ([]json.RawMessage, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end < start {
		// A single object is accepted as a one-element array.
		if obj := strings.TrimSpace(text); strings.HasPrefix(obj, "{") {
			return []json.RawMessage{json.RawMessage(obj)}, nil
		}
		return nil, errors.New("no json array found in response")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &elems); err != nil {
		return nil, fmt.Errorf("failed to parse json array: %w", err)
	}
	return elems, nil
}

// redactKey drops the request URL, which carries the API key, from transport
// errors.
func redactKey(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
