package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.0-flash"
	maxGeminiResponse    = 4 << 20
)

// GeminiService generates replies with the Gemini generateContent REST endpoint
type GeminiService struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewGeminiService creates a completion client. The HTTP timeout is only a backstop;
// callers bound each request with their context.
func NewGeminiService(baseURL, defaultModel string, timeout time.Duration) *GeminiService {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if defaultModel == "" {
		defaultModel = defaultGeminiModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeminiService{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: timeout + 5*time.Second},
	}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *geminiError `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Complete sends prompt as a single user turn and returns the generated text.
// Every failure wraps models.ErrProvider.
func (g *GeminiService) Complete(ctx context.Context, apiKey, model, prompt string) (string, error) {
	if strings.TrimSpace(apiKey) == "" {
		return "", models.ProviderError("gemini", errors.New("missing api key"))
	}
	if model == "" {
		model = g.defaultModel
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", models.ProviderError("gemini: marshal request", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", models.ProviderError("gemini: create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", models.ProviderError("gemini: API call", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGeminiResponse))
	if err != nil {
		return "", models.ProviderError("gemini: read response", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", models.ProviderError("gemini", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200)))
		}
		return "", models.ProviderError("gemini: decode response", err)
	}
	if parsed.Error != nil {
		return "", models.ProviderError("gemini", fmt.Errorf("%s (%d): %s", parsed.Error.Status, parsed.Error.Code, parsed.Error.Message))
	}
	if resp.StatusCode != http.StatusOK {
		return "", models.ProviderError("gemini", fmt.Errorf("status %d", resp.StatusCode))
	}
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return "", models.ProviderError("gemini", fmt.Errorf("prompt blocked: %s", parsed.PromptFeedback.BlockReason))
	}

	var sb strings.Builder
	for _, c := range parsed.Candidates {
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", models.ProviderError("gemini", errors.New("empty completion"))
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
