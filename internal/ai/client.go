package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/panguard-ai/panguard-guard/internal/analysis"
	"github.com/panguard-ai/panguard-guard/internal/config"
	"github.com/panguard-ai/panguard-guard/internal/model"
)

const (
	availabilityTTL = 30 * time.Second
	maxTokens       = 512
	temperature     = 0.1

	systemPrompt = "You are a host intrusion analyst. Answer only with a single JSON object, no prose."
)

var techniquePattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// chatRequest is an OpenAI-compatible chat completion request
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Client is an analysis.AIProvider backed by any OpenAI-compatible
// chat completions endpoint, including local Ollama
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	available   bool
	checkedAt   time.Time
	checkExpiry time.Duration
}

// NewClient creates a provider from configuration
func NewClient(cfg config.AIConfig, logger *slog.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger:      logger,
		checkExpiry: availabilityTTL,
	}
}

// IsAvailable probes the models listing and caches the answer briefly
func (c *Client) IsAvailable(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.checkedAt.IsZero() && time.Since(c.checkedAt) < c.checkExpiry {
		return c.available
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/models", nil)
	if err != nil {
		return false
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	c.checkedAt = time.Now()
	if err != nil {
		c.logger.Debug("AI provider unreachable", "endpoint", c.endpoint, "error", err)
		c.available = false
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.available = resp.StatusCode == http.StatusOK
	return c.available
}

// Analyze sends the prompt and decodes the structured assessment
func (c *Client) Analyze(ctx context.Context, prompt string) (*analysis.AIAnalysis, error) {
	content, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var out analysis.AIAnalysis
	if err := json.Unmarshal([]byte(extractJSON(content)), &out); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", out.Confidence)
	}
	return &out, nil
}

// Classify asks for the ATT&CK technique that best fits the event
func (c *Client) Classify(ctx context.Context, event model.SecurityEvent) (*analysis.Classification, error) {
	prompt := fmt.Sprintf(
		"Classify this host security event with a MITRE ATT&CK technique.\n"+
			"Source: %s\nCategory: %s\nDescription: %s\n"+
			`Respond with JSON: {"technique": "Txxxx or Txxxx.yyy", "tactic": string}. Use an empty technique when none applies.`,
		event.Source, event.Category, event.Description)

	content, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var out analysis.Classification
	if err := json.Unmarshal([]byte(extractJSON(content)), &out); err != nil {
		return nil, fmt.Errorf("failed to decode classification: %w", err)
	}
	out.Technique = strings.ToUpper(strings.TrimSpace(out.Technique))
	if out.Technique != "" && !techniquePattern.MatchString(out.Technique) {
		c.logger.Debug("Discarding malformed technique", "technique", out.Technique)
		out.Technique = ""
	}
	return &out, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	request := chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:      maxTokens,
		Temperature:    temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e apiError
		if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
			return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
		return "", fmt.Errorf("API error: %s", e.Error.Message)
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return response.Choices[0].Message.Content, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// extractJSON trims markdown fences and surrounding prose from a model reply
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return content
	}
	return content[start : end+1]
}
