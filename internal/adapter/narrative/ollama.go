package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const systemPrompt = `You are a product intelligence assistant. Convert technical metrics and detections
into clear, actionable explanations for Product Managers. Focus on what happened, why it matters
and what action to take.`

// Ollama explains detections with a model served by an Ollama instance.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllama creates a narrator calling baseURL/api/generate.
func NewOllama(baseURL, model string, timeout time.Duration, logger *slog.Logger) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "ollama_narrator"),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (o *Ollama) Explain(ctx context.Context, d domain.Detection) (string, error) {
	data, err := json.MarshalIndent(d.Data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal detection data: %w", err)
	}
	prompt := fmt.Sprintf("Explain this insight:\nType: %s\nSeverity: %s\nTitle: %s\nData: %s\n\nProvide a clear 2-3 sentence explanation suitable for a PM.",
		d.Type, d.Severity, d.Title, data)

	body, err := json.Marshal(generateRequest{Model: o.model, System: systemPrompt, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode ollama response: %w", err)
	}
	explanation := strings.TrimSpace(out.Response)
	if explanation == "" {
		return "", fmt.Errorf("ollama returned an empty explanation")
	}
	o.logger.Debug("Generated explanation", "title", d.Title, "chars", len(explanation))
	return explanation, nil
}
