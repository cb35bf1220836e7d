package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama implements the Agent interface using a local Ollama server
type Ollama struct {
	baseURL  string
	model    string
	timeout  time.Duration
	withDate bool
	client   *http.Client
}

// NewOllama creates a new Ollama agent.
// Text-only models work well here since OCR has already run, e.g.:
//   - llama3.1:8b
//   - qwen2.5:7b
//   - mistral
func NewOllama(baseURL, modelName string, timeout time.Duration, withDate bool) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llama3.1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second // local models can be slow on CPU
	}

	return &Ollama{
		baseURL:  strings.TrimRight(baseURL, "/"),
		model:    modelName,
		timeout:  timeout,
		withDate: withDate,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Structure sends the OCR text to Ollama's chat endpoint
func (o *Ollama) Structure(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading receipts. You list what was purchased, line by line, exactly in the format requested.",
			},
			{Role: "user", Content: Prompt(o.withDate)},
			{Role: "user", Content: text},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: marshaling request: %v", ErrServiceError, err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %v", ErrServiceError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", classifyTransport("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyStatus("ollama", resp.StatusCode, body)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: decoding ollama response: %v", ErrServiceError, err)
	}

	content := strings.TrimSpace(chatResp.Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty completion from ollama", ErrServiceError)
	}
	return content, nil
}

// CountTokens is not supported; Ollama exposes no tokenizer endpoint
func (o *Ollama) CountTokens(_ context.Context, _ ...string) (int, error) {
	return 0, fmt.Errorf("%w: ollama model %s", ErrTokenizerUnavailable, o.model)
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
