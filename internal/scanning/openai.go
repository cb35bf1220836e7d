package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Vocabularies are embedded; nothing is downloaded at runtime
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// OpenAIConfig configures the OpenAI chat/completions agent
type OpenAIConfig struct {
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
	WithDate bool
}

// OpenAI implements the Agent interface using the OpenAI chat completions API
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client

	encOnce      sync.Once
	enc          *tiktoken.Tiktoken
	encErr       error
	loadEncoding func(model string) (*tiktoken.Tiktoken, error)
}

// NewOpenAI creates a new OpenAI agent
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &OpenAI{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		loadEncoding: encodingForModel,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Structure sends the fixed instruction and the OCR text as two user messages
func (o *OpenAI) Structure(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	start := time.Now()
	body, err := json.Marshal(chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: Prompt(o.cfg.WithDate)},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshaling request: %v", ErrServiceError, err)
	}

	url := strings.TrimRight(o.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %v", ErrServiceError, err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", classifyTransport("openai", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransport("openai", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("OpenAI request failed",
			"model", o.cfg.Model,
			"status", resp.StatusCode,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", classifyStatus("openai", resp.StatusCode, raw)
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", fmt.Errorf("%w: decoding openai response: %v", ErrServiceError, err)
	}
	if len(cc.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in openai response", ErrServiceError)
	}

	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty completion from openai", ErrServiceError)
	}

	slog.Debug("OpenAI completion received",
		"model", o.cfg.Model,
		"content_length", len(content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

// CountTokens encodes texts with the model's tiktoken vocabulary.
// It gives up with ErrTokenizerUnavailable when ctx ends first.
func (o *OpenAI) CountTokens(ctx context.Context, texts ...string) (int, error) {
	type count struct {
		n   int
		err error
	}
	done := make(chan count, 1)
	go func() {
		o.encOnce.Do(func() {
			o.enc, o.encErr = o.loadEncoding(o.cfg.Model)
		})
		if o.encErr != nil {
			done <- count{err: o.encErr}
			return
		}
		total := 0
		for _, t := range texts {
			total += len(o.enc.Encode(t, nil, nil))
		}
		done <- count{n: total}
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrTokenizerUnavailable, ctx.Err())
	case c := <-done:
		if c.err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTokenizerUnavailable, c.err)
		}
		return c.n, nil
	}
}

func encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Newer models share the o200k vocabulary
		return tiktoken.GetEncoding("o200k_base")
	}
	return enc, nil
}

// Close is a no-op for the HTTP client
func (o *OpenAI) Close() error {
	return nil
}
