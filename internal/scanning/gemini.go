package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

// Gemini implements the Agent interface using Google Gemini
type Gemini struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	timeout  time.Duration
	withDate bool
}

// NewGemini creates a new Gemini agent
func NewGemini(apiKey, modelName string, timeout time.Duration, withDate bool) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:   client,
		model:    client.GenerativeModel(modelName),
		timeout:  timeout,
		withDate: withDate,
	}, nil
}

// Structure sends the instruction and OCR text as two text parts
func (g *Gemini) Structure(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, genai.Text(Prompt(g.withDate)), genai.Text(text))
	if err != nil {
		return "", classifyGemini(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no response from gemini", ErrServiceError)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			responseText.WriteString(string(t))
		}
	}

	content := strings.TrimSpace(responseText.String())
	if content == "" {
		return "", fmt.Errorf("%w: empty completion from gemini", ErrServiceError)
	}
	return content, nil
}

// CountTokens asks the Gemini API to count tokens for the given texts
func (g *Gemini) CountTokens(ctx context.Context, texts ...string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := make([]genai.Part, 0, len(texts))
	for _, t := range texts {
		parts = append(parts, genai.Text(t))
	}
	resp, err := g.model.CountTokens(ctx, parts...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTokenizerUnavailable, err)
	}
	return int(resp.TotalTokens), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

func classifyGemini(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w: gemini blocked the request: %v", ErrServiceError, err)
	}

	var ae *apierror.APIError
	if errors.As(err, &ae) {
		if code := ae.HTTPCode(); code > 0 {
			return classifyStatus("gemini", code, []byte(ae.Error()))
		}
		if st := ae.GRPCStatus(); st != nil {
			switch st.Code() {
			case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
				codes.Unauthenticated, codes.PermissionDenied:
				return fmt.Errorf("%w: gemini: %v", ErrServiceUnavailable, err)
			default:
				return fmt.Errorf("%w: gemini: %v", ErrServiceError, err)
			}
		}
		return classifyStatus("gemini", http.StatusInternalServerError, []byte(ae.Error()))
	}

	return classifyTransport("gemini", err)
}
