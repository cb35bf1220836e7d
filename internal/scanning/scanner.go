package scanning

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrDecode is returned when uploaded bytes are not a supported raster image
	ErrDecode = errors.New("image decode failed")

	// ErrExtractionUnavailable is returned when the OCR engine cannot run
	ErrExtractionUnavailable = errors.New("text extraction unavailable")

	// ErrServiceUnavailable covers network, auth, timeout and rate-limit failures
	// of the completion service. Resubmitting later may succeed.
	ErrServiceUnavailable = errors.New("completion service unavailable")

	// ErrServiceError covers application-level failures of the completion service
	ErrServiceError = errors.New("completion service error")

	// ErrTokenizerUnavailable is returned by agents that cannot count tokens
	ErrTokenizerUnavailable = errors.New("tokenizer unavailable")
)

// Extractor turns an image into raw text
type Extractor interface {
	// ExtractText returns the text found in img, or "" when there is none
	ExtractText(ctx context.Context, img image.Image) (string, error)
}

// Agent sends OCR text to a language model and returns its completion
type Agent interface {
	// Structure returns the raw completion for the extracted text
	Structure(ctx context.Context, text string) (string, error)
	// CountTokens counts tokens with the target model's vocabulary
	CountTokens(ctx context.Context, texts ...string) (int, error)
	// Close releases any resources held by the agent
	Close() error
}
