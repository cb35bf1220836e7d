package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// receiptPrompt is the instruction sent ahead of the OCR text. The parser in
// the receipt package depends on the labels it asks for.
const receiptPrompt = "Extract Store name:, Date:, Item Purchase:  and its corresponding Price on separate lines. " +
	"Ensure each item is on a new line without extra punctuation or symbols.Careful with the quantity"

// receiptPromptNoDate is used by deployments whose ledger has no Date column
const receiptPromptNoDate = "Extract Store name:, Item Purchase:  and its corresponding Price on separate lines. " +
	"Ensure each item is on a new line without extra punctuation or symbols.Careful with the quantity"

// Prompt returns the instruction for a ledger with or without a Date column
func Prompt(withDate bool) string {
	if withDate {
		return receiptPrompt
	}
	return receiptPromptNoDate
}

// classifyStatus maps a non-2xx completion response to a typed error
func classifyStatus(provider string, status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout,
		http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s status %d: %s", ErrServiceUnavailable, provider, status, truncate(string(body), 512))
	default:
		return fmt.Errorf("%w: %s status %d: %s", ErrServiceError, provider, status, truncate(string(body), 512))
	}
}

// classifyTransport maps a failed round trip to ErrServiceUnavailable
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %v", ErrServiceUnavailable, provider, err)
	}
	return fmt.Errorf("%w: calling %s: %v", ErrServiceUnavailable, provider, err)
}
