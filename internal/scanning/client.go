package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Invoice contains the structured fields extracted from an invoice text
type Invoice struct {
	SupplierName     string  `json:"supplier_name"`
	InvoiceDate      string  `json:"invoice_date"` // ISO 8601, empty if unknown
	InvoiceNumber    string  `json:"invoice_number"`
	Lines            []Line  `json:"lines"`
	AmountUntaxed    float64 `json:"amount_untaxed"`
	AmountTax        float64 `json:"amount_tax"`
	AmountTotal      float64 `json:"amount_total"`
	Currency         string  `json:"currency"`
	PaymentReference string  `json:"payment_reference"`
}

// Result is a successful extraction
type Result struct {
	Invoice     Invoice
	RawResponse string
	Confidence  ConfidenceMap
}

// Client extracts invoice fields through a language model backend
type Client struct {
	backend Backend
	now     func() time.Time
}

// NewClient creates a Client over backend
func NewClient(backend Backend) *Client {
	return &Client{backend: backend, now: time.Now}
}

// NewClientWithClock creates a Client whose date plausibility checks use now
func NewClientWithClock(backend Backend, now func() time.Time) *Client {
	return &Client{backend: backend, now: now}
}

// Extract sends text to the backend and returns the parsed invoice with
// per-field confidence. Failures are always *Error.
func (c *Client) Extract(ctx context.Context, text string, language string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newError(KindValidation, "empty or missing text", nil)
	}

	slog.Info("Starting AI extraction", "language", language)

	raw, err := c.backend.Generate(ctx, BuildPrompt(text, language))
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, newError(KindRequest, "request error", err)
	}

	data, err := parseAnswer(raw)
	if err != nil {
		slog.Warn("Failed to parse AI response", "error", err)
		return nil, newError(KindParse, "failed to parse AI response as JSON", err)
	}

	return &Result{
		Invoice:     toInvoice(data),
		RawResponse: raw,
		Confidence:  Score(data, c.now()),
	}, nil
}

// TestConnection probes the backend and reports a human readable status
func (c *Client) TestConnection(ctx context.Context) (bool, string, []string) {
	models, err := c.backend.ListModels(ctx)
	if err != nil {
		switch KindOf(err) {
		case KindTimeout:
			return false, "Connection timeout", nil
		case KindConnection:
			return false, "Connection error - server unreachable", nil
		}
		return false, fmt.Sprintf("Error: %v", err), nil
	}
	return true, fmt.Sprintf("Connection OK - %d model(s) available", len(models)), models
}

func toInvoice(data map[string]any) Invoice {
	inv := Invoice{
		SupplierName:     strings.TrimSpace(stringValue(data["supplier_name"])),
		InvoiceNumber:    strings.TrimSpace(stringValue(data["invoice_number"])),
		Lines:            ParseLines(data["lines"]),
		Currency:         stringValue(data["currency"]),
		PaymentReference: stringValue(data["payment_reference"]),
	}
	if d, ok := ParseDate(stringValue(data["invoice_date"])); ok {
		inv.InvoiceDate = d
	}
	inv.AmountUntaxed, _ = ParseAmount(data["amount_untaxed"])
	inv.AmountTax, _ = ParseAmount(data["amount_tax"])
	inv.AmountTotal, _ = ParseAmount(data["amount_total"])
	return inv
}
