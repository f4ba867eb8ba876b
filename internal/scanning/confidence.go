package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Field names of the confidence map
const (
	FieldSupplier      = "supplier"
	FieldDate          = "date"
	FieldInvoiceNumber = "invoice_number"
	FieldLines         = "lines"
	FieldAmountUntaxed = "amount_untaxed"
	FieldAmountTax     = "amount_tax"
	FieldAmountTotal   = "amount_total"
	FieldTotal         = "total"
	FieldGlobal        = "global"
)

// LowConfidenceThreshold is the default review threshold
const LowConfidenceThreshold = 80

var fieldWeights = []struct {
	field  string
	weight int
}{
	{FieldSupplier, 15},
	{FieldDate, 10},
	{FieldInvoiceNumber, 10},
	{FieldLines, 25},
	{FieldAmountUntaxed, 15},
	{FieldAmountTax, 10},
	{FieldAmountTotal, 15},
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(\d{1,2})[./](\d{1,2})[./](\d{4})`),
	regexp.MustCompile(`^(\d{1,2})[./](\d{1,2})[./](\d{2})`),
	regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})`),
	regexp.MustCompile(`(?i)^(\d{1,2})\s+(janvier|february|fevrier|mars|april|avril|mai|may|juin|june|` +
		`juillet|july|aout|august|septembre|september|octobre|october|` +
		`novembre|november|decembre|december)\s+(\d{4})`),
}

const confidenceSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"required": ["confidence"],
		"properties": {
			"confidence": {"type": "integer", "minimum": 0, "maximum": 100}
		}
	}
}`

var confidenceMapSchema = jsonschema.MustCompileString("confidence.json", confidenceSchema)

// FieldConfidence is an extracted value with its 0-100 reliability score
type FieldConfidence struct {
	Value      any `json:"value"`
	Confidence int `json:"confidence"`
}

// ConfidenceMap holds per-field confidence, serialized as
// {field: {"value": any, "confidence": int}}
type ConfidenceMap map[string]FieldConfidence

// ParseConfidenceMap decodes stored confidence data and rejects any shape
// other than {field: {"value": any, "confidence": 0..100}}
func ParseConfidenceMap(data []byte) (ConfidenceMap, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return ConfidenceMap{}, nil
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding confidence data: %w", err)
	}
	if err := confidenceMapSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid confidence data: %w", err)
	}

	var m ConfidenceMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling confidence data: %w", err)
	}
	return m, nil
}

// Get returns the confidence of a field
func (m ConfidenceMap) Get(field string) (int, bool) {
	fc, ok := m[field]
	return fc.Confidence, ok
}

// Set stores a field value and confidence
func (m ConfidenceMap) Set(field string, value any, confidence int) error {
	if field == "" {
		return fmt.Errorf("field name is required")
	}
	if confidence < 0 || confidence > 100 {
		return fmt.Errorf("confidence %d for %s out of range 0-100", confidence, field)
	}
	m[field] = FieldConfidence{Value: value, Confidence: confidence}
	return nil
}

// Global returns the stored global confidence, or 0
func (m ConfidenceMap) Global() int {
	return m[FieldGlobal].Confidence
}

// LowFields returns the fields scoring under threshold, sorted by name
func (m ConfidenceMap) LowFields(threshold int) []string {
	var fields []string
	for name, fc := range m {
		if fc.Confidence < threshold {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// Clone returns an independent copy
func (m ConfidenceMap) Clone() ConfidenceMap {
	out := make(ConfidenceMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Badge returns the review colour for a confidence score
func Badge(confidence int) string {
	switch {
	case confidence >= 80:
		return "green"
	case confidence >= 50:
		return "orange"
	}
	return "red"
}

// Score computes the confidence of every extracted field and the weighted
// global score. now anchors the date plausibility check.
func Score(data map[string]any, now time.Time) ConfidenceMap {
	m := ConfidenceMap{}

	supplier := data["supplier_name"]
	if s, ok := supplier.(string); ok && utf8.RuneCountInString(strings.TrimSpace(s)) > 2 {
		m[FieldSupplier] = FieldConfidence{Value: s, Confidence: 60}
	} else if truthy(supplier) {
		m[FieldSupplier] = FieldConfidence{Value: supplier, Confidence: 40}
	} else {
		m[FieldSupplier] = FieldConfidence{Value: nil, Confidence: 0}
	}

	m[FieldDate] = FieldConfidence{Value: data["invoice_date"], Confidence: scoreDate(data["invoice_date"], now)}

	if n, ok := data["invoice_number"].(string); ok && strings.TrimSpace(n) != "" {
		m[FieldInvoiceNumber] = FieldConfidence{Value: n, Confidence: 90}
	} else {
		m[FieldInvoiceNumber] = FieldConfidence{Value: nil, Confidence: 0}
	}

	lines, _ := data["lines"].([]any)
	m[FieldLines] = FieldConfidence{Value: len(lines), Confidence: scoreLines(data["lines"])}

	untaxed, hasUntaxed := ParseAmount(data["amount_untaxed"])
	tax, hasTax := ParseAmount(data["amount_tax"])
	total, hasTotal := ParseAmount(data["amount_total"])
	amounts := scoreAmounts(untaxed, hasUntaxed, tax, hasTax, total, hasTotal)

	m[FieldAmountUntaxed] = amountConfidence(untaxed, hasUntaxed, amounts)
	m[FieldAmountTax] = amountConfidence(tax, hasTax, amounts)
	m[FieldAmountTotal] = amountConfidence(total, hasTotal, amounts)

	weighted := 0
	for _, w := range fieldWeights {
		weighted += m[w.field].Confidence * w.weight
	}
	global := weighted / 100
	m[FieldGlobal] = FieldConfidence{Value: global, Confidence: global}

	return m
}

func amountConfidence(value float64, present bool, score int) FieldConfidence {
	if !present {
		return FieldConfidence{Value: nil, Confidence: 0}
	}
	return FieldConfidence{Value: value, Confidence: score}
}

func scoreDate(value any, now time.Time) int {
	s, ok := value.(string)
	if !ok || s == "" {
		return 0
	}

	if parsed, err := time.Parse("2006-1-2", s); err == nil {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		days := math.Abs(math.Floor(today.Sub(parsed).Hours() / 24))
		switch {
		case days < 365:
			return 95
		case days < 730:
			return 80
		}
		return 60
	}

	for _, p := range datePatterns {
		if p.MatchString(s) {
			return 70
		}
	}
	return 30
}

func scoreLines(value any) int {
	lines, ok := value.([]any)
	if !ok || len(lines) == 0 {
		return 0
	}

	valid := 0
	for _, item := range lines {
		line, ok := item.(map[string]any)
		if !ok {
			continue
		}
		hasDesc := truthy(line["description"])
		hasAmount := line["amount"] != nil || (line["quantity"] != nil && line["unit_price"] != nil)
		if hasDesc && hasAmount {
			valid++
		}
	}

	if valid == 0 {
		return 20
	}
	ratio := float64(valid) / float64(len(lines))
	return int(50 + ratio*50)
}

func scoreAmounts(untaxed float64, hasUntaxed bool, tax float64, hasTax bool, total float64, hasTotal bool) int {
	if !hasTotal {
		return 0
	}
	if !hasUntaxed && !hasTax {
		return 50
	}
	if !hasUntaxed || !hasTax {
		return 60
	}

	calculated := untaxed + tax
	if total == 0 {
		if calculated == 0 {
			return 90
		}
		return 30
	}

	diffPercent := math.Abs(calculated-total) / math.Abs(total) * 100
	switch {
	case diffPercent < 0.1:
		return 98
	case diffPercent < 1:
		return 90
	case diffPercent < 5:
		return 70
	}
	return 40
}
