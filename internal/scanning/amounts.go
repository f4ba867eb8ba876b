package scanning

import (
	"strconv"
	"strings"
	"time"
)

// Line is one parsed invoice line
type Line struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

const defaultLineDescription = "Ligne facture"

// ParseAmount converts a model value to a number. Strings may use Swiss
// formatting: apostrophe or (non-breaking) space thousands separators and
// a decimal comma, e.g. "1'234,56".
func ParseAmount(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		cleaned := strings.NewReplacer(" ", "", "'", "", "\u00a0", "").Replace(v)
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// ParseDate normalizes YYYY-MM-DD, DD.MM.YYYY and DD/MM/YYYY (two digit
// years are taken as 20YY) to ISO format.
func ParseDate(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}

	if t, err := time.Parse("2006-1-2", value); err == nil {
		return t.Format("2006-01-02"), true
	}

	for _, sep := range []string{".", "/"} {
		parts := strings.Split(value, sep)
		if len(parts) != 3 {
			continue
		}
		day, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		month, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		yearStr := strings.TrimSpace(parts[2])
		if len(yearStr) == 2 {
			yearStr = "20" + yearStr
		}
		year, err3 := strconv.Atoi(yearStr)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if t.Day() != day || int(t.Month()) != month || t.Year() != year {
			continue
		}
		return t.Format("2006-01-02"), true
	}

	return "", false
}

// ParseLines converts the model's line objects, skipping anything that is
// not an object and filling defaults for missing values.
func ParseLines(value any) []Line {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}

	lines := make([]Line, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}

		line := Line{
			Description: strings.TrimSpace(stringValue(obj["description"])),
			Quantity:    amountOr(obj["quantity"], 1),
			UnitPrice:   amountOr(obj["unit_price"], 0),
			Amount:      amountOr(obj["amount"], 0),
		}
		if line.Description == "" {
			line.Description = defaultLineDescription
		}
		if line.Amount == 0 && line.UnitPrice > 0 {
			line.Amount = line.Quantity * line.UnitPrice
		}
		lines = append(lines, line)
	}
	return lines
}

// amountOr returns the parsed amount, or def when absent or zero
func amountOr(value any, def float64) float64 {
	if f, ok := ParseAmount(value); ok && f != 0 {
		return f
	}
	return def
}

func stringValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// truthy mirrors how the model marks a value as present
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case float64:
		return v != 0
	case bool:
		return v
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}
