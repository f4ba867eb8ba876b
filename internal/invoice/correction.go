package invoice

import (
	"encoding/json"
	"fmt"
	"time"
)

// CorrectionKind tags the variant of a correction
type CorrectionKind string

const (
	CorrectionAlias          CorrectionKind = "supplier_alias"
	CorrectionDefaultAccount CorrectionKind = "default_account"
	CorrectionField          CorrectionKind = "field"
	CorrectionLineAccount    CorrectionKind = "line_account"
)

// CorrectionDetail is one of AliasCorrection, DefaultAccountCorrection,
// FieldCorrection or LineAccountCorrection
type CorrectionDetail interface {
	Kind() CorrectionKind
	// Values returns the corrected field with its original and new value
	Values() (field, original, corrected string)
	sealed()
}

// AliasCorrection teaches a supplier the name the AI read for it
type AliasCorrection struct {
	SupplierID   string `json:"supplier_id"`
	SupplierName string `json:"supplier_name"`
	Alias        string `json:"alias"`
}

func (AliasCorrection) Kind() CorrectionKind { return CorrectionAlias }
func (c AliasCorrection) Values() (string, string, string) {
	return "supplier_id", c.Alias, c.SupplierName
}
func (AliasCorrection) sealed() {}

// DefaultAccountCorrection changes a supplier's default expense account
type DefaultAccountCorrection struct {
	SupplierID string `json:"supplier_id"`
	AccountID  string `json:"account_id"`
	OldCode    string `json:"old_code"`
	NewCode    string `json:"new_code"`
}

func (DefaultAccountCorrection) Kind() CorrectionKind { return CorrectionDefaultAccount }
func (c DefaultAccountCorrection) Values() (string, string, string) {
	return "default_account_id", c.OldCode, c.NewCode
}
func (DefaultAccountCorrection) sealed() {}

// FieldCorrection records a user fix of an extracted field
type FieldCorrection struct {
	Field     string `json:"field"`
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
}

func (FieldCorrection) Kind() CorrectionKind { return CorrectionField }
func (c FieldCorrection) Values() (string, string, string) {
	return c.Field, c.Original, c.Corrected
}
func (FieldCorrection) sealed() {}

// LineAccountCorrection records a line posted on another account than predicted
type LineAccountCorrection struct {
	Description string `json:"description"`
	OldCode     string `json:"old_code"`
	NewCode     string `json:"new_code"`
}

func (LineAccountCorrection) Kind() CorrectionKind { return CorrectionLineAccount }
func (c LineAccountCorrection) Values() (string, string, string) {
	return "account_id", c.OldCode, c.NewCode
}
func (LineAccountCorrection) sealed() {}

// Correction is an immutable audit record of a user fix
type Correction struct {
	ID        string
	JobID     string
	Author    string
	CreatedAt time.Time
	Detail    CorrectionDetail
}

type correctionEnvelope struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Kind      CorrectionKind  `json:"kind"`
	Field     string          `json:"field"`
	Original  string          `json:"original_value"`
	Corrected string          `json:"corrected_value"`
	Author    string          `json:"author,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

func (c *Correction) MarshalJSON() ([]byte, error) {
	if c.Detail == nil {
		return nil, fmt.Errorf("correction %s has no detail", c.ID)
	}
	data, err := json.Marshal(c.Detail)
	if err != nil {
		return nil, err
	}
	field, original, corrected := c.Detail.Values()
	return json.Marshal(correctionEnvelope{
		ID:        c.ID,
		JobID:     c.JobID,
		Kind:      c.Detail.Kind(),
		Field:     field,
		Original:  original,
		Corrected: corrected,
		Author:    c.Author,
		CreatedAt: c.CreatedAt,
		Data:      data,
	})
}

func (c *Correction) UnmarshalJSON(b []byte) error {
	var env correctionEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var detail CorrectionDetail
	switch env.Kind {
	case CorrectionAlias:
		var d AliasCorrection
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return fmt.Errorf("unmarshaling %s correction: %w", env.Kind, err)
		}
		detail = d
	case CorrectionDefaultAccount:
		var d DefaultAccountCorrection
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return fmt.Errorf("unmarshaling %s correction: %w", env.Kind, err)
		}
		detail = d
	case CorrectionField:
		var d FieldCorrection
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return fmt.Errorf("unmarshaling %s correction: %w", env.Kind, err)
		}
		detail = d
	case CorrectionLineAccount:
		var d LineAccountCorrection
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return fmt.Errorf("unmarshaling %s correction: %w", env.Kind, err)
		}
		detail = d
	default:
		return fmt.Errorf("unknown correction kind: %q", env.Kind)
	}

	*c = Correction{
		ID:        env.ID,
		JobID:     env.JobID,
		Author:    env.Author,
		CreatedAt: env.CreatedAt,
		Detail:    detail,
	}
	return nil
}
