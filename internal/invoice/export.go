package invoice

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Jobs"

var exportHeader = []any{
	"ID", "File", "State", "Retries", "Supplier", "Invoice number", "Total", "Global confidence", "Error message",
}

// ExportJobs writes the job audit trail as an XLSX workbook
func (s *Service) ExportJobs(w io.Writer) error {
	jobs, err := s.db.ListJobs()
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, job := range jobs {
		supplier, number, total := "", "", 0.0
		if job.Invoice != nil {
			supplier = job.Invoice.SupplierName
			number = job.Invoice.InvoiceNumber
			total = job.Invoice.AmountTotal
		}
		global := 0
		if conf, err := job.ConfidenceMap(); err == nil {
			global = conf.Global()
		}

		row := []any{
			job.ID, job.Filename, string(job.State), job.RetryCount,
			supplier, number, total, global, job.ErrorMessage,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("writing job %s: %w", job.ID, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}
