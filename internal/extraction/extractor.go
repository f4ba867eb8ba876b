// Package extraction turns PDF bytes into text, reading the text layer of
// native documents and running OCR on scanned ones.
package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
)

var (
	ErrEmptyDocument     = errors.New("PDF data is empty")
	ErrInvalidDocument   = errors.New("invalid or corrupted PDF file")
	ErrPasswordProtected = errors.New("PDF is password protected and cannot be processed")
	ErrOCRUnavailable    = errors.New("OCR engine is not configured")
)

const (
	// nativeTextThreshold is the number of characters a page needs for the
	// document to count as native
	nativeTextThreshold = 50
	nativeProbePages    = 3
	renderDPI           = 300
)

// Extractor reads text from PDF documents
type Extractor struct {
	ocr OCR
}

// NewExtractor creates an Extractor. ocr may be nil, in which case scanned
// documents fail with ErrOCRUnavailable.
func NewExtractor(ocr OCR) *Extractor {
	return &Extractor{ocr: ocr}
}

// ExtractText returns the text of every page, each preceded by a
// "--- Page n ---" marker
func (e *Extractor) ExtractText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDocument
	}

	doc, err := openDocument(data)
	if err != nil {
		return "", err
	}
	defer doc.Close()

	pages := doc.NumPage()
	native := e.isNative(doc, data)
	slog.Info("Starting text extraction", "pages", pages, "native", native)

	parts := make([]string, 0, pages*2)
	for i := 0; i < pages; i++ {
		var text string
		if native {
			text = pageText(doc, data, i)
		} else {
			text, err = e.recognizePage(doc, i)
			if err != nil {
				return "", err
			}
		}
		parts = append(parts, fmt.Sprintf("--- Page %d ---", i+1), strings.TrimSpace(text))
	}

	return strings.Join(parts, "\n"), nil
}

// PageCount returns the number of pages of a document
func (e *Extractor) PageCount(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyDocument
	}
	doc, err := openDocument(data)
	if err != nil {
		return 0, err
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

func openDocument(data []byte) (*fitz.Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		if errors.Is(err, fitz.ErrNeedsPassword) {
			return nil, ErrPasswordProtected
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc, nil
}

func (e *Extractor) isNative(doc *fitz.Document, data []byte) bool {
	pages := doc.NumPage()
	if pages > nativeProbePages {
		pages = nativeProbePages
	}
	for i := 0; i < pages; i++ {
		if len(strings.TrimSpace(pageText(doc, data, i))) > nativeTextThreshold {
			return true
		}
	}
	return false
}

func (e *Extractor) recognizePage(doc *fitz.Document, page int) (string, error) {
	if e.ocr == nil {
		return "", ErrOCRUnavailable
	}
	img, err := doc.ImageDPI(page, renderDPI)
	if err != nil {
		return "", fmt.Errorf("rendering page %d: %w", page+1, err)
	}
	text, err := e.ocr.Recognize(img)
	if err != nil {
		return "", fmt.Errorf("OCR of page %d: %w", page+1, err)
	}
	slog.Info("OCR completed for page", "page", page+1)
	return text, nil
}

// pageText reads the text layer of a page, falling back to the pure Go
// reader when MuPDF returns nothing
func pageText(doc *fitz.Document, data []byte, page int) string {
	text, err := doc.Text(page)
	if err == nil && strings.TrimSpace(text) != "" {
		return text
	}
	return plainPageText(data, page)
}

func plainPageText(data []byte, page int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Recovered from PDF reader panic", "page", page+1, "panic", r)
			text = ""
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil || page+1 > reader.NumPage() {
		return ""
	}
	p := reader.Page(page + 1)
	if p.V.IsNull() {
		return ""
	}
	text, err = p.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}
