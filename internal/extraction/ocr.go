package extraction

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// OCR recognizes text in a rendered page
type OCR interface {
	Recognize(img image.Image) (string, error)
}

// TesseractOCR implements OCR with Tesseract
type TesseractOCR struct {
	languages []string
}

// NewTesseractOCR creates a Tesseract engine for the given language codes,
// defaulting to French, German and English
func NewTesseractOCR(languages ...string) *TesseractOCR {
	if len(languages) == 0 {
		languages = []string{"fra", "deu", "eng"}
	}
	return &TesseractOCR{languages: languages}
}

// Recognize runs Tesseract with automatic page segmentation
func (t *TesseractOCR) Recognize(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, preprocess(img), imaging.PNG); err != nil {
		return "", fmt.Errorf("encoding page image: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return "", fmt.Errorf("setting OCR languages: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return "", fmt.Errorf("setting page segmentation: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("loading page image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract OCR failed: %w", err)
	}
	return text, nil
}

// preprocess converts to grayscale and upscales small renders
func preprocess(img image.Image) image.Image {
	gray := imaging.Grayscale(img)
	if gray.Bounds().Dy() < 800 {
		return imaging.Resize(gray, 0, 1200, imaging.Lanczos)
	}
	return gray
}
