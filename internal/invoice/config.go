package invoice

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const (
	BackendOllama = "ollama"
	BackendGemini = "gemini"

	DefaultBackendURL      = "http://localhost:11434"
	DefaultModel           = "llama3"
	DefaultTimeout         = 120 * time.Second
	DefaultAmountThreshold = 10000.0
	DefaultBatchSize       = 10
)

// Config holds the pipeline settings. It is passed explicitly to every
// component that needs it.
type Config struct {
	Backend    string
	BackendURL string
	Model      string
	Timeout    time.Duration

	WatchFolder    string
	SuccessFolder  string
	ErrorFolder    string
	RejectedFolder string

	AlertEmail           string
	AlertAmountThreshold float64
	BatchSize            int
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Backend:              BackendOllama,
		BackendURL:           DefaultBackendURL,
		Model:                DefaultModel,
		Timeout:              DefaultTimeout,
		WatchFolder:          "/opt/jsocr/watch",
		SuccessFolder:        "/opt/jsocr/success",
		ErrorFolder:          "/opt/jsocr/error",
		RejectedFolder:       "/opt/jsocr/rejected",
		AlertAmountThreshold: DefaultAmountThreshold,
		BatchSize:            DefaultBatchSize,
	}
}

var (
	urlPattern = regexp.MustCompile(`(?i)^https?://` +
		`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+[A-Z]{2,6}\.?|localhost|\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
		`(?::\d+)?` +
		`(?:/?|[/?]\S+)$`)
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Validate checks the settings and creates missing folders
func (c Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		if !urlPattern.MatchString(c.BackendURL) {
			return fmt.Errorf("invalid backend URL %q: expected http(s)://host:port", c.BackendURL)
		}
	case BackendGemini:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.AlertAmountThreshold <= 0 {
		return fmt.Errorf("alert amount threshold must be positive")
	}
	if c.AlertEmail != "" && !emailPattern.MatchString(c.AlertEmail) {
		return fmt.Errorf("invalid alert email %q", c.AlertEmail)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	folders := []struct {
		label, path string
	}{
		{"watch folder", c.WatchFolder},
		{"success folder", c.SuccessFolder},
		{"error folder", c.ErrorFolder},
		{"rejected folder", c.RejectedFolder},
	}
	for _, f := range folders {
		if f.path == "" {
			continue
		}
		if !filepath.IsAbs(f.path) {
			return fmt.Errorf("%s must be an absolute path: %s", f.label, f.path)
		}
		if err := os.MkdirAll(f.path, 0755); err != nil {
			return fmt.Errorf("creating %s %s: %w", f.label, f.path, err)
		}
		slog.Debug("Folder ready", "folder", f.label, "path", f.path)
	}
	return nil
}
