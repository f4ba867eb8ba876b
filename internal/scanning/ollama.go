package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3"

	// DefaultTimeout bounds a generation request
	DefaultTimeout = 120 * time.Second
	// ProbeTimeout bounds the connectivity probe independently of DefaultTimeout
	ProbeTimeout = 10 * time.Second
)

// Ollama implements Backend against a local Ollama server
type Ollama struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
	probe   *http.Client
}

// NewOllama creates a new Ollama backend.
// Recommended text models for invoice extraction:
//   - llama3 (default)
//   - mistral
//   - qwen2.5
func NewOllama(baseURL string, modelName string, timeout time.Duration) (*Ollama, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if modelName == "" {
		modelName = defaultOllamaModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Ollama{
		baseURL: baseURL,
		model:   modelName,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		probe:   &http.Client{Timeout: ProbeTimeout},
	}, nil
}

// ollamaGenerateRequest represents the request body for Ollama's generate API
type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// ollamaGenerateResponse represents the response from Ollama's generate API
type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generate sends the prompt to /api/generate
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	reqBody := ollamaGenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: 0.1, // low temperature keeps extraction stable
			NumPredict:  2000,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", newError(KindRequest, "marshaling request", err)
	}

	url := fmt.Sprintf("%s/api/generate", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", newError(KindRequest, "creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		kind := classifyTransport(err)
		if kind == KindTimeout {
			return "", newError(kind, fmt.Sprintf("ollama timeout after %s", o.timeout), err)
		}
		return "", newError(kind, "calling ollama API", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		kind := KindRequest
		if resp.StatusCode == http.StatusServiceUnavailable {
			kind = KindServiceUnavailable
		}
		return "", newError(kind, fmt.Sprintf("ollama API error (status %d): %s", resp.StatusCode, string(body)), nil)
	}

	var genResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", newError(KindRequest, "decoding response", err)
	}

	return genResp.Response, nil
}

// ListModels returns the names of the models installed on the server
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/api/tags", o.baseURL), nil)
	if err != nil {
		return nil, newError(KindRequest, "creating request", err)
	}

	resp, err := o.probe.Do(req)
	if err != nil {
		return nil, newError(classifyTransport(err), "probing ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError(KindRequest, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, newError(KindRequest, "decoding tags", err)
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
