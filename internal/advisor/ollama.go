// Package advisor talks to a local Ollama text-generation endpoint.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoPlan is returned when the advisor answered with an empty response.
var ErrNoPlan = errors.New("advisor returned no plan")

const (
	DefaultURL        = "http://localhost:11434/api/generate"
	DefaultModel      = "llama3"
	DefaultTimeout    = 300 * time.Second
	DefaultNumPredict = 256
)

type Options struct {
	URL        string
	Model      string
	NumPredict int
	Timeout    time.Duration
}

// Client posts prompts to /api/generate with JSON output forced.
type Client struct {
	url        string
	model      string
	numPredict int
	timeout    time.Duration
	http       *http.Client
}

func New(opts Options) *Client {
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = DefaultURL
	}
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	if opts.NumPredict <= 0 {
		opts.NumPredict = DefaultNumPredict
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		url:        opts.URL,
		model:      opts.Model,
		numPredict: opts.NumPredict,
		timeout:    opts.Timeout,
		http:       &http.Client{},
	}
}

func (c *Client) Name() string { return fmt.Sprintf("ollama:%s", c.model) }

// Generate sends one prompt and returns the raw text of the response
// field. The call is bounded by the client timeout as well as ctx.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	}
	req.Options.NumPredict = c.numPredict

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", ErrNoPlan
	}
	return out.Response, nil
}

type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Format  string `json:"format"`
	Options struct {
		NumPredict int `json:"num_predict"`
	} `json:"options"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}
