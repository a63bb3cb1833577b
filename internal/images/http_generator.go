package images

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPGenerator calls an external image-generation HTTP API that accepts
// a JSON prompt and responds with raw image bytes.
type HTTPGenerator struct {
	client *resty.Client
}

// NewHTTPGenerator creates a generator for the given base URL.
func NewHTTPGenerator(baseURL string) *HTTPGenerator {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(2 * time.Minute)
	return &HTTPGenerator{client: c}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

// Generate posts the prompt and returns the response body bytes.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(&generateRequest{Prompt: prompt}).
		Post("/generate")
	if err != nil {
		return nil, fmt.Errorf("image api request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("image api status %d: %s", resp.StatusCode(), resp.String())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("image api returned empty body")
	}
	return body, nil
}
