// Package generator produces Bloc article content through the Gemini API.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultTimeout = 90 * time.Second

// ErrGeneration wraps any failure to produce usable content.
var ErrGeneration = errors.New("generator: generation failed")

// Request describes one article to generate.
type Request struct {
	Topic               string
	Bio                 string
	ContinuityReference string
	RecentTitles        []string
}

// Result is the structured article returned by the model.
type Result struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	NextDayIdea string `json:"nextDayIdea"`
}

// GeminiConfig configures the Gemini-backed generator.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Gemini generates article content with the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini constructs a generator bound to the configured model.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("generator: api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: create client: %w", err)
	}

	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Generate produces one article for the request. The call is bounded by the
// configured timeout when the context carries no deadline of its own.
func (g *Gemini) Generate(ctx context.Context, request Request) (Result, error) {
	if strings.TrimSpace(request.Topic) == "" {
		return Result{}, fmt.Errorf("%w: topic is required", ErrGeneration)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	response, err := g.client.Models.GenerateContent(ctx,
		g.model,
		genai.Text(buildPrompt(request)),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](1.0),
		},
	)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	text := response.Text()
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: empty completion", ErrGeneration)
	}

	result, err := parseResult(text)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// parseResult decodes the model output, tolerating prose around the JSON
// object by falling back to the outermost brace pair.
func parseResult(text string) (Result, error) {
	candidate := strings.TrimSpace(text)
	if !strings.HasPrefix(candidate, "{") {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start == -1 || end <= start {
			return Result{}, fmt.Errorf("%w: no JSON object in response", ErrGeneration)
		}
		candidate = candidate[start : end+1]
	}

	var result Result
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return Result{}, fmt.Errorf("%w: malformed response JSON: %v", ErrGeneration, err)
	}
	if result.Title == "" || result.Content == "" {
		return Result{}, fmt.Errorf("%w: response missing title or content", ErrGeneration)
	}
	return result, nil
}
