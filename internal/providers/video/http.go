package video

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

	"github.com/rs/zerolog"
)

// HTTPOptions configures a prediction-style REST provider: a POST creates a
// prediction and GET on its id is polled until it settles.
type HTTPOptions struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         zerolog.Logger
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

type HTTPGenerator struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	logger       zerolog.Logger
	pollInterval time.Duration
}

type predictionRequest struct {
	Model string         `json:"model"`
	Input predictionBody `json:"input"`
}

type predictionBody struct {
	Prompt   string            `json:"prompt"`
	Duration int               `json:"duration"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type predictionResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type apiError struct {
	Detail string `json:"detail"`
}

func NewHTTPGenerator(opts HTTPOptions) (*HTTPGenerator, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &HTTPGenerator{
		apiKey:       apiKey,
		baseURL:      baseURL,
		client:       httpClient,
		logger:       opts.Logger,
		pollInterval: poll,
	}, nil
}

// Generate creates a prediction and polls it until it succeeds, fails or ctx
// ends. The caller bounds the total time through ctx.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("video: prompt is required")
	}
	payload := predictionRequest{
		Model: req.Model,
		Input: predictionBody{Prompt: prompt, Duration: req.DurationSeconds, Extra: req.Params},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("video: encode request: %w", err)
	}
	pred, err := g.do(ctx, http.MethodPost, g.baseURL+"/predictions", body)
	if err != nil {
		return nil, err
	}
	g.logger.Debug().Str("job_id", req.JobID).Str("prediction_id", pred.ID).Msg("video: prediction created")

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		switch pred.Status {
		case "succeeded":
			url := outputURL(pred.Output)
			if url == "" {
				return nil, errors.New("video: empty output url")
			}
			return &Result{URL: url, Format: "video/mp4"}, nil
		case "failed", "canceled":
			msg := pred.Error
			if msg == "" {
				msg = pred.Status
			}
			return nil, fmt.Errorf("video: prediction %s: %s", pred.ID, msg)
		}
		if pred.ID == "" {
			return nil, errors.New("video: prediction id missing")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		pred, err = g.do(ctx, http.MethodGet, g.baseURL+"/predictions/"+pred.ID, nil)
		if err != nil {
			return nil, err
		}
	}
}

func (g *HTTPGenerator) do(ctx context.Context, method, endpoint string, body []byte) (*predictionResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("video: build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("video: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("video: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail apiError
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Detail != "" {
			return nil, fmt.Errorf("video: status %d: %s", resp.StatusCode, detail.Detail)
		}
		return nil, fmt.Errorf("video: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded predictionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("video: decode response: %w", err)
	}
	return &decoded, nil
}

// outputURL accepts either a single URL or a list of URLs.
func outputURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.TrimSpace(single)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, u := range list {
			if u = strings.TrimSpace(u); u != "" {
				return u
			}
		}
	}
	return ""
}

var _ Generator = (*HTTPGenerator)(nil)
