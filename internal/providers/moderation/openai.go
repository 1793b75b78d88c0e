package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Fallback   Checker
	OnFallback func(reason string, err error)
}

// OpenAIChecker calls the OpenAI moderation endpoint. When the call fails and
// a fallback is configured, the fallback's verdict is returned instead.
type OpenAIChecker struct {
	apiKey     string
	baseURL    string
	model      string
	client     *http.Client
	fallback   Checker
	onFallback func(reason string, err error)
}

const (
	openAIProviderName     = "openai"
	openAIDefaultTimeout   = 10 * time.Second
	defaultModerationModel = "omni-moderation-latest"
)

type moderationRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

func NewOpenAIChecker(opts OpenAIOptions) (*OpenAIChecker, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModerationModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	return &OpenAIChecker{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		client:     client,
		fallback:   opts.Fallback,
		onFallback: opts.OnFallback,
	}, nil
}

func (o *OpenAIChecker) Check(ctx context.Context, text string) (Verdict, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(moderationRequest{Model: o.model, Input: text}); err != nil {
		return o.useFallback(ctx, text, "encode_request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/moderations", &buf)
	if err != nil {
		return o.useFallback(ctx, text, "build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return o.useFallback(ctx, text, "http_request", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return o.useFallback(ctx, text, fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("openai status %d", resp.StatusCode))
	}
	var out moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return o.useFallback(ctx, text, "decode_response", err)
	}
	if len(out.Results) == 0 {
		return o.useFallback(ctx, text, "empty_results", errors.New("no results"))
	}

	v := Verdict{Provider: openAIProviderName}
	for _, res := range out.Results {
		if !res.Flagged {
			continue
		}
		v.Flagged = true
		for name, hit := range res.Categories {
			if hit {
				v.Categories = append(v.Categories, name)
			}
		}
	}
	sort.Strings(v.Categories)
	return v, nil
}

func (o *OpenAIChecker) useFallback(ctx context.Context, text, reason string, cause error) (Verdict, error) {
	if o.onFallback != nil {
		o.onFallback(reason, cause)
	}
	if o.fallback == nil {
		return Verdict{}, fmt.Errorf("moderation: %s: %w", reason, cause)
	}
	return o.fallback.Check(ctx, text)
}

var _ Checker = (*OpenAIChecker)(nil)
