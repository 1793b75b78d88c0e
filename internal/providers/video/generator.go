package video

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingAPIKey indicates that the generator was configured without credentials.
var ErrMissingAPIKey = errors.New("video: api key is required")

type GenerateRequest struct {
	JobID           string
	Model           string
	Prompt          string
	DurationSeconds int
	Params          map[string]string
}

// Result is the provider-hosted output of a generation. The URL is usually
// short-lived and has to be persisted before the job completes.
type Result struct {
	URL    string
	Format string
}

type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Result, error)
}

// SimulatedGenerator pretends to render a clip. It is used in development and
// tests where no provider account is available.
type SimulatedGenerator struct {
	baseURL string
	delay   time.Duration
	fail    func(GenerateRequest) error
}

type SimulatedOption func(*SimulatedGenerator)

// WithDelay sets how long each generation takes.
func WithDelay(d time.Duration) SimulatedOption {
	return func(g *SimulatedGenerator) { g.delay = d }
}

// WithFailure makes Generate return the error produced by fn when it is non-nil.
func WithFailure(fn func(GenerateRequest) error) SimulatedOption {
	return func(g *SimulatedGenerator) { g.fail = fn }
}

func NewSimulatedGenerator(baseURL string, opts ...SimulatedOption) *SimulatedGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://cdn.example.com/simulated"
	}
	g := &SimulatedGenerator{baseURL: baseURL, delay: 3 * time.Second}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *SimulatedGenerator) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	if g.fail != nil {
		if err := g.fail(req); err != nil {
			return nil, err
		}
	}
	timer := time.NewTimer(g.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &Result{
			URL:    fmt.Sprintf("%s/%s/%s.mp4", g.baseURL, req.Model, req.JobID),
			Format: "video/mp4",
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ Generator = (*SimulatedGenerator)(nil)
