// Package title derives a short display title for a conversation from its
// first exchange.
package title

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/murmur/pkg/metrics"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	FallbackLength  = 30
	fallbackSuffix  = "..."
	OutcomeServer   = "server"
	OutcomeFallback = "fallback"
	DefaultTimeout  = 30 * time.Second
)

var ErrEmptyTitle = errors.New("title endpoint returned an empty title")

// Generator never fails: implementations fall back to a local title.
type Generator interface {
	Generate(ctx context.Context, userTurn, assistantTurn string) string
}

// Fallback truncates userTurn to FallbackLength characters, adding an
// ellipsis when something was cut.
func Fallback(userTurn string) string {
	runes := []rune(userTurn)
	if len(runes) <= FallbackLength {
		return userTurn
	}
	return string(runes[:FallbackLength]) + fallbackSuffix
}

type FallbackGenerator struct{}

func (FallbackGenerator) Generate(_ context.Context, userTurn, _ string) string {
	metrics.TitleRequests.WithLabelValues(OutcomeFallback).Inc()
	return Fallback(userTurn)
}

type Request struct {
	UserMessage string `json:"userMessage"`
	AIResponse  string `json:"aiResponse"`
}

type Response struct {
	Title string `json:"title"`
}

type HTTPGenerator struct {
	client *resty.Client
	url    string
}

type Option func(*HTTPGenerator)

func WithTimeout(timeout time.Duration) Option {
	return func(g *HTTPGenerator) {
		g.client.SetTimeout(timeout)
	}
}

func WithRestyClient(client *resty.Client) Option {
	return func(g *HTTPGenerator) {
		g.client = client
	}
}

func NewHTTPGenerator(url string, options ...Option) *HTTPGenerator {
	ret := &HTTPGenerator{
		client: resty.New().
			SetHeader("Content-Type", "application/json").
			SetTimeout(DefaultTimeout),
		url: url,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Request asks the title endpoint for a title. Non-2xx responses, bodies
// that are not a title object and empty titles are errors.
func (g *HTTPGenerator) Request(ctx context.Context, userTurn, assistantTurn string) (string, error) {
	var result Response
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(Request{UserMessage: userTurn, AIResponse: assistantTurn}).
		SetResult(&result).
		Post(g.url)
	if err != nil {
		return "", errors.Wrap(err, "title request failed")
	}
	if resp.IsError() {
		return "", errors.Errorf("title endpoint error (status %d): %s", resp.StatusCode(), resp.String())
	}
	if strings.TrimSpace(result.Title) == "" {
		return "", ErrEmptyTitle
	}
	return result.Title, nil
}

func (g *HTTPGenerator) Generate(ctx context.Context, userTurn, assistantTurn string) string {
	t, err := g.Request(ctx, userTurn, assistantTurn)
	if err != nil {
		log.Warn().Err(err).Str("url", g.url).Msg("Title generation failed, using fallback")
		metrics.TitleRequests.WithLabelValues(OutcomeFallback).Inc()
		return Fallback(userTurn)
	}
	metrics.TitleRequests.WithLabelValues(OutcomeServer).Inc()
	return t
}

var _ Generator = (*HTTPGenerator)(nil)
var _ Generator = FallbackGenerator{}
