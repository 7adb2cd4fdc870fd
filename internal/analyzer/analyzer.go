// Package analyzer talks to the external transcript analysis service.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zulandar/panelyard/internal/apperr"
	"github.com/zulandar/panelyard/internal/config"
	"github.com/zulandar/panelyard/internal/models"
	"golang.org/x/oauth2/clientcredentials"
)

// SentimentPlaces is the precision sentiment scores are stored with.
const SentimentPlaces = 4

// Result is the analysis of one finished transcript. Sentiment is null when
// the service could not score the conversation.
type Result struct {
	Summary   string
	Sentiment decimal.NullDecimal
	Themes    []string
}

// Analyzer produces a Result from a transcript. Implementations return
// errors matching apperr.ErrAnalyzerUnavailable for every failure.
type Analyzer interface {
	Analyze(ctx context.Context, transcript []models.Turn) (*Result, error)
}

// New returns the analyzer described by cfg. An empty URL yields an
// analyzer that always reports itself unavailable, so completions still
// succeed and are queued for retry.
func New(ctx context.Context, cfg config.AnalyzerConfig) Analyzer {
	if cfg.URL == "" {
		return Disabled{}
	}
	return NewHTTPClient(ctx, cfg)
}

// Disabled is the analyzer used when none is configured.
type Disabled struct{}

// Analyze always fails.
func (Disabled) Analyze(context.Context, []models.Turn) (*Result, error) {
	return nil, apperr.AnalyzerUnavailable(errors.New("no analyzer configured"))
}

// HTTPClient calls POST <url>/agent/analyze.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

type analyzeRequest struct {
	Transcript []models.Turn `json:"transcript"`
}

type analyzeResponse struct {
	Summary   string              `json:"summary"`
	Sentiment decimal.NullDecimal `json:"sentiment_score"`
	Themes    []string            `json:"key_themes"`
}

// NewHTTPClient builds a client for the analysis service. When a token URL
// is configured, requests carry an OAuth2 client-credentials token.
func NewHTTPClient(ctx context.Context, cfg config.AnalyzerConfig) *HTTPClient {
	client := &http.Client{}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
	}
	client.Timeout = cfg.Timeout
	return &HTTPClient{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/agent/analyze",
		client:   client,
	}
}

// Analyze sends the transcript and validates the response.
func (c *HTTPClient) Analyze(ctx context.Context, transcript []models.Turn) (*Result, error) {
	res, err := c.analyze(ctx, transcript)
	if err != nil {
		return nil, apperr.AnalyzerUnavailable(err)
	}
	return res, nil
}

func (c *HTTPClient) analyze(ctx context.Context, transcript []models.Turn) (*Result, error) {
	if transcript == nil {
		transcript = []models.Turn{}
	}
	body, err := json.Marshal(analyzeRequest{Transcript: transcript})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return normalize(out)
}

// normalize checks the sentiment range and rounds it to storage precision.
func normalize(out analyzeResponse) (*Result, error) {
	res := &Result{Summary: out.Summary, Themes: dedupe(out.Themes)}
	if out.Sentiment.Valid {
		s := out.Sentiment.Decimal
		if s.IsNegative() || s.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("sentiment_score %s outside [0,1]", s)
		}
		res.Sentiment = decimal.NewNullDecimal(s.Round(SentimentPlaces))
	}
	return res, nil
}

// dedupe drops blank and repeated themes, keeping first-seen order.
func dedupe(themes []string) []string {
	if themes == nil {
		return nil
	}
	seen := make(map[string]bool, len(themes))
	out := make([]string, 0, len(themes))
	for _, t := range themes {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
