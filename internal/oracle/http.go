package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPConfig configures the quote service client.
type HTTPConfig struct {
	BaseURL       string
	Timeout       time.Duration // per request; default 2s
	RatePerSecond float64       // 0 disables limiting
	Burst         int
}

// HTTPOracle fetches quotes from a market-data service exposing
// GET {base}/quotes/{symbol} -> {"symbol","price","as_of"}.
type HTTPOracle struct {
	baseURL     string
	client      *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPOracle creates a client for the quote service.
func NewHTTPOracle(cfg HTTPConfig) (*HTTPOracle, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("oracle: invalid base url %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	o := &HTTPOracle{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		o.rateLimiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return o, nil
}

func (o *HTTPOracle) Lookup(ctx context.Context, symbol string) (Quote, error) {
	if o.rateLimiter != nil {
		if err := o.rateLimiter.Wait(ctx); err != nil {
			return Quote{}, fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.baseURL+"/quotes/"+url.PathEscape(symbol), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: %s: status %d", ErrUnavailable, symbol, resp.StatusCode)
	}

	var q Quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, symbol, err)
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.AsOf.IsZero() {
		q.AsOf = time.Now().UTC()
	}
	if err := Validate(q); err != nil {
		return Quote{}, err
	}
	return q, nil
}
