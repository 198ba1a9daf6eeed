package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpSource polls a JSON feed exposing current and historical pool data.
type httpSource struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSource builds a Source backed by an HTTP JSON feed. The endpoint is
// queried as GET {endpoint}?pool=... for live data and with an additional
// at=RFC3339 parameter for historical lookups.
func NewHTTPSource(name, endpoint, apiKey string, timeout time.Duration) (Source, error) {
	name = strings.TrimSpace(name)
	endpoint = strings.TrimSpace(endpoint)
	if name == "" {
		return nil, fmt.Errorf("source name required")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("source endpoint required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpSource{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (s *httpSource) Name() string { return s.name }

type feedPayload struct {
	Price      string `json:"price"`
	PoolValue  string `json:"pool_value"`
	ObservedAt string `json:"observed_at"`
}

func (s *httpSource) Fetch(ctx context.Context, pool string) (Observation, error) {
	payload, err := s.query(ctx, pool, time.Time{})
	if err != nil {
		return Observation{}, err
	}
	price, err := parseRatField(payload.Price, "price")
	if err != nil {
		return Observation{}, err
	}
	var poolValue *big.Rat
	if strings.TrimSpace(payload.PoolValue) != "" {
		poolValue, err = parseRatField(payload.PoolValue, "pool_value")
		if err != nil {
			return Observation{}, err
		}
	}
	observed := time.Now().UTC()
	if strings.TrimSpace(payload.ObservedAt) != "" {
		observed, err = time.Parse(time.RFC3339, payload.ObservedAt)
		if err != nil {
			return Observation{}, fmt.Errorf("%s: parse observed_at: %w", s.name, err)
		}
	}
	return Observation{Price: price, PoolValue: poolValue, ObservedAt: observed.UTC()}, nil
}

func (s *httpSource) PriceAt(ctx context.Context, pool string, at time.Time) (*big.Rat, error) {
	payload, err := s.query(ctx, pool, at)
	if err != nil {
		return nil, err
	}
	return parseRatField(payload.Price, "price")
}

func (s *httpSource) query(ctx context.Context, pool string, at time.Time) (feedPayload, error) {
	out := feedPayload{}
	params := url.Values{"pool": {pool}}
	if !at.IsZero() {
		params.Set("at", at.UTC().Format(time.RFC3339))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return out, fmt.Errorf("%s: build request: %w", s.name, err)
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("%s: fetch %s: %w", s.name, pool, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%s: fetch %s: status %d", s.name, pool, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%s: decode payload: %w", s.name, err)
	}
	return out, nil
}

func parseRatField(raw, field string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	v, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("malformed %s %q", field, raw)
	}
	return v, nil
}
