package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultUpstoxBaseURL = "https://api.upstox.com/v2"

type UpstoxSource struct {
	baseURL string
	token   string
	client  *http.Client
}

type upstoxLTPResp struct {
	Status string                    `json:"status"`
	Data   map[string]upstoxLTPQuote `json:"data"`
	Errors []upstoxError             `json:"errors"`
}

type upstoxLTPQuote struct {
	LastPrice       float64 `json:"last_price"`
	InstrumentToken string  `json:"instrument_token"`
}

type upstoxError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func NewUpstoxSource(baseURL, token string, timeout time.Duration) *UpstoxSource {
	if baseURL == "" {
		baseURL = defaultUpstoxBaseURL
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &UpstoxSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *UpstoxSource) FetchPrice(ctx context.Context, key string) FetchResult {
	if s.token == "" {
		return Unavailable("no access token")
	}
	if strings.TrimSpace(key) == "" {
		return Unavailable("empty instrument key")
	}
	price, err := s.lastPrice(ctx, key)
	if err != nil {
		return Unavailable(err.Error())
	}
	return Available(price)
}

func (s *UpstoxSource) lastPrice(ctx context.Context, key string) (float64, error) {
	endpoint := s.baseURL + "/market-quote/ltp?instrument_key=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, fmt.Errorf("request upstox: timeout")
		}
		return 0, fmt.Errorf("request upstox: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read upstox: %w", err)
	}

	var payload upstoxLTPResp
	if err := json.Unmarshal(body, &payload); err != nil {
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("upstox status %d", resp.StatusCode)
		}
		return 0, fmt.Errorf("decode upstox: %w", err)
	}
	if resp.StatusCode != http.StatusOK || payload.Status != "success" {
		msg := fmt.Sprintf("upstox status %d", resp.StatusCode)
		if len(payload.Errors) > 0 {
			msg += ": " + payload.Errors[0].Message
		}
		return 0, errors.New(msg)
	}
	// One key per request, so the first entry is the quote; the response key
	// uses ':' where the request used '|'.
	for _, q := range payload.Data {
		if q.LastPrice <= 0 {
			return 0, fmt.Errorf("invalid price for %s", key)
		}
		return q.LastPrice, nil
	}
	return 0, fmt.Errorf("empty response data for %s", key)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
