package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/pkg/config"
)

// pricingClient fetches token/USD rates from a CoinCap-compatible API.
// Rates decorate display responses only and are never part of purchase
// decisions, so failures here degrade output instead of blocking it.
type pricingClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	logger      zerolog.Logger
}

func NewPricingClient(cfg config.PricingConfig, logger zerolog.Logger) interfaces.PricingClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	backoffBase := time.Duration(cfg.RetryBackoffBase) * time.Millisecond
	if backoffBase == 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &pricingClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: timeout},
		maxRetries:  cfg.MaxRetries,
		backoffBase: backoffBase,
		logger:      logger.With().Str("component", "pricing_client").Logger(),
	}
}

type assetResponse struct {
	Data struct {
		ID       string `json:"id"`
		Symbol   string `json:"symbol"`
		PriceUSD string `json:"priceUsd"`
	} `json:"data"`
}

func (c *pricingClient) GetExchangeRate(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/v2/assets/%s", c.baseURL, strings.ToLower(symbol))

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		rate, err := c.fetchRate(ctx, url)
		if err == nil {
			return rate, nil
		}
		lastErr = err
		if !c.shouldRetry(err) {
			return 0, err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Str("symbol", symbol).Msg("Exchange rate fetch failed, retrying")
	}

	return 0, fmt.Errorf("exchange rate unavailable after %d retries: %w", c.maxRetries, lastErr)
}

func (c *pricingClient) fetchRate(ctx context.Context, url string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var parsed assetResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("failed to unmarshal asset response: %w", err)
	}

	rate, err := strconv.ParseFloat(parsed.Data.PriceUSD, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid priceUsd %q: %w", parsed.Data.PriceUSD, err)
	}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, fmt.Errorf("implausible exchange rate %v", rate)
	}
	return rate, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// shouldRetry permits retries for transient network failures, rate limiting
// and server errors. Other client errors are permanent.
func (c *pricingClient) shouldRetry(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "request failed")
}

func (c *pricingClient) calculateBackoff(attempt int) time.Duration {
	backoff := c.backoffBase * time.Duration(1<<(attempt-1))
	if backoff > 10*time.Second {
		backoff = 10 * time.Second
	}
	return backoff
}
