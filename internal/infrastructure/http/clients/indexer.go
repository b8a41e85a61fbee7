package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
	"github.com/coursechain/cvs/internal/domain/interfaces"
	"github.com/coursechain/cvs/pkg/config"
)

// indexReader talks to the subgraph-style indexer. All entity queries key
// addresses lower-cased, matching how the indexer stores them.
type indexReader struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
}

func NewIndexReader(cfg config.IndexerConfig, logger zerolog.Logger) interfaces.IndexReader {
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = time.Second
	}
	return &indexReader{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		logger:     logger.With().Str("component", "index_reader").Logger(),
	}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

const metaQuery = `query {
	_meta { block { number timestamp } hasIndexingErrors }
}`

const balanceQuery = `query ($owner: String!) {
	tokenBalance(id: $owner) { amount blockNumber }
}`

const purchasesByBuyerQuery = `query ($buyer: String!, $first: Int!, $skip: Int!) {
	coursePurchases(where: {student: $buyer}, orderBy: blockTimestamp, orderDirection: desc, first: $first, skip: $skip) {
		courseId student price blockNumber blockTimestamp transactionHash
	}
}`

const purchaseForCourseQuery = `query ($buyer: String!, $courseId: String!) {
	coursePurchases(where: {student: $buyer, courseId: $courseId}, first: 1) {
		courseId student price blockNumber blockTimestamp transactionHash
	}
}`

const purchaseByTxQuery = `query ($txHash: String!) {
	coursePurchases(where: {transactionHash: $txHash}, first: 1) {
		courseId student price blockNumber blockTimestamp transactionHash
	}
}`

type indexedPurchase struct {
	CourseID       string `json:"courseId"`
	Student        string `json:"student"`
	Price          string `json:"price"`
	BlockNumber    string `json:"blockNumber"`
	BlockTimestamp string `json:"blockTimestamp"`
	TxHash         string `json:"transactionHash"`
}

func (c *indexReader) Meta(ctx context.Context) (*domain.IndexerMeta, error) {
	var payload struct {
		Meta struct {
			Block struct {
				Number    uint64 `json:"number"`
				Timestamp int64  `json:"timestamp"`
			} `json:"block"`
			HasIndexingErrors bool `json:"hasIndexingErrors"`
		} `json:"_meta"`
	}

	if err := c.query(ctx, metaQuery, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch indexer meta: %w", err)
	}

	return &domain.IndexerMeta{
		HeadBlock:     payload.Meta.Block.Number,
		HeadTimestamp: time.Unix(payload.Meta.Block.Timestamp, 0),
		HasErrors:     payload.Meta.HasIndexingErrors,
	}, nil
}

func (c *indexReader) Balance(ctx context.Context, owner common.Address) (*domain.BalanceReading, error) {
	var payload struct {
		TokenBalance *struct {
			Amount      string `json:"amount"`
			BlockNumber string `json:"blockNumber"`
		} `json:"tokenBalance"`
	}

	vars := map[string]interface{}{"owner": strings.ToLower(owner.Hex())}
	if err := c.query(ctx, balanceQuery, vars, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch indexed balance for %s: %w", owner.Hex(), err)
	}

	amount := big.NewInt(0)
	var asOf uint64
	if payload.TokenBalance != nil {
		parsed, ok := new(big.Int).SetString(payload.TokenBalance.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid indexed balance amount %q", payload.TokenBalance.Amount)
		}
		amount = parsed
		asOf = parseUint(payload.TokenBalance.BlockNumber)
	}

	return &domain.BalanceReading{
		Owner:  owner,
		Amount: amount,
		Source: domain.SourceIndex,
		AsOf:   asOf,
		ReadAt: time.Now(),
	}, nil
}

func (c *indexReader) HasPurchased(ctx context.Context, courseID uint64, buyer common.Address) (*domain.FlagReading, error) {
	var payload struct {
		CoursePurchases []indexedPurchase `json:"coursePurchases"`
	}

	vars := map[string]interface{}{
		"buyer":    strings.ToLower(buyer.Hex()),
		"courseId": fmt.Sprintf("%d", courseID),
	}
	if err := c.query(ctx, purchaseForCourseQuery, vars, &payload); err != nil {
		return nil, fmt.Errorf("failed to query purchase flag for course %d: %w", courseID, err)
	}

	var asOf uint64
	if len(payload.CoursePurchases) > 0 {
		asOf = parseUint(payload.CoursePurchases[0].BlockNumber)
	}

	return &domain.FlagReading{
		Address:  buyer,
		CourseID: courseID,
		Value:    len(payload.CoursePurchases) > 0,
		Source:   domain.SourceIndex,
		AsOf:     asOf,
	}, nil
}

func (c *indexReader) PurchasesByBuyer(ctx context.Context, buyer common.Address, limit, offset int) ([]domain.PurchaseEvent, error) {
	var payload struct {
		CoursePurchases []indexedPurchase `json:"coursePurchases"`
	}

	if limit <= 0 {
		limit = 50
	}
	vars := map[string]interface{}{
		"buyer": strings.ToLower(buyer.Hex()),
		"first": limit,
		"skip":  offset,
	}
	if err := c.query(ctx, purchasesByBuyerQuery, vars, &payload); err != nil {
		return nil, fmt.Errorf("failed to query purchases for %s: %w", buyer.Hex(), err)
	}

	events := make([]domain.PurchaseEvent, 0, len(payload.CoursePurchases))
	for _, p := range payload.CoursePurchases {
		event, err := c.convertPurchase(p)
		if err != nil {
			c.logger.Warn().Err(err).Str("tx_hash", p.TxHash).Msg("Skipping malformed indexed purchase")
			continue
		}
		events = append(events, *event)
	}
	return events, nil
}

func (c *indexReader) PurchaseByTxHash(ctx context.Context, txHash common.Hash) (*domain.PurchaseEvent, error) {
	var payload struct {
		CoursePurchases []indexedPurchase `json:"coursePurchases"`
	}

	vars := map[string]interface{}{"txHash": strings.ToLower(txHash.Hex())}
	if err := c.query(ctx, purchaseByTxQuery, vars, &payload); err != nil {
		return nil, fmt.Errorf("failed to query purchase by tx hash %s: %w", txHash.Hex(), err)
	}

	if len(payload.CoursePurchases) == 0 {
		return nil, nil
	}
	return c.convertPurchase(payload.CoursePurchases[0])
}

func (c *indexReader) convertPurchase(p indexedPurchase) (*domain.PurchaseEvent, error) {
	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return nil, fmt.Errorf("invalid indexed price %q", p.Price)
	}
	ts := int64(parseUint(p.BlockTimestamp))

	return &domain.PurchaseEvent{
		CourseID:       parseUint(p.CourseID),
		Buyer:          common.HexToAddress(p.Student),
		Price:          price,
		TxHash:         common.HexToHash(p.TxHash),
		BlockNumber:    parseUint(p.BlockNumber),
		BlockTimestamp: time.Unix(ts, 0),
		Source:         domain.SourceIndex,
	}, nil
}

// query posts a GraphQL request with bounded retries. 4xx responses and
// GraphQL-level errors are not retried; network failures and 5xx are.
func (c *indexReader) query(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(1<<(attempt-1))): // Exponential backoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Indexer request failed, retrying")
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", readErr)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error (status %d): %s", resp.StatusCode, string(respBody))
			c.logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("Indexer server error, retrying")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("client error (status %d): %s", resp.StatusCode, string(respBody))
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []graphQLError  `json:"errors"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			lastErr = fmt.Errorf("failed to unmarshal response: %w", err)
			continue
		}
		if len(envelope.Errors) > 0 {
			return fmt.Errorf("indexer query error: %s", envelope.Errors[0].Message)
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal query data: %w", err)
		}
		return nil
	}

	c.logger.Error().Err(lastErr).Int("max_retries", c.maxRetries).Msg("Indexer request failed after all retries")
	return fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

func parseUint(s string) uint64 {
	var n uint64
	fmt.Sscanf(s, "%d", &n)
	return n
}
