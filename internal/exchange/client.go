// Package exchange implements the REST clients for the prediction-market
// exchange.
//
// Client talks to two APIs:
//   - Gamma (read-only market metadata): ListActiveMarkets, GetMarket
//   - CLOB (books and order management): GetOrderBook, PlaceOrder,
//     GetOrderStatus, CancelOrder, CancelAll, DeriveAPIKey
//
// Every request is rate-limited via per-category TokenBuckets and retried
// on 5xx errors. Trading requests carry L2 HMAC headers and EIP-712 signed
// order bodies; metadata and book reads are unauthenticated. Identical
// concurrent GetMarket calls are coalesced through singleflight so a burst
// of refreshes for one market costs one HTTP request.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"polymarket-edge/internal/config"
	"polymarket-edge/pkg/types"
)

// Client is the exchange REST client. Safe for concurrent use.
type Client struct {
	clob   *resty.Client // CLOB API: books, orders
	gamma  *resty.Client // Gamma API: market metadata
	auth   *Auth         // nil in dry-run; required for live order flow
	rl     *RateLimiter
	sf     singleflight.Group // coalesces concurrent GetMarket calls
	dryRun bool               // mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry. auth may be
// nil when dry-run is on; live order methods then return an error.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	clob := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	gamma := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		clob:   clob,
		gamma:  gamma,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// ListActiveMarkets pages through the Gamma API and returns every active,
// unresolved market in internal form.
func (c *Client) ListActiveMarkets(ctx context.Context) ([]types.Market, error) {
	var all []types.Market
	now := time.Now()
	offset := 0
	const limit = 100

	for {
		if err := c.rl.Read.Wait(ctx); err != nil {
			return nil, err
		}

		var page []gammaMarket
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("list markets offset %d: %w", offset, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list markets: status %d", resp.StatusCode())
		}

		for _, gm := range page {
			all = append(all, toMarket(gm, now))
		}

		if len(page) < limit {
			break
		}
		offset += limit
	}

	c.logger.Debug("markets listed", "count", len(all))
	return all, nil
}

// GetMarket fetches a single market by Gamma ID. Concurrent calls for the
// same ID share one request.
func (c *Client) GetMarket(ctx context.Context, id string) (types.Market, error) {
	v, err, _ := c.sf.Do(id, func() (any, error) {
		if err := c.rl.Read.Wait(ctx); err != nil {
			return types.Market{}, err
		}

		var gm gammaMarket
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetResult(&gm).
			Get("/markets/" + id)
		if err != nil {
			return types.Market{}, fmt.Errorf("get market %s: %w", id, err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return types.Market{}, fmt.Errorf("get market %s: not found", id)
		}
		if resp.StatusCode() != http.StatusOK {
			return types.Market{}, fmt.Errorf("get market %s: status %d", id, resp.StatusCode())
		}
		return toMarket(gm, time.Now()), nil
	})
	if err != nil {
		return types.Market{}, err
	}
	return v.(types.Market), nil
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result bookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return toOrderBook(result), nil
}

// PlaceOrder signs and submits one limit order, returning the exchange
// order ID. It satisfies the execution adapter's connector interface.
func (c *Client) PlaceOrder(ctx context.Context, req types.LiveOrderRequest) (string, error) {
	if req.Price <= 0 || req.Price >= 1 {
		return "", fmt.Errorf("order price %v outside (0,1)", req.Price)
	}
	if req.SizeUSD <= 0 {
		return "", fmt.Errorf("order size %v must be positive", req.SizeUSD)
	}
	if c.dryRun {
		id := "dry-run-" + uuid.NewString()
		c.logger.Info("DRY-RUN: would place order",
			"token", req.TokenID, "price", req.Price, "size_usd", req.SizeUSD, "side", req.Side)
		return id, nil
	}
	if c.auth == nil {
		return "", fmt.Errorf("place order: live trading requires wallet credentials")
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return "", err
	}

	payload, err := c.buildOrderPayload(req)
	if err != nil {
		return "", err
	}

	payloads := []orderPayload{payload}
	body, err := json.Marshal(payloads)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return "", fmt.Errorf("l2 headers: %w", err)
	}

	var results []orderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return "", fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(results) == 0 {
		return "", fmt.Errorf("post order: empty response")
	}
	if !results[0].Success {
		return "", fmt.Errorf("post order rejected: %s", results[0].ErrorMsg)
	}

	c.logger.Info("order placed", "order", results[0].OrderID, "status", results[0].Status)
	return results[0].OrderID, nil
}

// buildOrderPayload converts a wire request into the signed on-chain order
// the REST API expects. Price and size become 6-decimal maker/taker
// amounts; the maker is the funder wallet (proxy), the signer the EOA, the
// taker the zero address (open order).
func (c *Client) buildOrderPayload(req types.LiveOrderRequest) (orderPayload, error) {
	sizeTokens := req.SizeUSD / req.Price
	makerAmt, takerAmt := priceToAmounts(req.Price, sizeTokens, req.Side)

	order := signedOrder{
		Maker:       c.auth.FunderAddress().Hex(),
		Signer:      c.auth.Address().Hex(),
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     req.TokenID,
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		Side:        req.Side,
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}
	if err := c.auth.SignOrder(&order, req.NegRisk); err != nil {
		return orderPayload{}, fmt.Errorf("sign order: %w", err)
	}

	return orderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: "GTC",
	}, nil
}

// GetOrderStatus fetches the live state of a submitted order.
func (c *Client) GetOrderStatus(ctx context.Context, externalID string) (types.LiveOrderStatus, error) {
	if c.dryRun {
		return types.LiveOrderStatus{Status: "live"}, nil
	}
	if c.auth == nil {
		return types.LiveOrderStatus{}, fmt.Errorf("order status: live trading requires wallet credentials")
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.LiveOrderStatus{}, err
	}

	path := "/data/order/" + externalID
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return types.LiveOrderStatus{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result openOrder
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return types.LiveOrderStatus{}, fmt.Errorf("get order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.LiveOrderStatus{}, fmt.Errorf("get order status: status %d: %s", resp.StatusCode(), resp.String())
	}
	return toLiveStatus(result), nil
}

// CancelOrder cancels one order by exchange ID. Returns whether the
// exchange reported it cancelled.
func (c *Client) CancelOrder(ctx context.Context, externalID string) (bool, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order", externalID)
		return true, nil
	}
	if c.auth == nil {
		return false, fmt.Errorf("cancel order: live trading requires wallet credentials")
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: []string{externalID}}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	var result cancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}

	for _, id := range result.Canceled {
		if id == externalID {
			return true, nil
		}
	}
	return false, nil
}

// CancelAll cancels every open order across all markets. Used on halt.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return 0, nil
	}
	if c.auth == nil {
		return 0, fmt.Errorf("cancel all: live trading requires wallet credentials")
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result cancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return 0, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return len(result.Canceled), nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("derive api key: wallet credentials required")
	}
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
