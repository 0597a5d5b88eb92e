// Package execution turns approved decisions into limit orders and tracks
// their lifecycle.
//
// The adapter runs in one of two modes. In simulation it synthesizes orders
// in memory and fills them when the orchestrator says so. In live mode it
// hands orders to an injected connector (the exchange client) and mirrors
// the exchange's status back. Either way it enforces one active position per
// market: averaging down is rejected deterministically, not sized down.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"polymarket-edge/pkg/types"
)

// OrderConnector is the live-exchange surface the adapter needs. The
// simulation path never touches it.
type OrderConnector interface {
	PlaceOrder(ctx context.Context, req types.LiveOrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, externalID string) (types.LiveOrderStatus, error)
	CancelOrder(ctx context.Context, externalID string) (bool, error)
}

var (
	// ErrPositionExists rejects a second order for a market that already
	// has an active one.
	ErrPositionExists = errors.New("active position exists for market")
	// ErrNoSide rejects decisions that carry no tradeable side.
	ErrNoSide = errors.New("decision has no side")
	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")
	// ErrNoPosition is returned when closing a market with nothing open.
	ErrNoPosition = errors.New("no position for market")
)

// Adapter places and tracks orders. A nil connector selects simulation
// mode.
type Adapter struct {
	connector OrderConnector
	logger    *slog.Logger

	mu       sync.Mutex
	orders   map[string]*types.Order // internal order id -> order
	byMarket map[string]string       // market id -> internal order id
}

// NewAdapter builds an adapter. Pass a nil connector for simulation mode.
func NewAdapter(connector OrderConnector, logger *slog.Logger) *Adapter {
	return &Adapter{
		connector: connector,
		logger:    logger.With("component", "execution"),
		orders:    make(map[string]*types.Order),
		byMarket:  make(map[string]string),
	}
}

// Live reports whether the adapter submits to a real exchange.
func (a *Adapter) Live() bool { return a.connector != nil }

// Place converts an approved, sized decision into a limit order. The
// active-position check and the insert happen under one lock acquisition,
// so concurrent placements for the same market cannot both pass.
func (a *Adapter) Place(ctx context.Context, d *types.TradeDecision, market types.Market, now time.Time) (types.Order, error) {
	if d.Side != types.SideYes && d.Side != types.SideNo {
		return types.Order{}, ErrNoSide
	}

	// Price and token on the traded side's own scale.
	limitPrice := d.EntryPrice
	tokenID := market.YesTokenID
	if d.Side == types.SideNo {
		limitPrice = 100 - d.EntryPrice
		tokenID = market.NoTokenID
	}

	order := &types.Order{
		ID:         uuid.NewString(),
		MarketID:   market.ID,
		Side:       d.Side,
		SizeUSD:    d.SizeUSD,
		LimitPrice: limitPrice,
		Status:     types.OrderPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	a.mu.Lock()
	if existing, ok := a.byMarket[market.ID]; ok {
		a.mu.Unlock()
		a.logger.Warn("rejecting duplicate position", "market", market.ID, "existing_order", existing)
		return types.Order{}, fmt.Errorf("market %s: %w", market.ID, ErrPositionExists)
	}
	a.orders[order.ID] = order
	a.byMarket[market.ID] = order.ID
	a.mu.Unlock()

	if a.connector == nil {
		a.logger.Info("simulated order placed",
			"order", order.ID, "market", market.ID, "side", d.Side, "price", limitPrice, "size", d.SizeUSD)
		return *order, nil
	}

	externalID, err := a.connector.PlaceOrder(ctx, types.LiveOrderRequest{
		TokenID: tokenID,
		Price:   limitPrice / 100,
		SizeUSD: d.SizeUSD,
		Side:    "BUY",
		NegRisk: market.NegRisk,
	})
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		// Submission failures leave a cancelled order behind and surface
		// the error; retrying is the caller's decision.
		order.Status = types.OrderCancelled
		order.UpdatedAt = now
		delete(a.byMarket, market.ID)
		return *order, fmt.Errorf("place order for %s: %w", market.ID, err)
	}
	order.ExternalID = externalID
	a.logger.Info("live order placed",
		"order", order.ID, "external", externalID, "market", market.ID, "side", d.Side, "price", limitPrice)
	return *order, nil
}

// RecordFill marks a simulated order filled. The orchestrator calls it when
// it decides the simulated order would have executed.
func (a *Adapter) RecordFill(orderID string, now time.Time) (types.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[orderID]
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}
	if order.Status == types.OrderPending || order.Status == types.OrderPartial {
		order.Status = types.OrderFilled
		order.FilledSize = order.SizeUSD
		order.UpdatedAt = now
	}
	return *order, nil
}

// SyncOrderStatus pulls the live order state and mirrors it locally. In
// simulation mode it returns the local order unchanged.
func (a *Adapter) SyncOrderStatus(ctx context.Context, orderID string, now time.Time) (types.Order, error) {
	a.mu.Lock()
	order, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return types.Order{}, ErrOrderNotFound
	}
	external := order.ExternalID
	a.mu.Unlock()

	if a.connector == nil || external == "" {
		return *order, nil
	}

	status, err := a.connector.GetOrderStatus(ctx, external)
	if err != nil {
		return *order, fmt.Errorf("sync order %s: %w", orderID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch status.Status {
	case "matched":
		order.Status = types.OrderFilled
		order.FilledSize = order.SizeUSD
		if status.FilledAmount > 0 {
			order.FilledSize = status.FilledAmount
		}
	case "cancelled":
		order.Status = types.OrderCancelled
	case "live":
		if status.FilledAmount > 0 && status.FilledAmount < order.SizeUSD {
			order.Status = types.OrderPartial
			order.FilledSize = status.FilledAmount
		}
	}
	order.UpdatedAt = now
	return *order, nil
}

// ClosePosition cancels any outstanding order for the market and releases
// its position slot so a later decision may open a new one.
func (a *Adapter) ClosePosition(ctx context.Context, marketID string, now time.Time) error {
	a.mu.Lock()
	orderID, ok := a.byMarket[marketID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("market %s: %w", marketID, ErrNoPosition)
	}
	order := a.orders[orderID]
	external := order.ExternalID
	resting := order.Status == types.OrderPending || order.Status == types.OrderPartial
	a.mu.Unlock()

	if resting && a.connector != nil && external != "" {
		if _, err := a.connector.CancelOrder(ctx, external); err != nil {
			return fmt.Errorf("cancel order %s: %w", orderID, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if resting {
		order.Status = types.OrderCancelled
	}
	order.UpdatedAt = now
	delete(a.byMarket, marketID)
	a.logger.Info("position closed", "market", marketID, "order", orderID, "status", order.Status)
	return nil
}

// ActiveOrder returns the order currently holding a market's position slot.
func (a *Adapter) ActiveOrder(marketID string) (types.Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	orderID, ok := a.byMarket[marketID]
	if !ok {
		return types.Order{}, false
	}
	return *a.orders[orderID], true
}

// Orders returns a copy of every tracked order.
func (a *Adapter) Orders() []types.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Order, 0, len(a.orders))
	for _, o := range a.orders {
		out = append(out, *o)
	}
	return out
}

// OpenPositionCount reports how many markets currently hold a position.
func (a *Adapter) OpenPositionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byMarket)
}
