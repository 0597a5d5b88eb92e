package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"polymarket-edge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDecision(side types.Side) *types.TradeDecision {
	return &types.TradeDecision{
		MarketID:   "mkt-1",
		Side:       side,
		EntryPrice: 44,
		Edge:       16,
		SizeUSD:    120,
		BeliefLow:  60,
		BeliefHigh: 72,
		Confidence: 74,
		Timestamp:  time.Now(),
	}
}

func testMarket() types.Market {
	return types.Market{
		ID:         "mkt-1",
		Question:   "Will the incumbent win the runoff?",
		Category:   "politics",
		YesTokenID: "tok-yes",
		NoTokenID:  "tok-no",
	}
}

// fakeConnector records calls and plays back scripted responses.
type fakeConnector struct {
	placeErr   error
	externalID string
	status     types.LiveOrderStatus
	statusErr  error

	placed    []types.LiveOrderRequest
	cancelled []string
}

func (f *fakeConnector) PlaceOrder(_ context.Context, req types.LiveOrderRequest) (string, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return f.externalID, nil
}

func (f *fakeConnector) GetOrderStatus(_ context.Context, _ string) (types.LiveOrderStatus, error) {
	if f.statusErr != nil {
		return types.LiveOrderStatus{}, f.statusErr
	}
	return f.status, nil
}

func (f *fakeConnector) CancelOrder(_ context.Context, externalID string) (bool, error) {
	f.cancelled = append(f.cancelled, externalID)
	return true, nil
}

func TestPlaceSimulated(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil, testLogger())
	now := time.Now()

	order, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), now)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if order.Status != types.OrderPending {
		t.Errorf("status = %s, want pending", order.Status)
	}
	if order.LimitPrice != 44 {
		t.Errorf("limit price = %v, want 44", order.LimitPrice)
	}
	if order.ExternalID != "" {
		t.Errorf("simulated order has external id %q", order.ExternalID)
	}
	if n := a.OpenPositionCount(); n != 1 {
		t.Errorf("open positions = %d, want 1", n)
	}
}

func TestPlaceNoSideRejected(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil, testLogger())

	_, err := a.Place(context.Background(), testDecision(types.SideNone), testMarket(), time.Now())
	if !errors.Is(err, ErrNoSide) {
		t.Fatalf("err = %v, want ErrNoSide", err)
	}
	if n := a.OpenPositionCount(); n != 0 {
		t.Errorf("open positions = %d, want 0", n)
	}
}

func TestPlaceDuplicateRejected(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil, testLogger())
	now := time.Now()

	if _, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), now); err != nil {
		t.Fatalf("first Place: %v", err)
	}
	_, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), now)
	if !errors.Is(err, ErrPositionExists) {
		t.Fatalf("second Place err = %v, want ErrPositionExists", err)
	}
	if n := a.OpenPositionCount(); n != 1 {
		t.Errorf("open positions = %d, want 1", n)
	}
}

func TestPlaceNoSidePriceFlip(t *testing.T) {
	t.Parallel()
	fc := &fakeConnector{externalID: "ext-1"}
	a := NewAdapter(fc, testLogger())

	d := testDecision(types.SideNo)
	d.EntryPrice = 14 // no-scale price when yes trades at 86
	order, err := a.Place(context.Background(), d, testMarket(), time.Now())
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if order.LimitPrice != 86 {
		t.Errorf("limit price = %v, want 86 (no-token scale)", order.LimitPrice)
	}
	if len(fc.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(fc.placed))
	}
	req := fc.placed[0]
	if req.TokenID != "tok-no" {
		t.Errorf("token = %s, want tok-no", req.TokenID)
	}
	if req.Price != 0.86 {
		t.Errorf("wire price = %v, want 0.86", req.Price)
	}
	if req.Side != "BUY" {
		t.Errorf("wire side = %s, want BUY", req.Side)
	}
}

func TestPlaceLiveFailureReleasesSlot(t *testing.T) {
	t.Parallel()
	fc := &fakeConnector{placeErr: errors.New("connection reset")}
	a := NewAdapter(fc, testLogger())

	order, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), time.Now())
	if err == nil {
		t.Fatal("expected error from connector failure")
	}
	if order.Status != types.OrderCancelled {
		t.Errorf("status = %s, want cancelled", order.Status)
	}
	if n := a.OpenPositionCount(); n != 0 {
		t.Errorf("open positions = %d, want 0 after failed placement", n)
	}

	// The slot is free: a retry must succeed.
	fc.placeErr = nil
	fc.externalID = "ext-2"
	if _, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), time.Now()); err != nil {
		t.Fatalf("retry Place: %v", err)
	}
}

func TestRecordFill(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil, testLogger())
	now := time.Now()

	order, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), now)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	filled, err := a.RecordFill(order.ID, now.Add(time.Second))
	if err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	if filled.Status != types.OrderFilled {
		t.Errorf("status = %s, want filled", filled.Status)
	}
	if filled.FilledSize != order.SizeUSD {
		t.Errorf("filled size = %v, want %v", filled.FilledSize, order.SizeUSD)
	}

	if _, err := a.RecordFill("nope", now); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("unknown order err = %v, want ErrOrderNotFound", err)
	}
}

func TestSyncOrderStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		status     types.LiveOrderStatus
		wantStatus types.OrderStatus
		wantFilled float64
	}{
		{"matched fills", types.LiveOrderStatus{Status: "matched", FilledAmount: 120}, types.OrderFilled, 120},
		{"matched without amount fills whole size", types.LiveOrderStatus{Status: "matched"}, types.OrderFilled, 120},
		{"cancelled", types.LiveOrderStatus{Status: "cancelled"}, types.OrderCancelled, 0},
		{"live partial", types.LiveOrderStatus{Status: "live", FilledAmount: 40}, types.OrderPartial, 40},
		{"live untouched", types.LiveOrderStatus{Status: "live"}, types.OrderPending, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fc := &fakeConnector{externalID: "ext-1", status: tc.status}
			a := NewAdapter(fc, testLogger())
			order, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), time.Now())
			if err != nil {
				t.Fatalf("Place: %v", err)
			}
			synced, err := a.SyncOrderStatus(context.Background(), order.ID, time.Now())
			if err != nil {
				t.Fatalf("SyncOrderStatus: %v", err)
			}
			if synced.Status != tc.wantStatus {
				t.Errorf("status = %s, want %s", synced.Status, tc.wantStatus)
			}
			if synced.FilledSize != tc.wantFilled {
				t.Errorf("filled = %v, want %v", synced.FilledSize, tc.wantFilled)
			}
		})
	}
}

func TestSyncSimulatedIsNoop(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil, testLogger())
	order, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), time.Now())
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	synced, err := a.SyncOrderStatus(context.Background(), order.ID, time.Now())
	if err != nil {
		t.Fatalf("SyncOrderStatus: %v", err)
	}
	if synced.Status != types.OrderPending {
		t.Errorf("status = %s, want pending", synced.Status)
	}
}

func TestClosePositionCancelsAndFreesSlot(t *testing.T) {
	t.Parallel()
	fc := &fakeConnector{externalID: "ext-1"}
	a := NewAdapter(fc, testLogger())
	now := time.Now()

	order, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), now)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := a.ClosePosition(context.Background(), "mkt-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if len(fc.cancelled) != 1 || fc.cancelled[0] != "ext-1" {
		t.Errorf("cancelled = %v, want [ext-1]", fc.cancelled)
	}
	got, _ := a.RecordFill(order.ID, now) // read back via the order map
	if got.Status != types.OrderCancelled {
		t.Errorf("status after close = %s, want cancelled", got.Status)
	}

	// Slot released: a fresh order for the same market opens normally.
	if _, err := a.Place(context.Background(), testDecision(types.SideNo), testMarket(), now); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestClosePositionFilledSkipsCancel(t *testing.T) {
	t.Parallel()
	fc := &fakeConnector{externalID: "ext-1", status: types.LiveOrderStatus{Status: "matched"}}
	a := NewAdapter(fc, testLogger())
	now := time.Now()

	order, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), now)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if _, err := a.SyncOrderStatus(context.Background(), order.ID, now); err != nil {
		t.Fatalf("SyncOrderStatus: %v", err)
	}
	if err := a.ClosePosition(context.Background(), "mkt-1", now); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if len(fc.cancelled) != 0 {
		t.Errorf("cancel called for a filled order: %v", fc.cancelled)
	}
	got, ok := a.ActiveOrder("mkt-1")
	if ok {
		t.Errorf("position still active after close: %+v", got)
	}
}

func TestClosePositionUnknownMarket(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil, testLogger())
	if err := a.ClosePosition(context.Background(), "ghost", time.Now()); !errors.Is(err, ErrNoPosition) {
		t.Errorf("err = %v, want ErrNoPosition", err)
	}
}

func TestOrdersSnapshot(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil, testLogger())
	now := time.Now()

	if _, err := a.Place(context.Background(), testDecision(types.SideYes), testMarket(), now); err != nil {
		t.Fatalf("Place: %v", err)
	}
	d2 := testDecision(types.SideYes)
	d2.MarketID = "mkt-2"
	m2 := testMarket()
	m2.ID = "mkt-2"
	if _, err := a.Place(context.Background(), d2, m2, now); err != nil {
		t.Fatalf("Place second: %v", err)
	}

	if got := len(a.Orders()); got != 2 {
		t.Errorf("orders = %d, want 2", got)
	}
	if _, ok := a.ActiveOrder("mkt-2"); !ok {
		t.Error("ActiveOrder(mkt-2) not found")
	}
}
