// stream.go implements the WebSocket-backed signal source.
//
// StreamSource subscribes to the exchange's public market channel by token
// ID and folds streamed price events into pending quantitative signals. The
// connection auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to every tracked token on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed pings.
//
// The socket goroutine only records the latest streamed price per token;
// SignalsFor compares that against the price at the last emitted signal and
// converts material moves into signals on the caller's schedule. Streamed
// and polled price evidence cover the same ground, so enable this source or
// PriceDriftSource, not both.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-edge/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// Runner is implemented by sources that need a background goroutine. The
// orchestrator launches Run for each source that has one; Run blocks until
// ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// StreamSource turns streamed market-channel price events into signals.
// It tracks one mark per subscribed token: the price when the last signal
// was emitted (baseline) and the most recent streamed price. Markets are
// subscribed lazily the first time SignalsFor sees them and unsubscribed by
// Cleanup once they go stale.
type StreamSource struct {
	url    string
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	mu    sync.Mutex
	marks map[string]*streamMark // keyed by token ID
	ttl   time.Duration
}

type streamMark struct {
	marketID string
	baseline float64   // points, price at subscribe or last emitted signal
	latest   float64   // points, most recent streamed price
	eventAt  time.Time // when latest was streamed
	seenAt   time.Time // last SignalsFor touch, drives eviction
}

// NewStreamSource creates the source for the given market-channel WS URL.
func NewStreamSource(wsURL string, ttl time.Duration, logger *slog.Logger) *StreamSource {
	return &StreamSource{
		url:    wsURL,
		marks:  make(map[string]*streamMark),
		ttl:    ttl,
		logger: logger.With("component", "signal_stream"),
	}
}

// Name identifies the source in logs and audit entries.
func (s *StreamSource) Name() string { return "price-stream" }

// SignalsFor drains the pending price move for the market's YES token. The
// first call for a market subscribes it and emits nothing; later calls emit
// at most one quantitative signal when the streamed price has moved at
// least driftMinPoints since the previous emission.
func (s *StreamSource) SignalsFor(_ context.Context, market types.Market) ([]types.Signal, error) {
	tokenID := market.YesTokenID
	if tokenID == "" {
		return nil, nil
	}
	now := time.Now()

	s.mu.Lock()
	mark, ok := s.marks[tokenID]
	if !ok {
		s.marks[tokenID] = &streamMark{
			marketID: market.ID,
			baseline: market.CurrentPrice,
			latest:   market.CurrentPrice,
			seenAt:   now,
		}
		s.mu.Unlock()

		// Best effort: when the socket is down the token is still in marks,
		// so the next (re)connect's initial subscription picks it up.
		if err := s.subscribe([]string{tokenID}); err != nil {
			s.logger.Debug("subscribe deferred to reconnect", "token", tokenID, "error", err)
		}
		return nil, nil
	}

	mark.seenAt = now
	delta := mark.latest - mark.baseline
	eventAt := mark.eventAt
	if delta > -driftMinPoints && delta < driftMinPoints {
		s.mu.Unlock()
		return nil, nil
	}
	mark.baseline = mark.latest
	s.mu.Unlock()

	direction := types.DirectionUp
	if delta < 0 {
		direction = types.DirectionDown
	}

	return []types.Signal{{
		MarketID:    market.ID,
		Type:        types.SignalQuantitative,
		Direction:   direction,
		Strength:    driftStrength(delta),
		Source:      s.Name(),
		Description: fmt.Sprintf("streamed price moved %+.1f points", delta),
		ObservedAt:  eventAt,
	}}, nil
}

// Cleanup unsubscribes and evicts tokens not asked about within the TTL.
func (s *StreamSource) Cleanup(now time.Time) {
	s.mu.Lock()
	var stale []string
	for tokenID, mark := range s.marks {
		if now.Sub(mark.seenAt) > s.ttl {
			stale = append(stale, tokenID)
			delete(s.marks, tokenID)
		}
	}
	s.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	if err := s.unsubscribe(stale); err != nil {
		s.logger.Debug("unsubscribe failed", "tokens", len(stale), "error", err)
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *StreamSource) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (s *StreamSource) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *StreamSource) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "url", s.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

// wsSubscribeMsg is the initial subscription sent on connect.
type wsSubscribeMsg struct {
	Type     string   `json:"type"` // always "market"
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// wsUpdateMsg subscribes or unsubscribes tokens on an open connection.
type wsUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

func (s *StreamSource) sendInitialSubscription() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.marks))
	for tokenID := range s.marks {
		ids = append(ids, tokenID)
	}
	s.mu.Unlock()

	return s.writeJSON(wsSubscribeMsg{Type: "market", AssetIDs: ids})
}

func (s *StreamSource) subscribe(ids []string) error {
	return s.writeJSON(wsUpdateMsg{Operation: "subscribe", AssetIDs: ids})
}

func (s *StreamSource) unsubscribe(ids []string) error {
	return s.writeJSON(wsUpdateMsg{Operation: "unsubscribe", AssetIDs: ids})
}

// wsTradePriceEvent is a "last_trade_price" message from the market channel.
type wsTradePriceEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// wsPriceChange is one level change inside a "price_change" message. Only
// the post-change best bid/ask matter here.
type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// wsPriceChangeEvent is an incremental order book update.
type wsPriceChangeEvent struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []wsPriceChange `json:"price_changes"`
}

func (s *StreamSource) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "last_trade_price":
		var evt wsTradePriceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		if price, err := strconv.ParseFloat(evt.Price, 64); err == nil {
			s.record(evt.AssetID, price*100)
		}

	case "price_change":
		var evt wsPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		for _, change := range evt.PriceChanges {
			bid, errB := strconv.ParseFloat(change.BestBid, 64)
			ask, errA := strconv.ParseFloat(change.BestAsk, 64)
			if errB != nil || errA != nil || bid <= 0 || ask <= 0 {
				continue
			}
			s.record(change.AssetID, (bid+ask)/2*100)
		}

	case "book", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		// Informational events we don't need to process
		s.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// record stores the latest streamed price for a tracked token. Events for
// tokens Cleanup already evicted are dropped.
func (s *StreamSource) record(tokenID string, pricePts float64) {
	if tokenID == "" || pricePts <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mark, ok := s.marks[tokenID]; ok {
		mark.latest = pricePts
		mark.eventAt = time.Now()
	}
}

func (s *StreamSource) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *StreamSource) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *StreamSource) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
