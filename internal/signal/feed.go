package signal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"polymarket-edge/internal/config"
	"polymarket-edge/pkg/types"
)

// feedItem is the JSON shape a feed endpoint returns per signal.
type feedItem struct {
	MarketID    string    `json:"market_id"`
	Type        string    `json:"type"`
	Direction   string    `json:"direction"`
	Strength    int       `json:"strength"`
	Conflicts   bool      `json:"conflicts"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
	ObservedAt  time.Time `json:"observed_at"`
}

// FeedSource polls one external HTTP feed for signals about a market.
//
// Each feed carries its own rate limiter (polls it declines are silent
// no-ops, not errors) and its own circuit breaker, so one flapping feed
// neither floods its upstream nor drags the tick into repeated timeouts.
// Items already handed out are remembered and suppressed until Cleanup
// ages them past the TTL.
type FeedSource struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time // dedupe key -> first seen
	ttl  time.Duration
}

// NewFeedSource builds a source for one configured feed.
func NewFeedSource(feed config.FeedConfig, sig config.SignalsConfig, logger *slog.Logger) *FeedSource {
	httpClient := resty.New().
		SetBaseURL(feed.URL).
		SetTimeout(8 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "feed:" + feed.Name,
		Timeout: sig.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= uint32(sig.BreakerMinRequests) && failureRatio >= sig.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("feed breaker state change", "feed", name, "from", from.String(), "to", to.String())
		},
	})

	return &FeedSource{
		name:    "feed:" + feed.Name,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(feed.MinInterval), 1),
		breaker: breaker,
		logger:  logger.With("component", "signal", "feed", feed.Name),
		seen:    make(map[string]time.Time),
		ttl:     sig.CleanupTTL,
	}
}

// Name identifies the feed in logs and audit entries.
func (f *FeedSource) Name() string { return f.name }

// SignalsFor fetches fresh signals for one market. A declined rate-limit
// slot returns (nil, nil); breaker-open and HTTP failures return errors the
// caller logs and moves past.
func (f *FeedSource) SignalsFor(ctx context.Context, market types.Market) ([]types.Signal, error) {
	if !f.limiter.Allow() {
		return nil, nil
	}

	result, err := f.breaker.Execute(func() (any, error) {
		return f.fetch(ctx, market.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name, err)
	}
	items := result.([]feedItem)

	now := time.Now()
	signals := make([]types.Signal, 0, len(items))

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		sig, ok := f.convert(item, market.ID)
		if !ok {
			continue
		}
		key := sig.Source + "|" + sig.Description + "|" + sig.ObservedAt.UTC().Format(time.RFC3339)
		if _, dup := f.seen[key]; dup {
			continue
		}
		f.seen[key] = now
		signals = append(signals, sig)
	}
	return signals, nil
}

func (f *FeedSource) fetch(ctx context.Context, marketID string) ([]feedItem, error) {
	var items []feedItem
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("market_id", marketID).
		SetResult(&items).
		Get("")
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode())
	}
	return items, nil
}

// convert validates a wire item and maps it onto the internal signal type.
// Items with unknown types or directions are dropped, not guessed at.
func (f *FeedSource) convert(item feedItem, marketID string) (types.Signal, bool) {
	sigType := types.SignalType(item.Type)
	if !validType(sigType) {
		f.logger.Debug("dropping item with unknown type", "type", item.Type)
		return types.Signal{}, false
	}
	direction := types.SignalDirection(item.Direction)
	if !validDirection(direction) {
		f.logger.Debug("dropping item with unknown direction", "direction", item.Direction)
		return types.Signal{}, false
	}

	id := item.MarketID
	if id == "" {
		id = marketID
	}
	source := item.Source
	if source == "" {
		source = f.name
	}
	observed := item.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	return types.Signal{
		MarketID:    id,
		Type:        sigType,
		Direction:   direction,
		Strength:    clampStrength(item.Strength),
		Conflicts:   item.Conflicts,
		Source:      source,
		Description: item.Description,
		ObservedAt:  observed,
	}, true
}

// Cleanup forgets dedupe entries older than the TTL.
func (f *FeedSource) Cleanup(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, at := range f.seen {
		if now.Sub(at) > f.ttl {
			delete(f.seen, key)
		}
	}
}
