package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Slack posts events to an incoming-webhook URL. Delivery is best-effort:
// messages beyond the rate limit are dropped (halts always go through),
// and HTTP failures are logged, never surfaced.
type Slack struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSlack builds a Slack notifier. minInterval is the smallest gap between
// consecutive messages; bursts beyond it are dropped.
func NewSlack(webhookURL string, minInterval time.Duration, logger *slog.Logger) *Slack {
	httpClient := resty.New().
		SetBaseURL(webhookURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(1).
		SetHeader("Content-Type", "application/json")

	return &Slack{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		logger:  logger.With("component", "notify"),
	}
}

// Notify posts the formatted event text to the webhook.
func (s *Slack) Notify(ctx context.Context, event Event) {
	// Halt notifications are the ones a human must see; they skip the
	// throttle.
	if event.Type != EventSystemHalt && !s.limiter.Allow() {
		s.logger.Debug("notification dropped by rate limit", "type", event.Type)
		return
	}

	payload := map[string]string{"text": event.Format()}
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("")
	if err != nil {
		s.logger.Warn("slack delivery failed", "type", event.Type, "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		s.logger.Warn("slack rejected notification", "type", event.Type, "status", resp.StatusCode())
	}
}
