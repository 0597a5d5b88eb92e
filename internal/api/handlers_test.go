package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"polymarket-edge/internal/batch"
	"polymarket-edge/internal/config"
	"polymarket-edge/internal/portfolio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeProvider struct {
	status MachineStatus
	views  []MarketView
	snap   portfolio.Snapshot
	paper  PaperReport
	perf   batch.CycleMetrics
	events chan Event
}

func (f *fakeProvider) MachineStatus() MachineStatus           { return f.status }
func (f *fakeProvider) MarketViews() []MarketView              { return f.views }
func (f *fakeProvider) PortfolioSnapshot() portfolio.Snapshot  { return f.snap }
func (f *fakeProvider) PaperReport() PaperReport               { return f.paper }
func (f *fakeProvider) Performance() batch.CycleMetrics        { return f.perf }
func (f *fakeProvider) Events() <-chan Event                   { return f.events }

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.StatusConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.StatusConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.StatusConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.StatusConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.StatusConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.StatusConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://bot.internal:8080",
			cfg:     config.StatusConfig{},
			reqHost: "bot.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func newTestHandlers(provider StatusProvider, cfg config.Config) *Handlers {
	return NewHandlers(provider, cfg, NewHub(testLogger()), testLogger())
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		status: MachineStatus{
			State:          "observe",
			Halted:         true,
			HaltReason:     "coverage 0.60 below acceptable band",
			TrackedMarkets: 12,
		},
	}
	h := newTestHandlers(provider, config.Config{})

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var got MachineStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "observe" || !got.Halted || got.TrackedMarkets != 12 {
		t.Errorf("status = %+v", got)
	}
	if got.HaltReason != "coverage 0.60 below acceptable band" {
		t.Errorf("halt reason = %q", got.HaltReason)
	}
}

func TestHandleMarketsServesEmptyArray(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeProvider{}, config.Config{})

	rec := httptest.NewRecorder()
	h.HandleMarkets(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))

	body := strings.TrimSpace(rec.Body.String())
	if body != "[]" {
		t.Errorf("empty market list serves %q, want []", body)
	}
}

func TestHandleConfigOmitsSecrets(t *testing.T) {
	t.Parallel()

	cfg := config.Config{DryRun: true}
	cfg.Wallet.PrivateKey = "deadbeef0000000000000000000000000000000000000000000000000000dead"
	cfg.API.Secret = "super-secret-hmac"
	cfg.Trade.MinLiquidity = 15000

	h := newTestHandlers(&fakeProvider{}, cfg)

	rec := httptest.NewRecorder()
	h.HandleConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	body := rec.Body.String()
	if strings.Contains(body, "deadbeef") || strings.Contains(body, "super-secret-hmac") {
		t.Fatal("config response leaks credentials")
	}

	var got ConfigSummary
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.DryRun || got.MinLiquidity != 15000 {
		t.Errorf("summary = %+v", got)
	}
}

func TestFormatProfitFactor(t *testing.T) {
	t.Parallel()

	if got := FormatProfitFactor(math.Inf(1)); got != "inf" {
		t.Errorf("inf renders as %q", got)
	}
	if got := FormatProfitFactor(2.5); got != "2.50" {
		t.Errorf("2.5 renders as %q", got)
	}
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Status.Port = 18099
	s := NewServer(cfg, &fakeProvider{}, prometheus.NewRegistry(), testLogger())

	for _, path := range []string{
		"/health",
		"/api/status",
		"/api/markets",
		"/api/portfolio",
		"/api/paper",
		"/api/performance",
		"/api/config",
		"/metrics",
	} {
		rec := httptest.NewRecorder()
		s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s returned %d", path, rec.Code)
		}
	}
}
