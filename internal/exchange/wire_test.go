package exchange

import (
	"testing"
	"time"

	"polymarket-edge/pkg/types"
)

func sampleGamma() gammaMarket {
	return gammaMarket{
		ID:           "512329",
		Question:     "Will the Fed cut rates in September?",
		ConditionID:  "0xabc",
		Category:     " Economics ",
		Description:  "This market will resolve YES according to the FOMC statement published on federalreserve.gov.",
		Active:       true,
		CreatedAt:    "2026-06-01T00:00:00Z",
		EndDate:      "2026-09-18T00:00:00Z",
		Liquidity:    "84211.55",
		Volume24hr:   120345,
		ClobTokenIds: `["tok-yes-1","tok-no-1"]`,
		BestBid:      0.42,
		BestAsk:      0.46,
	}
}

func TestToMarket(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m := toMarket(sampleGamma(), now)

	if m.ID != "512329" {
		t.Errorf("id = %s", m.ID)
	}
	if m.Category != "economics" {
		t.Errorf("category = %q, want economics", m.Category)
	}
	if m.YesTokenID != "tok-yes-1" || m.NoTokenID != "tok-no-1" {
		t.Errorf("tokens = %s / %s", m.YesTokenID, m.NoTokenID)
	}
	if m.CurrentPrice != 44 {
		t.Errorf("price = %v, want 44 (mid of 42/46)", m.CurrentPrice)
	}
	if m.Liquidity != 84211.55 {
		t.Errorf("liquidity = %v", m.Liquidity)
	}
	if m.ClosesAt.IsZero() || m.ClosesAt.Month() != time.September {
		t.Errorf("closesAt = %v", m.ClosesAt)
	}
	if !m.Criteria.AuthorityIsClear {
		t.Error("authority should be clear: description names a resolution source")
	}
	if !m.Criteria.OutcomeIsObjective {
		t.Error("outcome should be objective")
	}
	if m.IsResolved() {
		t.Error("open market reported resolved")
	}
}

func TestToMarketPriceFallbacks(t *testing.T) {
	t.Parallel()
	gm := sampleGamma()
	gm.BestBid, gm.BestAsk = 0, 0
	gm.LastTradePrice = 0.39
	if m := toMarket(gm, time.Now()); m.CurrentPrice != 39 {
		t.Errorf("price = %v, want 39 from last trade", m.CurrentPrice)
	}

	gm.LastTradePrice = 0
	gm.OutcomePrices = `["0.35","0.65"]`
	if m := toMarket(gm, time.Now()); m.CurrentPrice != 35 {
		t.Errorf("price = %v, want 35 from outcome prices", m.CurrentPrice)
	}
}

func TestToMarketResolvedDetection(t *testing.T) {
	t.Parallel()
	now := time.Now()

	gm := sampleGamma()
	gm.Closed = true
	gm.BestBid, gm.BestAsk = 0, 0
	gm.LastTradePrice = 0.999
	m := toMarket(gm, now)
	if !m.IsResolved() || *m.ResolutionOutcome != types.OutcomeYes {
		t.Errorf("want resolved yes, got %+v", m.ResolutionOutcome)
	}

	gm.LastTradePrice = 0.001
	m = toMarket(gm, now)
	if !m.IsResolved() || *m.ResolutionOutcome != types.OutcomeNo {
		t.Errorf("want resolved no, got %+v", m.ResolutionOutcome)
	}

	// Closed at a mid price: outcome undetermined, not resolved.
	gm.LastTradePrice = 0.5
	if m = toMarket(gm, now); m.IsResolved() {
		t.Error("mid-price close reported resolved")
	}
}

func TestDeriveCriteria(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name          string
		question      string
		description   string
		wantClear     bool
		wantObjective bool
	}{
		{
			"named source",
			"Will BTC close above 100k?",
			"Resolves according to the Coinbase daily close.",
			true, true,
		},
		{
			"no source",
			"Will BTC close above 100k?",
			"Self-explanatory.",
			false, true,
		},
		{
			"subjective question",
			"Will this be the best album of the year?",
			"Resolves according to the committee vote.",
			true, false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := deriveCriteria(tc.question, tc.description)
			if got.AuthorityIsClear != tc.wantClear {
				t.Errorf("AuthorityIsClear = %v, want %v", got.AuthorityIsClear, tc.wantClear)
			}
			if got.OutcomeIsObjective != tc.wantObjective {
				t.Errorf("OutcomeIsObjective = %v, want %v", got.OutcomeIsObjective, tc.wantObjective)
			}
		})
	}
}

func TestExtractAuthority(t *testing.T) {
	t.Parallel()
	desc := "This market resolves according to the Associated Press, with backup sources allowed."
	if got := extractAuthority(desc); got != "the Associated Press" {
		t.Errorf("authority = %q", got)
	}
	if got := extractAuthority("no source named"); got != "" {
		t.Errorf("authority = %q, want empty", got)
	}
}

func TestToLiveStatus(t *testing.T) {
	t.Parallel()
	st := toLiveStatus(openOrder{Status: "MATCHED", SizeMatched: "200", Price: "0.44"})
	if st.Status != "matched" {
		t.Errorf("status = %s", st.Status)
	}
	if st.FilledAmount != 88 {
		t.Errorf("filled = %v, want 88 (200 tokens at 0.44)", st.FilledAmount)
	}

	if st := toLiveStatus(openOrder{Status: "CANCELED"}); st.Status != "cancelled" {
		t.Errorf("status = %s, want cancelled", st.Status)
	}
}

func TestToOrderBook(t *testing.T) {
	t.Parallel()
	book := toOrderBook(bookResponse{
		Market:  "0xabc",
		AssetID: "tok-1",
		Bids:    []priceLevel{{Price: "0.42", Size: "1500"}},
		Asks:    []priceLevel{{Price: "0.46", Size: "900.5"}},
	})
	if book.MarketID != "0xabc" || book.TokenID != "tok-1" {
		t.Errorf("ids = %s / %s", book.MarketID, book.TokenID)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != 42 || book.Bids[0].Size != 1500 {
		t.Errorf("bids = %+v", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0].Price != 46 {
		t.Errorf("asks = %+v", book.Asks)
	}
}
