package exchange

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"time"

	"polymarket-edge/pkg/types"
)

// gammaMarket is the JSON shape returned by the Gamma API for one market.
type gammaMarket struct {
	ID             string  `json:"id"`
	Question       string  `json:"question"`
	ConditionID    string  `json:"conditionId"`
	Slug           string  `json:"slug"`
	Category       string  `json:"category"`
	Description    string  `json:"description"`
	Active         bool    `json:"active"`
	Closed         bool    `json:"closed"`
	CreatedAt      string  `json:"createdAt"`
	EndDate        string  `json:"endDate"`
	Liquidity      string  `json:"liquidity"`
	Volume24hr     float64 `json:"volume24hr"`
	OutcomePrices  string  `json:"outcomePrices"`
	ClobTokenIds   string  `json:"clobTokenIds"`
	NegRisk        bool    `json:"negRisk"`
	BestBid        float64 `json:"bestBid"`
	BestAsk        float64 `json:"bestAsk"`
	LastTradePrice float64 `json:"lastTradePrice"`
}

// priceLevel is a single bid or ask level. Price and size come back as
// strings to preserve decimal precision.
type priceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookResponse is the GET /book payload for one token.
type bookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []priceLevel `json:"bids"`
	Asks      []priceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
}

// signedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
type signedOrder struct {
	Salt          string   `json:"salt"`
	Maker         string   `json:"maker"`       // funder/proxy wallet address
	Signer        string   `json:"signer"`      // EOA that signs the order
	Taker         string   `json:"taker"`       // zero address = open order
	TokenID       string   `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          string   `json:"side"`        // "BUY" or "SELL"
	Expiration    string   `json:"expiration"`  // unix timestamp as string, "0" = none
	Nonce         string   `json:"nonce"`
	FeeRateBps    string   `json:"feeRateBps"`
	SignatureType int      `json:"signatureType"` // 0 = EOA
	Signature     string   `json:"signature"`     // EIP-712 signature hex
}

// orderPayload is the POST /orders request body entry.
type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType string      `json:"orderType"` // GTC
}

// orderResponse is the per-order result of POST /orders.
type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // "live", "matched", ...
}

// openOrder is the GET /data/order/{id} payload for a resting order.
type openOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// cancelResponse is returned by DELETE /orders and /cancel-all.
type cancelResponse struct {
	Canceled []string `json:"canceled"`
}

// resolverPhrases mark a description that names an explicit resolution
// source. Their presence sets AuthorityIsClear.
var resolverPhrases = []string{
	"according to",
	"as reported by",
	"resolution source",
	"official",
	"uma",
	"will resolve",
}

// subjectiveWords mark questions whose outcome is a matter of opinion.
// Their presence clears OutcomeIsObjective.
var subjectiveWords = []string{
	"best",
	"worst",
	"greatest",
	"funniest",
	"most popular",
	"most important",
	"overrated",
}

// toMarket converts a Gamma market into the internal shape. Prices go from
// the exchange's 0..1 scale to probability points (0..100).
func toMarket(gm gammaMarket, now time.Time) types.Market {
	liquidity, _ := strconv.ParseFloat(gm.Liquidity, 64)

	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}
	var yesToken, noToken string
	if len(tokenIDs) >= 2 {
		yesToken = tokenIDs[0]
		noToken = tokenIDs[1]
	}

	yesPrice := yesPriceOf(gm)

	m := types.Market{
		ID:           gm.ID,
		Question:     gm.Question,
		Category:     normalizeCategory(gm.Category),
		Criteria:     deriveCriteria(gm.Question, gm.Description),
		YesTokenID:   yesToken,
		NoTokenID:    noToken,
		NegRisk:      gm.NegRisk,
		CurrentPrice: yesPrice * 100,
		Liquidity:    liquidity,
		Volume24h:    gm.Volume24hr,
		Closed:       gm.Closed,
	}
	if t, err := time.Parse(time.RFC3339, gm.CreatedAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
		m.ClosesAt = t
	}

	// A closed market whose yes price has collapsed to an extreme is
	// treated as resolved to that extreme.
	if gm.Closed {
		switch {
		case yesPrice >= 0.99:
			outcome := types.OutcomeYes
			m.ResolutionOutcome = &outcome
			at := now
			m.ResolvedAt = &at
		case yesPrice <= 0.01:
			outcome := types.OutcomeNo
			m.ResolutionOutcome = &outcome
			at := now
			m.ResolvedAt = &at
		}
	}
	return m
}

// yesPriceOf picks the best available yes price on the 0..1 scale:
// book midpoint, then last trade, then the quoted outcome price.
func yesPriceOf(gm gammaMarket) float64 {
	if gm.BestBid > 0 && gm.BestAsk > 0 {
		return (gm.BestBid + gm.BestAsk) / 2
	}
	if gm.LastTradePrice > 0 {
		return gm.LastTradePrice
	}
	var prices []string
	if gm.OutcomePrices != "" {
		_ = json.Unmarshal([]byte(gm.OutcomePrices), &prices)
	}
	if len(prices) > 0 {
		p, _ := strconv.ParseFloat(prices[0], 64)
		return p
	}
	return 0
}

// normalizeCategory lowercases and trims. Unrecognized values pass through
// unchanged; the edge-threshold lookup falls back to its catch-all bucket.
func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// deriveCriteria infers resolution quality from the market's text.
// AuthorityIsClear requires the description to name how the market resolves;
// OutcomeIsObjective fails when the question hinges on opinion words.
func deriveCriteria(question, description string) types.ResolutionCriteria {
	descLower := strings.ToLower(description)
	questionLower := strings.ToLower(question)

	criteria := types.ResolutionCriteria{
		OutcomeIsObjective: true,
		Description:        description,
	}

	for _, phrase := range resolverPhrases {
		if strings.Contains(descLower, phrase) {
			criteria.AuthorityIsClear = true
			break
		}
	}
	if criteria.AuthorityIsClear {
		criteria.Authority = extractAuthority(description)
	}

	for _, word := range subjectiveWords {
		if strings.Contains(questionLower, word) {
			criteria.OutcomeIsObjective = false
			break
		}
	}
	return criteria
}

// extractAuthority pulls the named source after "according to", if any.
func extractAuthority(description string) string {
	lower := strings.ToLower(description)
	idx := strings.Index(lower, "according to ")
	if idx < 0 {
		return ""
	}
	rest := description[idx+len("according to "):]
	if end := strings.IndexAny(rest, ".,;\n"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	const maxAuthorityLen = 80
	if len(rest) > maxAuthorityLen {
		rest = rest[:maxAuthorityLen]
	}
	return rest
}

// toOrderBook converts the wire book into the internal float form.
func toOrderBook(br bookResponse) *types.OrderBook {
	book := &types.OrderBook{
		MarketID: br.Market,
		TokenID:  br.AssetID,
	}
	for _, lvl := range br.Bids {
		price, _ := strconv.ParseFloat(lvl.Price, 64)
		size, _ := strconv.ParseFloat(lvl.Size, 64)
		book.Bids = append(book.Bids, types.OrderBookLevel{Price: price * 100, Size: size})
	}
	for _, lvl := range br.Asks {
		price, _ := strconv.ParseFloat(lvl.Price, 64)
		size, _ := strconv.ParseFloat(lvl.Size, 64)
		book.Asks = append(book.Asks, types.OrderBookLevel{Price: price * 100, Size: size})
	}
	if ts, err := strconv.ParseInt(br.Timestamp, 10, 64); err == nil {
		book.FetchedAt = time.UnixMilli(ts)
	}
	return book
}

// toLiveStatus maps an exchange order record onto the compact status the
// execution adapter consumes. FilledAmount is in USD.
func toLiveStatus(oo openOrder) types.LiveOrderStatus {
	status := strings.ToLower(oo.Status)
	if status == "canceled" {
		status = "cancelled"
	}
	matched, _ := strconv.ParseFloat(oo.SizeMatched, 64)
	price, _ := strconv.ParseFloat(oo.Price, 64)
	return types.LiveOrderStatus{
		Status:       status,
		FilledAmount: matched * price,
	}
}
