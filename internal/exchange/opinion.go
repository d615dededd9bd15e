package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Opinion OpenAPI proxy.
const DefaultBaseURL = "https://proxy.opinion.trade:8443"

const (
	maxErrorBody       = 64 << 10
	maxListLimit       = 20
	positionsPageLimit = 50
	defaultMarketPages = 50
	defaultDecimals    = 18
	tradingMethodLimit = 2
)

// OpinionConfig holds client settings. PrivateKey and MultiSigAddress are
// optional; without them the client is read-only.
type OpinionConfig struct {
	BaseURL           string
	APIKey            string
	PrivateKey        string
	MultiSigAddress   string
	ChainID           int64
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxMarketPages    int
}

// OpinionClient talks to the Opinion OpenAPI over REST.
type OpinionClient struct {
	baseURL  string
	apiKey   string
	chainID  int64
	maxPages int
	client   *http.Client
	limiter  *rate.Limiter
	signer   *OrderSigner
	logger   logrus.FieldLogger

	mu          sync.Mutex
	quoteTokens []apiQuoteToken
}

// NewOpinionClient builds a client. A signer is created only when both
// PrivateKey and MultiSigAddress are set.
func NewOpinionClient(cfg OpinionConfig, logger logrus.FieldLogger) (*OpinionClient, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.MaxMarketPages <= 0 {
		cfg.MaxMarketPages = defaultMarketPages
	}

	c := &OpinionClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		chainID:  cfg.ChainID,
		maxPages: cfg.MaxMarketPages,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:   logger.WithField("component", "opinion"),
	}

	if cfg.PrivateKey != "" && cfg.MultiSigAddress != "" {
		signer, err := NewOrderSigner(cfg.PrivateKey, cfg.MultiSigAddress, cfg.ChainID)
		if err != nil {
			return nil, err
		}
		c.signer = signer
	} else {
		c.logger.Warn("No PRIVATE_KEY/MULTI_SIG_ADDRESS configured: client is read-only")
	}
	return c, nil
}

// ReadOnly reports whether order placement is disabled.
func (c *OpinionClient) ReadOnly() bool { return c.signer == nil }

// ============ Wire types ============

type envelope struct {
	Errno  int             `json:"errno"`
	Errmsg string          `json:"errmsg"`
	Result json.RawMessage `json:"result"`
}

type apiMarket struct {
	MarketID    Text   `json:"marketId"`
	TopicID     Text   `json:"topic_id"`
	MarketTitle string `json:"marketTitle"`
	Title       string `json:"title"`
	Status      Text   `json:"status"`
	StatusEnum  string `json:"statusEnum"`
	YesTokenID  Text   `json:"yesTokenId"`
	NoTokenID   Text   `json:"noTokenId"`
	CutoffAt    Number `json:"cutoffAt"`
	Volume      Number `json:"volume"`
	Volume24h   Number `json:"volume24h"`
	QuoteToken  string `json:"quoteToken"`
	ChainID     Text   `json:"chainId"`
}

func (a apiMarket) toMarket() Market {
	id := a.MarketID.Int()
	if id == 0 {
		id = a.TopicID.Int()
	}
	title := a.MarketTitle
	if title == "" {
		title = a.Title
	}
	status := a.StatusEnum
	if status == "" {
		status = a.Status.String()
	}
	return Market{
		ID:         id,
		Title:      title,
		Status:     strings.ToLower(status),
		YesTokenID: a.YesTokenID.String(),
		NoTokenID:  a.NoTokenID.String(),
		CutoffAt:   unixTime(a.CutoffAt.Float()),
		Volume:     a.Volume.Float(),
		Volume24h:  a.Volume24h.Float(),
		QuoteToken: strings.ToLower(a.QuoteToken),
		ChainID:    a.ChainID.String(),
	}
}

type apiLevel struct {
	Price Number `json:"price"`
	Size  Number `json:"size"`
}

type apiOrderbook struct {
	Bids []apiLevel `json:"bids"`
	Asks []apiLevel `json:"asks"`
}

func toLevels(in []apiLevel) []Level {
	out := make([]Level, 0, len(in))
	for _, l := range in {
		if l.Price > 0 && l.Size > 0 {
			out = append(out, Level{Price: l.Price.Float(), Size: l.Size.Float()})
		}
	}
	return out
}

// apiOrder accepts both camelCase REST fields and snake_case SDK-style fields.
type apiOrder struct {
	OrderID           Text    `json:"orderId"`
	OrderIDSnake      Text    `json:"order_id"`
	TopicID           Text    `json:"topic_id"`
	MarketID          Text    `json:"marketId"`
	MarketIDSnake     Text    `json:"market_id"`
	TokenID           Text    `json:"tokenId"`
	Side              Text    `json:"side"`
	SideEnum          string  `json:"sideEnum"`
	SideEnumSnake     string  `json:"side_enum"`
	Outcome           string  `json:"outcome"`
	Status            Text    `json:"status"`
	StatusEnum        string  `json:"statusEnum"`
	StatusEnumSnake   string  `json:"status_enum"`
	Price             Number  `json:"price"`
	OrderShares       Number  `json:"orderShares"`
	OrderSharesSnake  Number  `json:"order_shares"`
	OrderAmount       Number  `json:"orderAmount"`
	OrderAmountSnake  Number  `json:"order_amount"`
	Amount            Number  `json:"amount"`
	FilledShares      Number  `json:"filledShares"`
	FilledSharesSnake Number  `json:"filled_shares"`
	FilledAmount      Number  `json:"filledAmount"`
	FilledAmountSnake Number  `json:"filled_amount"`
	Trades            []Trade `json:"trades"`
	CreatedAt         Number  `json:"createdAt"`
	CreatedAtSnake    Number  `json:"created_at"`
}

func firstText(vals ...Text) Text {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNumber(vals ...Number) float64 {
	for _, v := range vals {
		if v != 0 {
			return v.Float()
		}
	}
	return 0
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a apiOrder) toOrder() Order {
	o := Order{
		OrderID:      firstText(a.OrderID, a.OrderIDSnake).String(),
		MarketID:     firstText(a.MarketID, a.TopicID, a.MarketIDSnake).Int(),
		TokenID:      a.TokenID.String(),
		Outcome:      strings.ToUpper(a.Outcome),
		Status:       -1,
		StatusEnum:   firstString(a.StatusEnum, a.StatusEnumSnake),
		Price:        a.Price.Float(),
		OrderShares:  firstNumber(a.OrderShares, a.OrderSharesSnake),
		OrderAmount:  firstNumber(a.OrderAmount, a.OrderAmountSnake),
		Amount:       a.Amount.Float(),
		FilledShares: firstNumber(a.FilledShares, a.FilledSharesSnake),
		FilledAmount: firstNumber(a.FilledAmount, a.FilledAmountSnake),
		Trades:       a.Trades,
		CreatedAt:    unixTime(firstNumber(a.CreatedAt, a.CreatedAtSnake)),
	}
	if code, err := strconv.Atoi(a.Status.String()); err == nil {
		o.Status = code
	} else if o.StatusEnum == "" {
		o.StatusEnum = a.Status.String()
	}

	side := strings.ToUpper(firstString(a.SideEnum, a.SideEnumSnake))
	if side == "" {
		switch a.Side.String() {
		case "0":
			side = SideBuy
		case "1":
			side = SideSell
		default:
			side = strings.ToUpper(a.Side.String())
		}
	}
	o.Side = side
	return o
}

type apiPosition struct {
	MarketID             Text   `json:"marketId"`
	TopicID              Text   `json:"topic_id"`
	MarketIDSnake        Text   `json:"market_id"`
	MarketTitle          string `json:"marketTitle"`
	TokenID              Text   `json:"tokenId"`
	Outcome              string `json:"outcome"`
	OutcomeSide          Text   `json:"outcomeSide"`
	OutcomeSideEnum      string `json:"outcomeSideEnum"`
	OutcomeSideEnumSnake string `json:"outcome_side_enum"`
	SharesOwned          Number `json:"sharesOwned"`
	SharesOwnedSnake     Number `json:"shares_owned"`
	AvgEntryPrice        Number `json:"avgEntryPrice"`
	AvgEntryPriceSnake   Number `json:"avg_entry_price"`
}

func (a apiPosition) toPosition() Position {
	return Position{
		MarketID:      firstText(a.MarketID, a.TopicID, a.MarketIDSnake).Int(),
		MarketTitle:   a.MarketTitle,
		TokenID:       a.TokenID.String(),
		OutcomeSide:   a.side(),
		SharesOwned:   firstNumber(a.SharesOwned, a.SharesOwnedSnake),
		AvgEntryPrice: firstNumber(a.AvgEntryPrice, a.AvgEntryPriceSnake),
	}
}

func (a apiPosition) side() string {
	if enum := strings.ToUpper(firstString(a.OutcomeSideEnum, a.OutcomeSideEnumSnake)); enum != "" {
		return enum
	}
	switch a.OutcomeSide.String() {
	case "1":
		return "YES"
	case "2":
		return "NO"
	}
	return strings.ToUpper(a.Outcome)
}

type apiBalance struct {
	QuoteToken       string `json:"quoteToken"`
	AvailableBalance Number `json:"availableBalance"`
	FrozenBalance    Number `json:"frozenBalance"`
	TotalBalance     Number `json:"totalBalance"`
	TokenDecimals    Number `json:"tokenDecimals"`
}

type apiBalances struct {
	WalletAddress    string       `json:"walletAddress"`
	MultiSignAddress string       `json:"multiSignAddress"`
	Balances         []apiBalance `json:"balances"`
}

type apiQuoteToken struct {
	QuoteTokenAddress  string `json:"quoteTokenAddress"`
	CTFExchangeAddress string `json:"ctfExchangeAddress"`
	Decimal            Number `json:"decimal"`
}

type orderRequest struct {
	Salt            string `json:"salt"`
	TopicID         int    `json:"topicId"`
	Maker           string `json:"maker"`
	Signer          string `json:"signer"`
	Taker           string `json:"taker"`
	TokenID         string `json:"tokenId"`
	MakerAmount     string `json:"makerAmount"`
	TakerAmount     string `json:"takerAmount"`
	Expiration      string `json:"expiration"`
	Nonce           string `json:"nonce"`
	FeeRateBps      string `json:"feeRateBps"`
	Side            string `json:"side"`
	SignatureType   string `json:"signatureType"`
	Signature       string `json:"signature"`
	Sign            string `json:"sign"`
	ContractAddress string `json:"contractAddress"`
	CurrencyAddress string `json:"currencyAddress"`
	Price           string `json:"price"`
	TradingMethod   int    `json:"tradingMethod"`
	Timestamp       int64  `json:"timestamp"`
	SafeRate        string `json:"safeRate"`
	OrderExpTime    string `json:"orderExpTime"`
}

// unixTime accepts seconds or milliseconds.
func unixTime(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// ============ Transport ============

func (c *OpinionClient) request(ctx context.Context, method, endpoint string, query url.Values, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", endpoint, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "opinion-farmer/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) // 64KB cap to avoid huge payloads
		if err != nil {
			return nil, &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return nil, &APIError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, resp.Header.Get("Content-Type"), string(raw)),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if env.Errno != 0 {
		return nil, &APIError{Status: resp.StatusCode, Errno: env.Errno, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, env.Errmsg)}
	}
	return env.Result, nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// resultData unwraps result.data, result.orderData or result.order_data.
// A list under data yields its first element; otherwise result itself is used.
func resultData(raw json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	for _, key := range []string{"data", "orderData", "order_data"} {
		v, ok := fields[key]
		if !ok || isNull(v) {
			continue
		}
		if t := bytes.TrimSpace(v); len(t) > 0 && t[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(t, &items); err == nil && len(items) > 0 {
				return items[0]
			}
			continue
		}
		return v
	}
	return raw
}

// resultList unwraps result.list or result.data as a JSON array.
func resultList(raw json.RawMessage) (json.RawMessage, error) {
	if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '[' {
		return t, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid list response: %w", err)
	}
	for _, key := range []string{"list", "data", "positions"} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if isNull(v) {
			return json.RawMessage("[]"), nil
		}
		if t := bytes.TrimSpace(v); t[0] == '[' {
			return t, nil
		}
	}
	return nil, errors.New("invalid list response: no list or data array")
}

func (c *OpinionClient) getList(ctx context.Context, endpoint string, query url.Values, out any) error {
	raw, err := c.request(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	list, err := resultList(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	if err := json.Unmarshal(list, out); err != nil {
		return fmt.Errorf("%s: decode list: %w", endpoint, err)
	}
	return nil
}

func (c *OpinionClient) getData(ctx context.Context, endpoint string, query url.Values, out any) error {
	raw, err := c.request(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	if isNull(raw) {
		return fmt.Errorf("%s: %w", endpoint, ErrNotFound)
	}
	data := resultData(raw)
	if isNull(data) {
		return fmt.Errorf("%s: %w", endpoint, ErrNotFound)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}

func (c *OpinionClient) chainParam() string { return strconv.FormatInt(c.chainID, 10) }

// ============ Market data ============

// GetActiveMarkets pages through activated binary markets.
func (c *OpinionClient) GetActiveMarkets(ctx context.Context) ([]Market, error) {
	var markets []Market
	for page := 1; page <= c.maxPages; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(maxListLimit))
		q.Set("status", "activated")
		q.Set("marketType", "0")
		q.Set("chainId", c.chainParam())

		var items []apiMarket
		if err := c.getList(ctx, "/openapi/market", q, &items); err != nil {
			if page > 1 && len(markets) > 0 {
				c.logger.Warnf("Market pagination stopped at page %d: %v", page, err)
				break
			}
			return nil, err
		}
		for _, item := range items {
			m := item.toMarket()
			if m.ID == 0 {
				continue
			}
			markets = append(markets, m)
		}
		if len(items) < maxListLimit {
			break
		}
	}
	c.logger.Debugf("Fetched %d active markets", len(markets))
	return markets, nil
}

func (c *OpinionClient) getMarket(ctx context.Context, marketID int) (*apiMarket, error) {
	var m apiMarket
	if err := c.getData(ctx, fmt.Sprintf("/openapi/market/%d", marketID), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMarket returns market details including token ids.
func (c *OpinionClient) GetMarket(ctx context.Context, marketID int) (*Market, error) {
	raw, err := c.getMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	m := raw.toMarket()
	if m.ID == 0 {
		m.ID = marketID
	}
	return &m, nil
}

// GetOrderbook returns the book for one outcome token.
func (c *OpinionClient) GetOrderbook(ctx context.Context, tokenID string) (*Orderbook, error) {
	if tokenID == "" {
		return nil, errors.New("orderbook: token id required")
	}
	q := url.Values{}
	q.Set("token_id", tokenID)
	var ob apiOrderbook
	if err := c.getData(ctx, "/openapi/token/orderbook", q, &ob); err != nil {
		return nil, err
	}
	return &Orderbook{TokenID: tokenID, Bids: toLevels(ob.Bids), Asks: toLevels(ob.Asks)}, nil
}

// ============ Orders ============

// PlaceBuy places a limit BUY spending notionalUSDT.
func (c *OpinionClient) PlaceBuy(ctx context.Context, marketID int, tokenID string, price, notionalUSDT float64) (*OrderRef, error) {
	return c.placeOrder(ctx, marketID, tokenID, price, sideBuyCode, notionalUSDT)
}

// PlaceSell places a limit SELL of shares.
func (c *OpinionClient) PlaceSell(ctx context.Context, marketID int, tokenID string, price, shares float64) (*OrderRef, error) {
	return c.placeOrder(ctx, marketID, tokenID, price, sideSellCode, shares)
}

func (c *OpinionClient) placeOrder(ctx context.Context, marketID int, tokenID string, price float64, side int, makerAmount float64) (*OrderRef, error) {
	if c.signer == nil {
		return nil, ErrReadOnly
	}
	if tokenID == "" {
		return nil, errors.New("place order: token id required")
	}
	if makerAmount < 1 {
		return nil, fmt.Errorf("place order: maker amount must be at least 1, got %v", makerAmount)
	}
	priceStr, err := validatePrice(price)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	market, err := c.getMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("place order: market %d: %w", marketID, err)
	}
	if chain := market.ChainID.String(); chain != "" && chain != c.chainParam() {
		return nil, fmt.Errorf("place order: market %d is on chain %s, client on %d", marketID, chain, c.chainID)
	}
	quote, err := c.quoteToken(ctx, market.QuoteToken)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	decimals := int(quote.Decimal.Float())
	if decimals <= 0 {
		decimals = defaultDecimals
	}

	wei, err := amountToWei(makerAmount, decimals)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	makerWei, takerWei, err := orderAmounts(price, wei, side)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	signed, err := c.signer.NewOrder(quote.CTFExchangeAddress, tokenID, side, makerWei, takerWei)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	body := orderRequest{
		Salt:            signed.Salt,
		TopicID:         marketID,
		Maker:           signed.Maker,
		Signer:          signed.Signer,
		Taker:           signed.Taker,
		TokenID:         signed.TokenID,
		MakerAmount:     signed.MakerAmount,
		TakerAmount:     signed.TakerAmount,
		Expiration:      signed.Expiration,
		Nonce:           signed.Nonce,
		FeeRateBps:      signed.FeeRateBps,
		Side:            strconv.Itoa(signed.Side),
		SignatureType:   strconv.Itoa(signed.SignatureType),
		Signature:       signed.Signature,
		Sign:            signed.Signature,
		CurrencyAddress: strings.ToLower(quote.QuoteTokenAddress),
		Price:           priceStr,
		TradingMethod:   tradingMethodLimit,
		Timestamp:       time.Now().Unix(),
		SafeRate:        "0",
		OrderExpTime:    "0",
	}

	raw, err := c.request(ctx, http.MethodPost, "/openapi/order", nil, body)
	if err != nil {
		return nil, err
	}
	var ack apiOrder
	if data := resultData(raw); !isNull(data) {
		if err := json.Unmarshal(data, &ack); err != nil {
			c.logger.Warnf("Order placed but acknowledgement unparseable: %v", err)
		}
	}
	ref := &OrderRef{OrderID: firstText(ack.OrderID, ack.OrderIDSnake).String()}
	c.logger.WithFields(logrus.Fields{
		"market_id": marketID,
		"order_id":  ref.OrderID,
		"side":      signed.Side,
		"price":     priceStr,
	}).Info("Order placed")
	return ref, nil
}

func (c *OpinionClient) quoteToken(ctx context.Context, address string) (*apiQuoteToken, error) {
	c.mu.Lock()
	cached := c.quoteTokens
	c.mu.Unlock()

	if cached == nil {
		q := url.Values{}
		q.Set("chain_id", c.chainParam())
		var tokens []apiQuoteToken
		if err := c.getList(ctx, "/openapi/quoteToken", q, &tokens); err != nil {
			return nil, fmt.Errorf("quote tokens: %w", err)
		}
		c.mu.Lock()
		c.quoteTokens = tokens
		c.mu.Unlock()
		cached = tokens
	}

	want := strings.ToLower(address)
	for i := range cached {
		if strings.ToLower(cached[i].QuoteTokenAddress) == want {
			if cached[i].CTFExchangeAddress == "" {
				return nil, fmt.Errorf("quote token %s has no exchange address", address)
			}
			return &cached[i], nil
		}
	}
	return nil, fmt.Errorf("quote token %q not found", address)
}

// GetOrder returns order detail, or ErrNotFound.
func (c *OpinionClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("get order: %w", ErrNotFound)
	}
	var raw apiOrder
	if err := c.getData(ctx, "/openapi/order/"+url.PathEscape(orderID), nil, &raw); err != nil {
		return nil, err
	}
	o := raw.toOrder()
	if o.OrderID == "" {
		o.OrderID = orderID
	}
	return &o, nil
}

// CancelOrder cancels an open order.
func (c *OpinionClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if c.signer == nil {
		return false, ErrReadOnly
	}
	if _, err := c.request(ctx, http.MethodPost, "/openapi/order/cancel", nil, map[string]string{"orderId": orderID}); err != nil {
		return false, err
	}
	c.logger.WithField("order_id", orderID).Info("Order cancelled")
	return true, nil
}

// GetMyOrders lists the account's orders. Limit is clamped to 20.
func (c *OpinionClient) GetMyOrders(ctx context.Context, oq OrderQuery) ([]Order, error) {
	limit := oq.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("chainId", c.chainParam())
	if oq.MarketID > 0 {
		q.Set("marketId", strconv.Itoa(oq.MarketID))
	}
	if code := QueryStatusCode(oq.Status); code != "" {
		q.Set("status", code)
	}

	var items []apiOrder
	if err := c.getList(ctx, "/openapi/order", q, &items); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(items))
	for _, item := range items {
		orders = append(orders, item.toOrder())
	}
	return orders, nil
}

// ============ Account ============

// GetBalances returns per-token balances keyed by lowercase address.
func (c *OpinionClient) GetBalances(ctx context.Context) (*Balances, error) {
	q := url.Values{}
	q.Set("chain_id", c.chainParam())
	raw, err := c.request(ctx, http.MethodGet, "/openapi/user/balance", q, nil)
	if err != nil {
		return nil, err
	}
	var ab apiBalances
	if err := json.Unmarshal(resultData(raw), &ab); err != nil {
		return nil, fmt.Errorf("balances: decode: %w", err)
	}
	out := &Balances{
		WalletAddress:    ab.WalletAddress,
		MultiSignAddress: ab.MultiSignAddress,
		Tokens:           make(map[string]TokenBalance, len(ab.Balances)),
	}
	for _, b := range ab.Balances {
		out.Tokens[strings.ToLower(b.QuoteToken)] = TokenBalance{
			Available: b.AvailableBalance.Float(),
			Frozen:    b.FrozenBalance.Float(),
			Total:     b.TotalBalance.Float(),
			Decimals:  int(b.TokenDecimals.Float()),
		}
	}
	return out, nil
}

// GetUSDTBalance returns available USDT.
func (c *OpinionClient) GetUSDTBalance(ctx context.Context) (float64, error) {
	b, err := c.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	return b.USDT(), nil
}

// GetPositions lists holdings, optionally for one market.
func (c *OpinionClient) GetPositions(ctx context.Context, marketID *int) ([]Position, error) {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", strconv.Itoa(positionsPageLimit))
	q.Set("chainId", c.chainParam())
	if marketID != nil && *marketID > 0 {
		q.Set("marketId", strconv.Itoa(*marketID))
	}
	var items []apiPosition
	if err := c.getList(ctx, "/openapi/positions", q, &items); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(items))
	for _, item := range items {
		positions = append(positions, item.toPosition())
	}
	return positions, nil
}

// GetPositionShares returns shares held for a market and side, or 0.
func (c *OpinionClient) GetPositionShares(ctx context.Context, marketID int, outcomeSide string) (float64, error) {
	positions, err := c.GetPositions(ctx, &marketID)
	if err != nil {
		return 0, err
	}
	return SharesFor(positions, marketID, outcomeSide), nil
}

// SharesFor picks the share count for a market and side from a position list.
func SharesFor(positions []Position, marketID int, outcomeSide string) float64 {
	side := strings.ToUpper(outcomeSide)
	for _, p := range positions {
		if p.MarketID == marketID && p.OutcomeSide == side {
			return math.Max(p.SharesOwned, 0)
		}
	}
	return 0
}
