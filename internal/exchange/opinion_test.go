package exchange

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

const testMultiSig = "0xAbCdEf0123456789aBCdef0123456789AbCdEf01"

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, cfg OpinionConfig, handler http.HandlerFunc) (*OpinionClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 1000
	c, err := NewOpinionClient(cfg, quietLogger())
	if err != nil {
		srv.Close()
		t.Fatalf("NewOpinionClient: %v", err)
	}
	return c, srv
}

func writeResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"errno":0,"errmsg":"","result":%s}`, result)
}

func testPrivateKey(t *testing.T) string {
	t.Helper()
	k, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(k))
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "too many requests"}
	want := "API error 429: too many requests"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	withErrno := &APIError{Status: 200, Errno: 10001, Body: "bad"}
	if got := withErrno.Error(); got != "API error 200 (errno 10001): bad" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestRequest_HeadersAndEnvelope(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{APIKey: "test-key"}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/openapi/market/42" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		for _, h := range []string{"apikey", "X-API-Key"} {
			if got := r.Header.Get(h); got != "test-key" {
				t.Fatalf("%s = %q, want test-key", h, got)
			}
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("Authorization = %q", got)
		}
		writeResult(w, `{"data":{"marketId":42,"marketTitle":"Will it rain?","statusEnum":"Activated",
			"yesTokenId":"88912345678901234567890123456789","noTokenId":"2222","cutoffAt":1767225600,
			"volume":"1234.5","volume24h":99,"quoteToken":"0x55D398326F99059FF775485246999027B3197955","chainId":"56"}}`)
	})
	defer srv.Close()

	m, err := c.GetMarket(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.ID != 42 || m.Title != "Will it rain?" || m.Status != "activated" {
		t.Fatalf("market = %+v", m)
	}
	if m.YesTokenID != "88912345678901234567890123456789" {
		t.Fatalf("yes token lost precision: %s", m.YesTokenID)
	}
	if m.TokenFor("NO") != "2222" || m.OutcomeFor("2222") != "NO" {
		t.Fatalf("token mapping wrong: %+v", m)
	}
	if m.Volume != 1234.5 || m.Volume24h != 99 {
		t.Fatalf("volumes = %v/%v", m.Volume, m.Volume24h)
	}
	if m.CutoffAt.Unix() != 1767225600 {
		t.Fatalf("cutoff = %v", m.CutoffAt)
	}
	if m.QuoteToken != USDTAddress {
		t.Fatalf("quote token = %s", m.QuoteToken)
	}
}

func TestRequest_Non2xxReturnsAPIError(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	defer srv.Close()

	_, err := c.GetMarket(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.RetryAfter != "5" {
		t.Fatalf("APIError = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Body, "slow down") {
		t.Fatalf("body = %q", apiErr.Body)
	}
}

func TestRequest_404IsNotFound(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	defer srv.Close()

	_, err := c.GetOrder(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRequest_ErrnoReturnsAPIError(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errno":10403,"errmsg":"invalid api key","result":null}`))
	})
	defer srv.Close()

	_, err := c.GetUSDTBalance(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Errno != 10403 {
		t.Fatalf("err = %v, want errno 10403", err)
	}
}

func TestGetActiveMarkets_Paginates(t *testing.T) {
	var pages []string
	c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "activated" || q.Get("limit") != "20" || q.Get("chainId") != "56" {
			t.Fatalf("query = %s", r.URL.RawQuery)
		}
		pages = append(pages, q.Get("page"))
		n := 20
		if q.Get("page") == "2" {
			n = 3
		}
		items := make([]string, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, fmt.Sprintf(`{"marketId":%s%d,"marketTitle":"m","yesTokenId":"y","noTokenId":"n"}`, q.Get("page"), i+10))
		}
		writeResult(w, `{"total":23,"list":[`+strings.Join(items, ",")+`]}`)
	})
	defer srv.Close()

	markets, err := c.GetActiveMarkets(context.Background())
	if err != nil {
		t.Fatalf("GetActiveMarkets: %v", err)
	}
	if len(markets) != 23 {
		t.Fatalf("got %d markets, want 23", len(markets))
	}
	if strings.Join(pages, ",") != "1,2" {
		t.Fatalf("pages requested = %v", pages)
	}
}

func TestGetOrderbook_UnsortedLevels(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token_id") != "tok" {
			t.Fatalf("token_id = %q", r.URL.Query().Get("token_id"))
		}
		writeResult(w, `{"data":{"bids":[{"price":"0.060","size":"100"},{"price":"0.071","size":"50"},{"price":"0.065","size":"0"}],
			"asks":[{"price":"0.090","size":"10"},{"price":"0.075","size":"20"}]}}`)
	})
	defer srv.Close()

	ob, err := c.GetOrderbook(context.Background(), "tok")
	if err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}
	if len(ob.Bids) != 2 {
		t.Fatalf("zero-size level should be dropped, bids = %+v", ob.Bids)
	}
	if ob.BestBid() != 0.071 || ob.BestAsk() != 0.075 {
		t.Fatalf("best bid/ask = %v/%v", ob.BestBid(), ob.BestAsk())
	}
}

func TestGetOrder_ParsesBothFieldStyles(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Order
	}{
		{
			name: "camelCase detail",
			body: `{"orderData":{"orderId":"o-1","marketId":42,"sideEnum":"Buy","status":2,"statusEnum":"Finished",
				"price":"0.071","orderShares":"140.8","filledShares":"140.8","filledAmount":"10.0"}}`,
			want: Order{OrderID: "o-1", MarketID: 42, Side: SideBuy, Status: 2, StatusEnum: "Finished",
				Price: 0.071, OrderShares: 140.8, FilledShares: 140.8, FilledAmount: 10},
		},
		{
			name: "snake_case with trades",
			body: `{"order_data":{"order_id":"o-2","topic_id":"7","side":1,"status":"1","status_enum":"Pending",
				"price":0.5,"order_shares":20,"trades":[{"shares":"10000000000000000000","amount":"5000000000000000000"}]}}`,
			want: Order{OrderID: "o-2", MarketID: 7, Side: SideSell, Status: 1, StatusEnum: "Pending",
				Price: 0.5, OrderShares: 20, Trades: []Trade{{Shares: 1e19, Amount: 5e18}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
				writeResult(w, tt.body)
			})
			defer srv.Close()

			got, err := c.GetOrder(context.Background(), tt.want.OrderID)
			if err != nil {
				t.Fatalf("GetOrder: %v", err)
			}
			if got.OrderID != tt.want.OrderID || got.MarketID != tt.want.MarketID || got.Side != tt.want.Side ||
				got.Status != tt.want.Status || got.StatusEnum != tt.want.StatusEnum || got.Price != tt.want.Price ||
				got.OrderShares != tt.want.OrderShares || got.FilledShares != tt.want.FilledShares ||
				got.FilledAmount != tt.want.FilledAmount || len(got.Trades) != len(tt.want.Trades) {
				t.Fatalf("order = %+v, want %+v", got, tt.want)
			}
			for i := range got.Trades {
				if got.Trades[i].ScaledShares() != tt.want.Trades[i].ScaledShares() {
					t.Fatalf("trade %d = %+v", i, got.Trades[i])
				}
			}
		})
	}
}

func TestGetMyOrders_StatusCodeAndLimit(t *testing.T) {
	tests := []struct {
		status   string
		limit    int
		wantCode string
		wantLim  string
	}{
		{"PENDING", 5, "0", "5"},
		{"OPEN", 0, "0", "20"},
		{"FILLED", 50, "1", "20"},
		{"PARTIALLY_FILLED", 20, "2", "20"},
		{"CANCELLED", 1, "3", "1"},
		{"", 10, "", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("status") != tt.wantCode || q.Get("limit") != tt.wantLim || q.Get("marketId") != "42" {
					t.Fatalf("query = %s", r.URL.RawQuery)
				}
				writeResult(w, `{"list":[{"orderId":"a","marketId":42,"status":0}]}`)
			})
			defer srv.Close()

			orders, err := c.GetMyOrders(context.Background(), OrderQuery{MarketID: 42, Status: tt.status, Limit: tt.limit})
			if err != nil {
				t.Fatalf("GetMyOrders: %v", err)
			}
			if len(orders) != 1 || orders[0].OrderID != "a" {
				t.Fatalf("orders = %+v", orders)
			}
		})
	}
}

func TestGetUSDTBalance(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{
			name: "raw wei scaled by decimals",
			body: `{"balances":[{"quoteToken":"0x55D398326F99059FF775485246999027B3197955","availableBalance":"15000000000000000000","tokenDecimals":18}]}`,
			want: 15,
		},
		{
			name: "small value already in USDT",
			body: `{"balances":[{"quoteToken":"0x55d398326f99059ff775485246999027b3197955","availableBalance":"25.5","tokenDecimals":18}]}`,
			want: 25.5,
		},
		{
			name: "no usdt entry",
			body: `{"balances":[{"quoteToken":"0xother","availableBalance":"99"}]}`,
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("chain_id") != "56" {
					t.Fatalf("chain_id = %q", r.URL.Query().Get("chain_id"))
				}
				writeResult(w, tt.body)
			})
			defer srv.Close()

			got, err := c.GetUSDTBalance(context.Background())
			if err != nil {
				t.Fatalf("GetUSDTBalance: %v", err)
			}
			if got != tt.want {
				t.Fatalf("USDT = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetPositionShares(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "50" {
			t.Fatalf("limit = %q", r.URL.Query().Get("limit"))
		}
		writeResult(w, `{"list":[
			{"marketId":42,"outcomeSideEnum":"No","sharesOwned":"12.5"},
			{"marketId":42,"outcomeSideEnum":"Yes","sharesOwned":"140.8","avgEntryPrice":"0.071"},
			{"marketId":7,"outcomeSide":1,"sharesOwned":"3"}]}`)
	})
	defer srv.Close()

	ctx := context.Background()
	yes, err := c.GetPositionShares(ctx, 42, "yes")
	if err != nil || yes != 140.8 {
		t.Fatalf("YES shares = %v, %v", yes, err)
	}
	no, _ := c.GetPositionShares(ctx, 42, "NO")
	if no != 12.5 {
		t.Fatalf("NO shares = %v", no)
	}
	none, _ := c.GetPositionShares(ctx, 99, "YES")
	if none != 0 {
		t.Fatalf("missing market shares = %v", none)
	}

	all, err := c.GetPositions(ctx, nil)
	if err != nil || len(all) != 3 || all[2].OutcomeSide != "YES" {
		t.Fatalf("positions = %+v, %v", all, err)
	}
}

func TestPlaceBuy_ReadOnly(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{}, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("read-only client must not call the API")
	})
	defer srv.Close()

	if !c.ReadOnly() {
		t.Fatalf("client without credentials should be read-only")
	}
	if _, err := c.PlaceBuy(context.Background(), 42, "tok", 0.071, 10); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestPlaceSell_BuildsSignedOrder(t *testing.T) {
	var got orderRequest
	c, srv := newTestClient(t, OpinionConfig{PrivateKey: testPrivateKey(t), MultiSigAddress: testMultiSig},
		func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/openapi/market/42":
				writeResult(w, `{"data":{"marketId":42,"quoteToken":"0x55d398326f99059ff775485246999027b3197955","chainId":"56"}}`)
			case r.URL.Path == "/openapi/quoteToken":
				writeResult(w, `{"list":[{"quoteTokenAddress":"0x55d398326f99059ff775485246999027b3197955",
					"ctfExchangeAddress":"0x5F45344126D6488025B0b84A3A8189F2487a7246","decimal":18}]}`)
			case r.URL.Path == "/openapi/order" && r.Method == http.MethodPost:
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Fatalf("decode order: %v", err)
				}
				writeResult(w, `{"orderData":{"orderId":"ord-77"}}`)
			default:
				t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
			}
		})
	defer srv.Close()

	ref, err := c.PlaceSell(context.Background(), 42, "1234567890", 0.075, 140.8451)
	if err != nil {
		t.Fatalf("PlaceSell: %v", err)
	}
	if ref.OrderID != "ord-77" {
		t.Fatalf("order id = %q", ref.OrderID)
	}
	if got.TopicID != 42 || got.Side != "1" || got.SignatureType != "2" || got.TradingMethod != 2 {
		t.Fatalf("request = %+v", got)
	}
	if got.Maker != strings.ToLower(testMultiSig) || got.Taker != zeroAddress {
		t.Fatalf("maker/taker = %s/%s", got.Maker, got.Taker)
	}
	if got.Signature == "" || got.Signature != got.Sign {
		t.Fatalf("signature fields = %q/%q", got.Signature, got.Sign)
	}
	if got.Price != "0.075" {
		t.Fatalf("price = %q", got.Price)
	}
	// SELL: maker is shares, taker is quote; taker/maker == price.
	if got.MakerAmount != "140800000000000000000" || got.TakerAmount != "10560000000000000000" {
		t.Fatalf("amounts = %s/%s", got.MakerAmount, got.TakerAmount)
	}
	maker, _ := new(big.Int).SetString(got.MakerAmount, 10)
	taker, _ := new(big.Int).SetString(got.TakerAmount, 10)
	if new(big.Int).Mul(taker, big.NewInt(40)).Cmp(new(big.Int).Mul(maker, big.NewInt(3))) != 0 {
		t.Fatalf("taker/maker != 3/40")
	}
}

func TestPlaceBuy_RejectsOutOfRangePrice(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{PrivateKey: testPrivateKey(t), MultiSigAddress: testMultiSig},
		func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("invalid price must be rejected before any request")
		})
	defer srv.Close()

	for _, price := range []float64{0, 0.0005, 1.0, 0.1234567} {
		if _, err := c.PlaceBuy(context.Background(), 1, "tok", price, 10); err == nil {
			t.Fatalf("price %v accepted", price)
		}
	}
}

func TestCancelOrder(t *testing.T) {
	c, srv := newTestClient(t, OpinionConfig{PrivateKey: testPrivateKey(t), MultiSigAddress: testMultiSig},
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/openapi/order/cancel" {
				t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["orderId"] != "ord-1" {
				t.Fatalf("body = %v", body)
			}
			writeResult(w, `{}`)
		})
	defer srv.Close()

	ok, err := c.CancelOrder(context.Background(), "ord-1")
	if err != nil || !ok {
		t.Fatalf("CancelOrder = %v, %v", ok, err)
	}
}
