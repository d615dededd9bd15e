package exchange

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumber_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: `1.5`, want: 1.5},
		{in: `"0.071"`, want: 0.071},
		{in: `""`, want: 0},
		{in: `null`, want: 0},
		{in: `" 42 "`, want: 42},
		{in: `"abc"`, wantErr: true},
	}
	for _, tt := range tests {
		var n Number
		err := json.Unmarshal([]byte(tt.in), &n)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, n.Float(), tt.in)
	}
}

func TestText_UnmarshalJSON(t *testing.T) {
	var v struct {
		A Text `json:"a"`
		B Text `json:"b"`
		C Text `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":123456789012345678901234567890,"b":"x","c":null}`), &v))
	assert.Equal(t, "123456789012345678901234567890", v.A.String())
	assert.Equal(t, "x", v.B.String())
	assert.Equal(t, "", v.C.String())
	assert.Equal(t, 0, v.B.Int())
	assert.Equal(t, 42, Text("42").Int())
}

func TestOrderbook_BestPrices(t *testing.T) {
	ob := &Orderbook{
		Bids: []Level{{Price: 0.05, Size: 1}, {Price: 0.071, Size: 2}, {Price: 0.06, Size: 3}},
		Asks: []Level{{Price: 0.09, Size: 1}, {Price: 0.075, Size: 2}},
	}
	assert.Equal(t, 0.071, ob.BestBid())
	assert.Equal(t, 0.075, ob.BestAsk())
	assert.InDelta(t, 0.004, ob.Spread(), 1e-12)
	assert.Equal(t, 0.071, ob.SortedBids()[0].Price)
	assert.Equal(t, 0.075, ob.SortedAsks()[0].Price)
	assert.Equal(t, 0.05, ob.Bids[0].Price, "sorting must not mutate the book")

	empty := &Orderbook{}
	assert.Zero(t, empty.BestBid())
	assert.Zero(t, empty.BestAsk())
	assert.Zero(t, empty.Spread())
}

func TestOrder_StatusHelpers(t *testing.T) {
	tests := []struct {
		name                        string
		order                       Order
		finished, cancelled, expire bool
		statusName                  string
	}{
		{"finished by enum", Order{Status: -1, StatusEnum: "Finished"}, true, false, false, "Finished"},
		{"finished by code", Order{Status: 2}, true, false, false, "Finished"},
		{"canceled spelling", Order{Status: -1, StatusEnum: "Canceled"}, false, true, false, "Canceled"},
		{"cancelled by code", Order{Status: 3}, false, true, false, "Cancelled"},
		{"expired", Order{Status: 4}, false, false, true, "Expired"},
		{"pending", Order{Status: 0}, false, false, false, "Pending"},
		{"partial", Order{Status: 1}, false, false, false, "PartiallyFilled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.finished, tt.order.IsFinished())
			assert.Equal(t, tt.cancelled, tt.order.IsCancelled())
			assert.Equal(t, tt.expire, tt.order.IsExpired())
			assert.Equal(t, tt.finished || tt.cancelled || tt.expire, tt.order.IsTerminal())
			assert.Equal(t, tt.statusName, tt.order.StatusName())
		})
	}
}

func TestOrder_FillPercent(t *testing.T) {
	assert.InDelta(t, 50.0, (&Order{OrderShares: 200, FilledShares: 100}).FillPercent(), 1e-9)
	assert.Zero(t, (&Order{FilledShares: 100}).FillPercent())
}

func TestQueryStatusCode(t *testing.T) {
	assert.Equal(t, "0", QueryStatusCode("pending"))
	assert.Equal(t, "0", QueryStatusCode("OPEN"))
	assert.Equal(t, "1", QueryStatusCode("FILLED"))
	assert.Equal(t, "2", QueryStatusCode("PARTIALLY_FILLED"))
	assert.Equal(t, "3", QueryStatusCode("CANCELLED"))
	assert.Equal(t, "", QueryStatusCode("whatever"))
}

func TestMarket_HoursUntilClose(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m := Market{CutoffAt: now.Add(36 * time.Hour)}
	assert.InDelta(t, 36.0, m.HoursUntilClose(now), 1e-9)
	assert.True(t, math.IsInf((&Market{}).HoursUntilClose(now), 1))
}

func TestSharesFor(t *testing.T) {
	ps := []Position{
		{MarketID: 1, OutcomeSide: "YES", SharesOwned: 10},
		{MarketID: 1, OutcomeSide: "NO", SharesOwned: 4},
	}
	assert.Equal(t, 10.0, SharesFor(ps, 1, "yes"))
	assert.Equal(t, 4.0, SharesFor(ps, 1, "NO"))
	assert.Zero(t, SharesFor(ps, 2, "YES"))
}

func TestBalances_USDTNil(t *testing.T) {
	var b *Balances
	assert.Zero(t, b.USDT())
}
