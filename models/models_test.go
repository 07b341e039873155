package models

import (
	"strings"
	"testing"
)

func TestAggTradeNumTrades(t *testing.T) {
	p := AggTradePayload{FirstTradeID: 100, LastTradeID: 104}
	if got := p.NumTrades(); got != 5 {
		t.Errorf("NumTrades() = %d, want 5", got)
	}
	single := AggTradePayload{FirstTradeID: 7, LastTradeID: 7}
	if got := single.NumTrades(); got != 1 {
		t.Errorf("NumTrades() = %d, want 1", got)
	}
}

func TestApproxSize(t *testing.T) {
	flat := StreamEvent{Type: EventTrade, Trade: &TradePayload{}}
	if got := flat.ApproxSize(); got != 96 {
		t.Errorf("trade ApproxSize() = %d, want 96", got)
	}

	depth := StreamEvent{
		Type: EventDepthDiff,
		DepthDiff: &DepthDiffPayload{
			Bids: []PriceLevel{{Price: 1, Quantity: 1}, {Price: 2, Quantity: 2}},
			Asks: []PriceLevel{{Price: 3, Quantity: 3}},
		},
	}
	if got := depth.ApproxSize(); got != 96+24*3 {
		t.Errorf("depth ApproxSize() = %d, want %d", got, 96+24*3)
	}
}

func TestStreamEventString(t *testing.T) {
	cases := []struct {
		event StreamEvent
		want  []string
	}{
		{
			StreamEvent{
				Type:   EventTrade,
				Symbol: "BTCUSDT",
				Trade:  &TradePayload{Price: 50000.5, Quantity: 0.25, IsBuyerMaker: true},
			},
			[]string{"[TRADE]", "BTCUSDT", "SELL"},
		},
		{
			StreamEvent{
				Type:     EventAggTrade,
				Symbol:   "BTCUSDT",
				AggTrade: &AggTradePayload{Price: 50000.5, FirstTradeID: 1, LastTradeID: 3},
			},
			[]string{"[AGG]", "Trades: 3", "BUY"},
		},
		{
			StreamEvent{
				Type:   EventKline,
				Symbol: "BTCUSDT",
				Kline:  &KlinePayload{Interval: "1m", IsClosed: true},
			},
			[]string{"[KLINE]", "1m", "Closed: YES"},
		},
		{
			StreamEvent{
				Type:       EventBookTicker,
				Symbol:     "BTCUSDT",
				BookTicker: &BookTickerPayload{UpdateID: 42, BidPrice: 100, AskPrice: 101},
			},
			[]string{"[TICKER]", "u=42"},
		},
		{
			StreamEvent{
				Type:      EventDepthDiff,
				Symbol:    "BTCUSDT",
				DepthDiff: &DepthDiffPayload{FirstUpdateID: 10, FinalUpdateID: 12, Bids: []PriceLevel{{}}},
			},
			[]string{"[DEPTH]", "U=10 u=12", "Bids: 1"},
		},
		{
			StreamEvent{
				Type:          EventDepthSnapshot,
				Symbol:        "BTCUSDT",
				DepthSnapshot: &DepthSnapshotPayload{LastUpdateID: 99, Asks: []PriceLevel{{}, {}}},
			},
			[]string{"[BOOK]", "lastUpdateId=99", "Asks: 2"},
		},
	}

	for _, c := range cases {
		got := c.event.String()
		for _, want := range c.want {
			if !strings.Contains(got, want) {
				t.Errorf("String() for %s = %q, missing %q", c.event.Type, got, want)
			}
		}
	}
}
