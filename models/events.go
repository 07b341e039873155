package models

import (
	"fmt"
	"time"
)

// EventType identifies the stream variant carried by a StreamEvent. The set
// is closed: the normalizer matches exhaustively on it and the writer keys
// its buffer segments by it.
type EventType string

const (
	EventTrade         EventType = "trade"
	EventAggTrade      EventType = "agg_trade"
	EventKline         EventType = "kline"
	EventBookTicker    EventType = "book_ticker"
	EventDepthDiff     EventType = "depth_diff"
	EventDepthSnapshot EventType = "depth_snapshot"
)

// EventTypes lists every variant in a stable order.
var EventTypes = []EventType{
	EventTrade,
	EventAggTrade,
	EventKline,
	EventBookTicker,
	EventDepthDiff,
	EventDepthSnapshot,
}

// PriceLevel is a single order book level.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// TradePayload carries fields of a <symbol>@trade event.
// Raw Binance keys: t=trade_id, p=price, q=quantity, b/a=order ids,
// T=trade_time, m=is_buyer_maker.
type TradePayload struct {
	TradeID       int64
	Price         float64
	Quantity      float64
	BuyerOrderID  int64
	SellerOrderID int64
	TradeTime     int64
	IsBuyerMaker  bool
}

// AggTradePayload carries fields of a <symbol>@aggTrade event.
type AggTradePayload struct {
	AggTradeID   int64
	Price        float64
	Quantity     float64
	FirstTradeID int64
	LastTradeID  int64
	TradeTime    int64
	IsBuyerMaker bool
}

// NumTrades returns the number of raw trades folded into this aggregate.
func (p AggTradePayload) NumTrades() int64 {
	return p.LastTradeID - p.FirstTradeID + 1
}

// KlinePayload carries fields of a <symbol>@kline_<interval> event.
type KlinePayload struct {
	Interval            string
	OpenTime            int64
	CloseTime           int64
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	QuoteVolume         float64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
	NumTrades           int64
	IsClosed            bool
}

// BookTickerPayload carries the best bid/ask from <symbol>@bookTicker.
type BookTickerPayload struct {
	UpdateID int64
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
}

// DepthDiffPayload carries an incremental book update from <symbol>@depth.
// FirstUpdateID and FinalUpdateID are preserved verbatim so consumers can
// detect sequence gaps; no gap repair happens upstream.
type DepthDiffPayload struct {
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
}

// DepthSnapshotPayload carries a full book snapshot from GET /api/v3/depth.
type DepthSnapshotPayload struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// StreamEvent is the normalized form of one exchange event. Exactly one
// payload pointer is set, selected by Type. CalibratedTime is always
// populated before dispatch; when no clock calibration is available it holds
// the raw exchange time and Calibrated is false.
type StreamEvent struct {
	Type           EventType
	Symbol         string
	EventTime      int64 // exchange event time, ms, never adjusted
	ReceiptTime    int64 // local receive time, ms
	CalibratedTime int64 // EventTime mapped onto the local clock, ms
	Calibrated     bool
	Stale          bool

	Trade         *TradePayload
	AggTrade      *AggTradePayload
	Kline         *KlinePayload
	BookTicker    *BookTickerPayload
	DepthDiff     *DepthDiffPayload
	DepthSnapshot *DepthSnapshotPayload
}

// ApproxSize estimates the serialized footprint of the event in bytes. It is
// intentionally coarse; the writer only needs it for the max-bytes rotation
// threshold.
func (e StreamEvent) ApproxSize() int {
	size := 96
	if e.DepthDiff != nil {
		size += 24 * (len(e.DepthDiff.Bids) + len(e.DepthDiff.Asks))
	}
	if e.DepthSnapshot != nil {
		size += 24 * (len(e.DepthSnapshot.Bids) + len(e.DepthSnapshot.Asks))
	}
	return size
}

func sideLabel(isBuyerMaker bool) string {
	if isBuyerMaker {
		return "SELL"
	}
	return "BUY"
}

func clockTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("15:04:05.000")
}

// String renders one human-readable console line per event.
func (e StreamEvent) String() string {
	switch e.Type {
	case EventTrade:
		t := e.Trade
		return fmt.Sprintf("[TRADE]  %s | Price: %-12.4f | Qty: %-12.6f | Side: %-4s | %s",
			e.Symbol, t.Price, t.Quantity, sideLabel(t.IsBuyerMaker), clockTime(t.TradeTime))
	case EventAggTrade:
		a := e.AggTrade
		return fmt.Sprintf("[AGG]    %s | Price: %-12.4f | Qty: %-12.6f | Side: %-4s | Trades: %-4d | %s",
			e.Symbol, a.Price, a.Quantity, sideLabel(a.IsBuyerMaker), a.NumTrades(), clockTime(a.TradeTime))
	case EventKline:
		k := e.Kline
		closed := "NO"
		if k.IsClosed {
			closed = "YES"
		}
		return fmt.Sprintf("[KLINE]  %s | %-3s | O:%-10.2f H:%-10.2f L:%-10.2f C:%-10.2f | Vol: %-12.2f | Closed: %s | %s",
			e.Symbol, k.Interval, k.Open, k.High, k.Low, k.Close, k.Volume, closed, clockTime(e.EventTime))
	case EventBookTicker:
		b := e.BookTicker
		return fmt.Sprintf("[TICKER] %s | Bid: %.4f x %.6f | Ask: %.4f x %.6f | u=%d",
			e.Symbol, b.BidPrice, b.BidQty, b.AskPrice, b.AskQty, b.UpdateID)
	case EventDepthDiff:
		d := e.DepthDiff
		return fmt.Sprintf("[DEPTH]  %s | Bids: %d | Asks: %d | U=%d u=%d | %s",
			e.Symbol, len(d.Bids), len(d.Asks), d.FirstUpdateID, d.FinalUpdateID, clockTime(e.EventTime))
	case EventDepthSnapshot:
		s := e.DepthSnapshot
		return fmt.Sprintf("[BOOK]   %s | Bids: %d | Asks: %d | lastUpdateId=%d | %s",
			e.Symbol, len(s.Bids), len(s.Asks), s.LastUpdateID, clockTime(e.ReceiptTime))
	default:
		return fmt.Sprintf("[?]      %s | unknown event type %q", e.Symbol, string(e.Type))
	}
}
