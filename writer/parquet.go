package writer

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"tickflow/models"
)

// TradeRow is the parquet layout for trade events.
type TradeRow struct {
	Symbol         string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime      int64   `parquet:"name=event_time, type=INT64"`
	ReceiptTime    int64   `parquet:"name=receipt_time, type=INT64"`
	CalibratedTime int64   `parquet:"name=calibrated_time, type=INT64"`
	Calibrated     bool    `parquet:"name=calibrated, type=BOOLEAN"`
	Stale          bool    `parquet:"name=stale, type=BOOLEAN"`
	TradeID        int64   `parquet:"name=trade_id, type=INT64"`
	Price          float64 `parquet:"name=price, type=DOUBLE"`
	Quantity       float64 `parquet:"name=quantity, type=DOUBLE"`
	BuyerOrderID   int64   `parquet:"name=buyer_order_id, type=INT64"`
	SellerOrderID  int64   `parquet:"name=seller_order_id, type=INT64"`
	TradeTime      int64   `parquet:"name=trade_time, type=INT64"`
	IsBuyerMaker   bool    `parquet:"name=is_buyer_maker, type=BOOLEAN"`
}

// AggTradeRow is the parquet layout for aggregated trade events.
type AggTradeRow struct {
	Symbol         string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime      int64   `parquet:"name=event_time, type=INT64"`
	ReceiptTime    int64   `parquet:"name=receipt_time, type=INT64"`
	CalibratedTime int64   `parquet:"name=calibrated_time, type=INT64"`
	Calibrated     bool    `parquet:"name=calibrated, type=BOOLEAN"`
	Stale          bool    `parquet:"name=stale, type=BOOLEAN"`
	AggTradeID     int64   `parquet:"name=agg_trade_id, type=INT64"`
	Price          float64 `parquet:"name=price, type=DOUBLE"`
	Quantity       float64 `parquet:"name=quantity, type=DOUBLE"`
	FirstTradeID   int64   `parquet:"name=first_trade_id, type=INT64"`
	LastTradeID    int64   `parquet:"name=last_trade_id, type=INT64"`
	NumTrades      int64   `parquet:"name=num_trades, type=INT64"`
	TradeTime      int64   `parquet:"name=trade_time, type=INT64"`
	IsBuyerMaker   bool    `parquet:"name=is_buyer_maker, type=BOOLEAN"`
}

// KlineRow is the parquet layout for kline events.
type KlineRow struct {
	Symbol              string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime           int64   `parquet:"name=event_time, type=INT64"`
	ReceiptTime         int64   `parquet:"name=receipt_time, type=INT64"`
	CalibratedTime      int64   `parquet:"name=calibrated_time, type=INT64"`
	Calibrated          bool    `parquet:"name=calibrated, type=BOOLEAN"`
	Stale               bool    `parquet:"name=stale, type=BOOLEAN"`
	Interval            string  `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime            int64   `parquet:"name=open_time, type=INT64"`
	CloseTime           int64   `parquet:"name=close_time, type=INT64"`
	Open                float64 `parquet:"name=open, type=DOUBLE"`
	High                float64 `parquet:"name=high, type=DOUBLE"`
	Low                 float64 `parquet:"name=low, type=DOUBLE"`
	Close               float64 `parquet:"name=close, type=DOUBLE"`
	Volume              float64 `parquet:"name=volume, type=DOUBLE"`
	QuoteVolume         float64 `parquet:"name=quote_volume, type=DOUBLE"`
	TakerBuyVolume      float64 `parquet:"name=taker_buy_volume, type=DOUBLE"`
	TakerBuyQuoteVolume float64 `parquet:"name=taker_buy_quote_volume, type=DOUBLE"`
	NumTrades           int64   `parquet:"name=num_trades, type=INT64"`
	IsClosed            bool    `parquet:"name=is_closed, type=BOOLEAN"`
}

// BookTickerRow is the parquet layout for best bid/ask events.
type BookTickerRow struct {
	Symbol         string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceiptTime    int64   `parquet:"name=receipt_time, type=INT64"`
	CalibratedTime int64   `parquet:"name=calibrated_time, type=INT64"`
	Calibrated     bool    `parquet:"name=calibrated, type=BOOLEAN"`
	UpdateID       int64   `parquet:"name=update_id, type=INT64"`
	BidPrice       float64 `parquet:"name=bid_price, type=DOUBLE"`
	BidQty         float64 `parquet:"name=bid_qty, type=DOUBLE"`
	AskPrice       float64 `parquet:"name=ask_price, type=DOUBLE"`
	AskQty         float64 `parquet:"name=ask_qty, type=DOUBLE"`
}

// DepthRow is the parquet layout for order book levels, one row per level.
// It serves both diff and snapshot events: diffs carry first/final update
// ids, snapshots carry the last update id in FinalUpdateID with
// FirstUpdateID zero.
type DepthRow struct {
	Symbol         string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime      int64   `parquet:"name=event_time, type=INT64"`
	ReceiptTime    int64   `parquet:"name=receipt_time, type=INT64"`
	CalibratedTime int64   `parquet:"name=calibrated_time, type=INT64"`
	Calibrated     bool    `parquet:"name=calibrated, type=BOOLEAN"`
	Stale          bool    `parquet:"name=stale, type=BOOLEAN"`
	FirstUpdateID  int64   `parquet:"name=first_update_id, type=INT64"`
	FinalUpdateID  int64   `parquet:"name=final_update_id, type=INT64"`
	Side           string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price          float64 `parquet:"name=price, type=DOUBLE"`
	Quantity       float64 `parquet:"name=quantity, type=DOUBLE"`
	Level          int32   `parquet:"name=level, type=INT32"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage; nothing seeks backwards.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// marshalSegment serializes a segment's events into one parquet artifact.
func marshalSegment(typ models.EventType, events []models.StreamEvent) ([]byte, error) {
	switch typ {
	case models.EventTrade:
		return writeRows(tradeRows(events))
	case models.EventAggTrade:
		return writeRows(aggTradeRows(events))
	case models.EventKline:
		return writeRows(klineRows(events))
	case models.EventBookTicker:
		return writeRows(bookTickerRows(events))
	case models.EventDepthDiff, models.EventDepthSnapshot:
		return writeRows(depthRows(events))
	default:
		return nil, fmt.Errorf("no parquet layout for event type %q", string(typ))
	}
}

func writeRows[T any](rows []T) ([]byte, error) {
	mfw := newMemoryFileWriter()
	pw, err := pqwriter.NewParquetWriter(mfw, new(T), 2)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return mfw.Bytes(), nil
}

func tradeRows(events []models.StreamEvent) []TradeRow {
	rows := make([]TradeRow, 0, len(events))
	for _, e := range events {
		t := e.Trade
		if t == nil {
			continue
		}
		rows = append(rows, TradeRow{
			Symbol:         e.Symbol,
			EventTime:      e.EventTime,
			ReceiptTime:    e.ReceiptTime,
			CalibratedTime: e.CalibratedTime,
			Calibrated:     e.Calibrated,
			Stale:          e.Stale,
			TradeID:        t.TradeID,
			Price:          t.Price,
			Quantity:       t.Quantity,
			BuyerOrderID:   t.BuyerOrderID,
			SellerOrderID:  t.SellerOrderID,
			TradeTime:      t.TradeTime,
			IsBuyerMaker:   t.IsBuyerMaker,
		})
	}
	return rows
}

func aggTradeRows(events []models.StreamEvent) []AggTradeRow {
	rows := make([]AggTradeRow, 0, len(events))
	for _, e := range events {
		a := e.AggTrade
		if a == nil {
			continue
		}
		rows = append(rows, AggTradeRow{
			Symbol:         e.Symbol,
			EventTime:      e.EventTime,
			ReceiptTime:    e.ReceiptTime,
			CalibratedTime: e.CalibratedTime,
			Calibrated:     e.Calibrated,
			Stale:          e.Stale,
			AggTradeID:     a.AggTradeID,
			Price:          a.Price,
			Quantity:       a.Quantity,
			FirstTradeID:   a.FirstTradeID,
			LastTradeID:    a.LastTradeID,
			NumTrades:      a.NumTrades(),
			TradeTime:      a.TradeTime,
			IsBuyerMaker:   a.IsBuyerMaker,
		})
	}
	return rows
}

func klineRows(events []models.StreamEvent) []KlineRow {
	rows := make([]KlineRow, 0, len(events))
	for _, e := range events {
		k := e.Kline
		if k == nil {
			continue
		}
		rows = append(rows, KlineRow{
			Symbol:              e.Symbol,
			EventTime:           e.EventTime,
			ReceiptTime:         e.ReceiptTime,
			CalibratedTime:      e.CalibratedTime,
			Calibrated:          e.Calibrated,
			Stale:               e.Stale,
			Interval:            k.Interval,
			OpenTime:            k.OpenTime,
			CloseTime:           k.CloseTime,
			Open:                k.Open,
			High:                k.High,
			Low:                 k.Low,
			Close:               k.Close,
			Volume:              k.Volume,
			QuoteVolume:         k.QuoteVolume,
			TakerBuyVolume:      k.TakerBuyVolume,
			TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
			NumTrades:           k.NumTrades,
			IsClosed:            k.IsClosed,
		})
	}
	return rows
}

func bookTickerRows(events []models.StreamEvent) []BookTickerRow {
	rows := make([]BookTickerRow, 0, len(events))
	for _, e := range events {
		b := e.BookTicker
		if b == nil {
			continue
		}
		rows = append(rows, BookTickerRow{
			Symbol:         e.Symbol,
			ReceiptTime:    e.ReceiptTime,
			CalibratedTime: e.CalibratedTime,
			Calibrated:     e.Calibrated,
			UpdateID:       b.UpdateID,
			BidPrice:       b.BidPrice,
			BidQty:         b.BidQty,
			AskPrice:       b.AskPrice,
			AskQty:         b.AskQty,
		})
	}
	return rows
}

func depthRows(events []models.StreamEvent) []DepthRow {
	var rows []DepthRow
	for _, e := range events {
		var firstID, finalID int64
		var bids, asks []models.PriceLevel
		switch {
		case e.DepthDiff != nil:
			firstID = e.DepthDiff.FirstUpdateID
			finalID = e.DepthDiff.FinalUpdateID
			bids, asks = e.DepthDiff.Bids, e.DepthDiff.Asks
		case e.DepthSnapshot != nil:
			finalID = e.DepthSnapshot.LastUpdateID
			bids, asks = e.DepthSnapshot.Bids, e.DepthSnapshot.Asks
		default:
			continue
		}

		appendSide := func(side string, levels []models.PriceLevel) {
			for i, lvl := range levels {
				rows = append(rows, DepthRow{
					Symbol:         e.Symbol,
					EventTime:      e.EventTime,
					ReceiptTime:    e.ReceiptTime,
					CalibratedTime: e.CalibratedTime,
					Calibrated:     e.Calibrated,
					Stale:          e.Stale,
					FirstUpdateID:  firstID,
					FinalUpdateID:  finalID,
					Side:           side,
					Price:          lvl.Price,
					Quantity:       lvl.Quantity,
					Level:          int32(i + 1),
				})
			}
		}
		appendSide("bid", bids)
		appendSide("ask", asks)
	}
	return rows
}
