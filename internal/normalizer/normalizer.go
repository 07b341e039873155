package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tickflow/internal/clock"
	"tickflow/logger"
	"tickflow/models"
)

// ParseError reports a malformed frame. The frame is dropped and the read
// loop continues; a parse failure is never fatal.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse error: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(reason string, err error) error {
	return &ParseError{Reason: reason, Err: err}
}

// combinedFrame is the wrapper Binance puts around combined-stream payloads.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// The raw structs carry an exact-match field for the lowercase "e"
// discriminator: without it encoding/json falls back to case-insensitive
// matching and binds "e" to the "E" event-time field.
type rawTrade struct {
	Event         string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	TradeID       int64  `json:"t"`
	Price         string `json:"p"`
	Quantity      string `json:"q"`
	BuyerOrderID  int64  `json:"b"`
	SellerOrderID int64  `json:"a"`
	TradeTime     int64  `json:"T"`
	IsBuyerMaker  bool   `json:"m"`
	IsBestMatch   bool   `json:"M"`
}

type rawAggTrade struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	IsBestMatch  bool   `json:"M"`
}

type rawKline struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime            int64  `json:"t"`
		CloseTime           int64  `json:"T"`
		Interval            string `json:"i"`
		FirstTradeID        int64  `json:"f"`
		LastTradeID         int64  `json:"L"`
		Open                string `json:"o"`
		Close               string `json:"c"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		Volume              string `json:"v"`
		NumTrades           int64  `json:"n"`
		IsClosed            bool   `json:"x"`
		QuoteVolume         string `json:"q"`
		TakerBuyVolume      string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
	} `json:"k"`
}

type rawBookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

type rawDepthDiff struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// Normalizer turns raw wire payloads into typed StreamEvents with calibrated
// timestamps and data-quality flags attached.
type Normalizer struct {
	calibrator *clock.Calibrator
	staleness  *clock.StalenessDetector
	log        *logger.Log
	nowMs      func() int64
}

// New creates a normalizer backed by the given calibrator and staleness
// detector.
func New(calibrator *clock.Calibrator, staleness *clock.StalenessDetector) *Normalizer {
	return &Normalizer{
		calibrator: calibrator,
		staleness:  staleness,
		log:        logger.GetLogger(),
		nowMs:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Normalize parses one combined-stream frame. It dispatches on the stream
// suffix and the payload's "e" discriminator into the closed variant set and
// fails with a ParseError on any malformed payload.
func (n *Normalizer) Normalize(raw []byte) (models.StreamEvent, error) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return models.StreamEvent{}, parseErr("malformed combined frame", err)
	}
	if frame.Stream == "" || len(frame.Data) == 0 {
		return models.StreamEvent{}, parseErr("combined frame missing stream or data", nil)
	}

	parts := strings.SplitN(frame.Stream, "@", 2)
	if len(parts) != 2 {
		return models.StreamEvent{}, parseErr(fmt.Sprintf("unrecognised stream %q", frame.Stream), nil)
	}
	suffix := parts[1]

	switch {
	case suffix == "trade":
		return n.normalizeTrade(frame.Data)
	case suffix == "aggTrade":
		return n.normalizeAggTrade(frame.Data)
	case strings.HasPrefix(suffix, "kline_"):
		return n.normalizeKline(frame.Data)
	case suffix == "bookTicker":
		return n.normalizeBookTicker(frame.Data)
	case suffix == "depth" || strings.HasPrefix(suffix, "depth@"):
		return n.normalizeDepthDiff(frame.Data)
	default:
		return models.StreamEvent{}, parseErr(fmt.Sprintf("unknown stream type %q", suffix), nil)
	}
}

func (n *Normalizer) normalizeTrade(data json.RawMessage) (models.StreamEvent, error) {
	var t rawTrade
	if err := json.Unmarshal(data, &t); err != nil {
		return models.StreamEvent{}, parseErr("malformed trade payload", err)
	}
	price, err := parseFloat("trade price", t.Price)
	if err != nil {
		return models.StreamEvent{}, err
	}
	qty, err := parseFloat("trade quantity", t.Quantity)
	if err != nil {
		return models.StreamEvent{}, err
	}

	event := n.newEvent(models.EventTrade, t.Symbol, t.EventTime)
	event.Trade = &models.TradePayload{
		TradeID:       t.TradeID,
		Price:         price,
		Quantity:      qty,
		BuyerOrderID:  t.BuyerOrderID,
		SellerOrderID: t.SellerOrderID,
		TradeTime:     t.TradeTime,
		IsBuyerMaker:  t.IsBuyerMaker,
	}
	return event, nil
}

func (n *Normalizer) normalizeAggTrade(data json.RawMessage) (models.StreamEvent, error) {
	var a rawAggTrade
	if err := json.Unmarshal(data, &a); err != nil {
		return models.StreamEvent{}, parseErr("malformed aggTrade payload", err)
	}
	price, err := parseFloat("aggTrade price", a.Price)
	if err != nil {
		return models.StreamEvent{}, err
	}
	qty, err := parseFloat("aggTrade quantity", a.Quantity)
	if err != nil {
		return models.StreamEvent{}, err
	}

	event := n.newEvent(models.EventAggTrade, a.Symbol, a.EventTime)
	event.AggTrade = &models.AggTradePayload{
		AggTradeID:   a.AggTradeID,
		Price:        price,
		Quantity:     qty,
		FirstTradeID: a.FirstTradeID,
		LastTradeID:  a.LastTradeID,
		TradeTime:    a.TradeTime,
		IsBuyerMaker: a.IsBuyerMaker,
	}
	return event, nil
}

func (n *Normalizer) normalizeKline(data json.RawMessage) (models.StreamEvent, error) {
	var k rawKline
	if err := json.Unmarshal(data, &k); err != nil {
		return models.StreamEvent{}, parseErr("malformed kline payload", err)
	}

	payload := &models.KlinePayload{
		Interval:  k.Kline.Interval,
		OpenTime:  k.Kline.OpenTime,
		CloseTime: k.Kline.CloseTime,
		NumTrades: k.Kline.NumTrades,
		IsClosed:  k.Kline.IsClosed,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"kline open", k.Kline.Open, &payload.Open},
		{"kline high", k.Kline.High, &payload.High},
		{"kline low", k.Kline.Low, &payload.Low},
		{"kline close", k.Kline.Close, &payload.Close},
		{"kline volume", k.Kline.Volume, &payload.Volume},
		{"kline quote volume", k.Kline.QuoteVolume, &payload.QuoteVolume},
		{"kline taker buy volume", k.Kline.TakerBuyVolume, &payload.TakerBuyVolume},
		{"kline taker buy quote volume", k.Kline.TakerBuyQuoteVolume, &payload.TakerBuyQuoteVolume},
	} {
		v, err := parseFloat(f.name, f.raw)
		if err != nil {
			return models.StreamEvent{}, err
		}
		*f.dst = v
	}

	event := n.newEvent(models.EventKline, k.Symbol, k.EventTime)
	event.Kline = payload
	return event, nil
}

func (n *Normalizer) normalizeBookTicker(data json.RawMessage) (models.StreamEvent, error) {
	var b rawBookTicker
	if err := json.Unmarshal(data, &b); err != nil {
		return models.StreamEvent{}, parseErr("malformed bookTicker payload", err)
	}
	bidPrice, err := parseFloat("bookTicker bid price", b.BidPrice)
	if err != nil {
		return models.StreamEvent{}, err
	}
	bidQty, err := parseFloat("bookTicker bid qty", b.BidQty)
	if err != nil {
		return models.StreamEvent{}, err
	}
	askPrice, err := parseFloat("bookTicker ask price", b.AskPrice)
	if err != nil {
		return models.StreamEvent{}, err
	}
	askQty, err := parseFloat("bookTicker ask qty", b.AskQty)
	if err != nil {
		return models.StreamEvent{}, err
	}

	// The spot bookTicker carries no exchange event time; receipt time stands
	// in so the calibrated-time invariant still holds.
	event := n.newEvent(models.EventBookTicker, b.Symbol, 0)
	event.BookTicker = &models.BookTickerPayload{
		UpdateID: b.UpdateID,
		BidPrice: bidPrice,
		BidQty:   bidQty,
		AskPrice: askPrice,
		AskQty:   askQty,
	}
	return event, nil
}

func (n *Normalizer) normalizeDepthDiff(data json.RawMessage) (models.StreamEvent, error) {
	var d rawDepthDiff
	if err := json.Unmarshal(data, &d); err != nil {
		return models.StreamEvent{}, parseErr("malformed depth diff payload", err)
	}
	bids, err := ParseLevels(d.Bids)
	if err != nil {
		return models.StreamEvent{}, parseErr("depth diff bids", err)
	}
	asks, err := ParseLevels(d.Asks)
	if err != nil {
		return models.StreamEvent{}, parseErr("depth diff asks", err)
	}

	event := n.newEvent(models.EventDepthDiff, d.Symbol, d.EventTime)
	event.DepthDiff = &models.DepthDiffPayload{
		// Update ids are preserved verbatim; gap detection belongs to
		// consumers, not the normalizer.
		FirstUpdateID: d.FirstUpdateID,
		FinalUpdateID: d.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
	}
	return event, nil
}

// NormalizeDepthSnapshot wraps a REST full-book response in a StreamEvent so
// the poller shares the stream path's fan-out. REST responses carry no
// exchange event time; receipt time stands in.
func (n *Normalizer) NormalizeDepthSnapshot(symbol string, lastUpdateID int64, bids, asks [][]string) (models.StreamEvent, error) {
	parsedBids, err := ParseLevels(bids)
	if err != nil {
		return models.StreamEvent{}, parseErr("depth snapshot bids", err)
	}
	parsedAsks, err := ParseLevels(asks)
	if err != nil {
		return models.StreamEvent{}, parseErr("depth snapshot asks", err)
	}

	event := n.newEvent(models.EventDepthSnapshot, symbol, 0)
	event.DepthSnapshot = &models.DepthSnapshotPayload{
		LastUpdateID: lastUpdateID,
		Bids:         parsedBids,
		Asks:         parsedAsks,
	}
	return event, nil
}

// newEvent fills the common fields: receipt time, calibrated time and the
// staleness flag. eventTime 0 means the payload carries no exchange time and
// receipt time stands in. The raw exchange time is never modified; the
// calibrated field maps it onto the local clock (offset = server - local, so
// local basis = eventTime - offset) where it can be aged against local now.
func (n *Normalizer) newEvent(typ models.EventType, symbol string, eventTime int64) models.StreamEvent {
	now := n.nowMs()
	event := models.StreamEvent{
		Type:        typ,
		Symbol:      symbol,
		EventTime:   eventTime,
		ReceiptTime: now,
		Calibrated:  n.calibrator.Calibrated(),
	}

	if eventTime == 0 {
		event.CalibratedTime = now
		return event
	}

	if event.Calibrated {
		event.CalibratedTime = eventTime - n.calibrator.OffsetMillis()
	} else {
		event.CalibratedTime = eventTime
	}
	event.Stale = n.staleness.IsStale(event.CalibratedTime, now)
	return event
}

// ParseLevels converts raw ["price","qty"] pairs into typed levels.
func ParseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for i, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level %d has %d fields, want 2", i, len(pair))
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("level %d quantity: %w", i, err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func parseFloat(name, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, parseErr(fmt.Sprintf("invalid %s %q", name, raw), err)
	}
	return v, nil
}
