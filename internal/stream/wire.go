package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sawpanic/mdingest/internal/event"
)

// frameEnvelope is the combined-stream wrapper the venue wraps every
// multiplexed message in: {"stream": "<symbol>@<channel>", "data": {...}}.
type frameEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wireBookTicker mirrors the venue's bookTicker payload shape. Prices
// and quantities travel as strings on the wire, per venue convention.
type wireBookTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	UpdateID  int64  `json:"u"`
	BestBid   string `json:"b"`
	BidQty    string `json:"B"`
	BestAsk   string `json:"a"`
	AskQty    string `json:"A"`
}

type wireAggTrade struct {
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type wireDepthUpdate struct {
	EventTime         int64      `json:"E"`
	Symbol            string     `json:"s"`
	FirstUpdateID     int64      `json:"U"`
	FinalUpdateID     int64      `json:"u"`
	PrevFinalUpdateID int64      `json:"pu"`
	Bids              [][]string `json:"b"`
	Asks              [][]string `json:"a"`
}

type wireMarkPrice struct {
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type wireForceOrderWrapper struct {
	EventTime int64         `json:"E"`
	Order     wireForceOrder `json:"o"`
}

type wireForceOrder struct {
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Price  string `json:"p"`
	Qty    string `json:"q"`
}

// ParsedFrame holds the single typed event decoded from one inbound
// frame, tagged with which field is populated. Exactly one field is
// non-nil for any successfully parsed frame, matching the Stream
// Client's "at most one typed event per frame" contract (spec §4.2).
type ParsedFrame struct {
	BookTicker *event.BookTicker
	Trade      *event.Trade
	Depth      *event.DepthDelta
	MarkPrice  *event.MarkPrice
	ForceOrder *event.ForceOrder
	RawSymbol  string
}

// ParseFrame decodes one combined-stream frame into a ParsedFrame. It
// returns (nil, nil) for frames that carry no event payload (e.g.
// subscription acks) or name an unknown channel, and a non-nil error for
// malformed JSON or a non-numeric price or quantity field.
func ParseFrame(raw []byte) (*ParsedFrame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("stream: decode envelope: %w", err)
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return nil, nil
	}

	channel := channelOf(env.Stream)
	switch channel {
	case "bookTicker":
		return parseBookTicker(env.Data)
	case "aggTrade":
		return parseAggTrade(env.Data)
	case "depth":
		return parseDepth(env.Data)
	case "markPrice":
		return parseMarkPrice(env.Data)
	case "forceOrder":
		return parseForceOrder(env.Data)
	default:
		return nil, nil
	}
}

// channelOf extracts the channel suffix from a combined-stream name of
// the form "<symbol>@<channel>" (depth carries an extra "@100ms" suffix
// which is stripped to the "depth" channel key).
func channelOf(stream string) string {
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i] == '@' {
			suffix := stream[i+1:]
			if len(suffix) >= 5 && suffix[:5] == "depth" {
				return "depth"
			}
			return suffix
		}
	}
	return ""
}

func parseBookTicker(data json.RawMessage) (*ParsedFrame, error) {
	var w wireBookTicker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("stream: decode bookTicker: %w", err)
	}
	bid, err1 := strconv.ParseFloat(w.BestBid, 64)
	ask, err2 := strconv.ParseFloat(w.BestAsk, 64)
	bidQty, err3 := strconv.ParseFloat(w.BidQty, 64)
	askQty, err4 := strconv.ParseFloat(w.AskQty, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, fmt.Errorf("stream: bookTicker: non-numeric field")
	}

	bt := &event.BookTicker{
		TsExchange: epochMillis(w.EventTime),
		TsIngest:   time.Now().UTC(),
		UpdateID:   w.UpdateID,
		BestBid:    bid,
		BestAsk:    ask,
		BidQty:     bidQty,
		AskQty:     askQty,
	}
	return &ParsedFrame{BookTicker: bt, RawSymbol: w.Symbol}, nil
}

func parseAggTrade(data json.RawMessage) (*ParsedFrame, error) {
	var w wireAggTrade
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("stream: decode aggTrade: %w", err)
	}
	price, err1 := strconv.ParseFloat(w.Price, 64)
	qty, err2 := strconv.ParseFloat(w.Qty, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("stream: aggTrade: non-numeric field")
	}

	tr := &event.Trade{
		TsExchange:   epochMillis(w.TradeTime),
		TsIngest:     time.Now().UTC(),
		AggTradeID:   w.AggTradeID,
		Price:        price,
		Qty:          qty,
		BuyerIsMaker: w.BuyerIsMaker,
	}
	return &ParsedFrame{Trade: tr, RawSymbol: w.Symbol}, nil
}

func parseDepth(data json.RawMessage) (*ParsedFrame, error) {
	var w wireDepthUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("stream: decode depth: %w", err)
	}

	bids, err := parseLevels(w.Bids)
	if err != nil {
		return nil, fmt.Errorf("stream: depth bids: %w", err)
	}
	asks, err := parseLevels(w.Asks)
	if err != nil {
		return nil, fmt.Errorf("stream: depth asks: %w", err)
	}

	var prev *int64
	if w.PrevFinalUpdateID != 0 {
		v := w.PrevFinalUpdateID
		prev = &v
	}

	d := &event.DepthDelta{
		TsExchange:        epochMillis(w.EventTime),
		TsIngest:          time.Now().UTC(),
		FirstUpdateID:     w.FirstUpdateID,
		FinalUpdateID:     w.FinalUpdateID,
		PrevFinalUpdateID: prev,
		BidChanges:        bids,
		AskChanges:        asks,
	}
	return &ParsedFrame{Depth: d, RawSymbol: w.Symbol}, nil
}

func parseLevels(raw [][]string) ([]event.PriceLevel, error) {
	out := make([]event.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("level must be [price, qty], got %v", pair)
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("qty: %w", err)
		}
		out = append(out, event.PriceLevel{Price: price, Qty: qty})
	}
	return out, nil
}

func parseMarkPrice(data json.RawMessage) (*ParsedFrame, error) {
	var w wireMarkPrice
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("stream: decode markPrice: %w", err)
	}
	mark, err1 := strconv.ParseFloat(w.MarkPrice, 64)
	index, err2 := strconv.ParseFloat(w.IndexPrice, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("stream: markPrice: non-numeric field")
	}

	mp := &event.MarkPrice{
		TsExchange: epochMillis(w.EventTime),
		TsIngest:   time.Now().UTC(),
		MarkPrice:  mark,
		IndexPrice: index,
	}
	if rate, err := strconv.ParseFloat(w.FundingRate, 64); err == nil {
		mp.FundingRate = &rate
	}
	if w.NextFundingTime > 0 {
		t := epochMillis(w.NextFundingTime)
		mp.NextFundingTime = &t
	}
	return &ParsedFrame{MarkPrice: mp, RawSymbol: w.Symbol}, nil
}

func parseForceOrder(data json.RawMessage) (*ParsedFrame, error) {
	var w wireForceOrderWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("stream: decode forceOrder: %w", err)
	}
	price, err1 := strconv.ParseFloat(w.Order.Price, 64)
	qty, err2 := strconv.ParseFloat(w.Order.Qty, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("stream: forceOrder: non-numeric field")
	}

	fo := &event.ForceOrder{
		TsExchange: epochMillis(w.EventTime),
		TsIngest:   time.Now().UTC(),
		Side:       w.Order.Side,
		Price:      price,
		Qty:        qty,
		RawPayload: data,
	}
	return &ParsedFrame{ForceOrder: fo, RawSymbol: w.Order.Symbol}, nil
}

func epochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
