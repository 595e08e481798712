package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRange(t *testing.T) {
	tr := TimeRange{
		From: time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 9, 7, 11, 0, 0, 0, time.UTC),
	}
	assert.True(t, tr.To.After(tr.From))
}

func TestBookTickerSpreadAndMidFields(t *testing.T) {
	bt := BookTicker{
		SymbolID:   1,
		TsExchange: time.Now(),
		BestBid:    100.0,
		BestAsk:    100.5,
		BidQty:     1.0,
		AskQty:     2.0,
		Spread:     0.5,
		Mid:        100.25,
	}
	assert.Greater(t, bt.BestAsk, bt.BestBid)
	assert.Equal(t, bt.BestAsk-bt.BestBid, bt.Spread)
}

func TestTradeShape(t *testing.T) {
	tr := Trade{
		SymbolID:     7,
		AggTradeID:   42,
		Price:        50000.0,
		Qty:          0.1,
		BuyerIsMaker: true,
	}
	assert.Greater(t, tr.Price, 0.0)
	assert.Greater(t, tr.Qty, 0.0)
}

func TestDepthDeltaChainFields(t *testing.T) {
	prev := int64(99)
	d := DepthDelta{
		SymbolID:          1,
		FirstUpdateID:     100,
		FinalUpdateID:     105,
		PrevFinalUpdateID: &prev,
		BidChanges:        []PriceLevel{{Price: 100, Qty: 1}},
		AskChanges:        []PriceLevel{{Price: 101, Qty: 2}},
	}
	assert.Equal(t, int64(99), *d.PrevFinalUpdateID)
	assert.LessOrEqual(t, d.FirstUpdateID, d.FinalUpdateID)
}

func TestMarkPriceNullableFunding(t *testing.T) {
	mp := MarkPrice{
		SymbolID:   1,
		MarkPrice:  100.0,
		IndexPrice: 100.1,
	}
	assert.Nil(t, mp.FundingRate)
	assert.Nil(t, mp.NextFundingTime)

	rate := 0.0001
	mp.FundingRate = &rate
	assert.Equal(t, 0.0001, *mp.FundingRate)
}

func TestCore1s24hLOCFFields(t *testing.T) {
	c := Core1s24h{
		SymbolID:   1,
		TradeCount: 0,
		VolumeSum:  0,
	}
	assert.Nil(t, c.MidFFill)
	assert.Nil(t, c.VWAP)

	mid := 105.0
	c.MidFFill = &mid
	assert.Equal(t, 105.0, *c.MidFFill)
}

func TestSymbolCountsShape(t *testing.T) {
	sc := SymbolCounts{
		SymbolID:   3,
		LastMinute: 10,
		LastHour:   500,
		LastSeen:   time.Now(),
	}
	assert.GreaterOrEqual(t, sc.LastHour, sc.LastMinute)
}

func TestHealthCheckStructure(t *testing.T) {
	hc := HealthCheck{
		Healthy: true,
		Errors:  []string{},
		ConnectionPool: map[string]int{
			"open": 5,
			"idle": 10,
			"max":  20,
		},
		LastCheck:      time.Now(),
		ResponseTimeMS: 45,
	}
	assert.True(t, hc.Healthy)
	assert.Empty(t, hc.Errors)
	assert.Contains(t, hc.ConnectionPool, "open")
}
