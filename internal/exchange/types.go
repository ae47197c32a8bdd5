package exchange

import "time"

// TimeframeVolatility 为波动率估计使用的K线周期。
const TimeframeVolatility = "1h"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBookSnapshot 为订单簿快照。
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
	Nonce     int64
}

// BestBid 返回最优买价，无数据时为 0。
func (s OrderBookSnapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk 返回最优卖价，无数据时为 0。
func (s OrderBookSnapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

// MarketSnapshot 聚合单个交易对的K线与盘口。
type MarketSnapshot struct {
	Symbol      string
	Candles     []Candle
	OrderBook   OrderBookSnapshot
	RetrievedAt time.Time
}

// SnapshotRequest 控制一次快照采集的参数。
type SnapshotRequest struct {
	Timeframe      string
	CandleLimit    int
	OrderBookDepth int
}

// DefaultSnapshotRequest 返回默认快照参数。
func DefaultSnapshotRequest() SnapshotRequest {
	return SnapshotRequest{
		Timeframe:      TimeframeVolatility,
		CandleLimit:    100,
		OrderBookDepth: 100,
	}
}
