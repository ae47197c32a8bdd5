package indicator

import (
	"math"
	"sort"
	"time"

	"smart-exec/internal/exchange"
)

// Series 为波动率计算所需的价格序列。
type Series struct {
	Timestamps []time.Time
	High       []float64
	Low        []float64
	Close      []float64
}

// NewSeries 按时间升序整理K线，同一时间戳只保留最后一根。
func NewSeries(candles []exchange.Candle) Series {
	ordered := make([]exchange.Candle, len(candles))
	copy(ordered, candles)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	series := Series{
		Timestamps: make([]time.Time, 0, len(ordered)),
		High:       make([]float64, 0, len(ordered)),
		Low:        make([]float64, 0, len(ordered)),
		Close:      make([]float64, 0, len(ordered)),
	}
	for _, candle := range ordered {
		ts := candle.Timestamp.UTC()
		if n := len(series.Timestamps); n > 0 && series.Timestamps[n-1].Equal(ts) {
			series.High[n-1] = candle.High
			series.Low[n-1] = candle.Low
			series.Close[n-1] = candle.Close
			continue
		}
		series.Timestamps = append(series.Timestamps, ts)
		series.High = append(series.High, candle.High)
		series.Low = append(series.Low, candle.Low)
		series.Close = append(series.Close, candle.Close)
	}
	return series
}

func (s Series) Len() int {
	return len(s.Close)
}

// lastValue 返回最后一个值，空序列为 NaN。
func lastValue(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func relative(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
