package indicator

import (
	"fmt"
	"math"
	"sync"

	"github.com/markcheno/go-talib"

	"smart-exec/internal/exchange"
)

const (
	atrPeriod    = 14
	stdDevPeriod = 20
)

// Volatility 为基于K线的波动率估计。
type Volatility struct {
	ATR          float64 // 平均真实波幅（价格单位）
	ATRRelative  float64 // ATR / 最新收盘价
	ReturnStdDev float64 // 收益率标准差
	LastClose    float64
}

type cacheEntry struct {
	key    string
	result Volatility
}

// Calculator 计算波动率并按交易对缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算波动率，K线数量需大于 ATR 周期。
func (c *Calculator) Compute(symbol string, candles []exchange.Candle) (Volatility, error) {
	if len(candles) <= atrPeriod {
		return Volatility{}, fmt.Errorf("indicator: K线数量不足，需要至少 %d 根，实际 %d", atrPeriod+1, len(candles))
	}

	series := NewSeries(candles)
	if series.Len() <= atrPeriod {
		return Volatility{}, fmt.Errorf("indicator: 去重后K线数量不足，需要至少 %d 根，实际 %d", atrPeriod+1, series.Len())
	}
	cacheKey := fmt.Sprintf("%s:%d:%d", symbol, series.Len(), series.Timestamps[series.Len()-1].Unix())

	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result, err := calculate(series)
	if err != nil {
		return Volatility{}, err
	}

	c.mu.Lock()
	c.cache[symbol] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func calculate(series Series) (Volatility, error) {
	lastClose := lastValue(series.Close)
	if lastClose <= 0 || math.IsNaN(lastClose) {
		return Volatility{}, fmt.Errorf("indicator: 最新收盘价无效: %v", lastClose)
	}

	atr := lastValue(talib.Atr(series.High, series.Low, series.Close, atrPeriod))
	if math.IsNaN(atr) || atr < 0 {
		atr = 0
	}

	returns := logReturns(series.Close)
	stdDev := 0.0
	if len(returns) >= stdDevPeriod {
		stdDev = lastValue(talib.StdDev(returns, stdDevPeriod, 1))
		if math.IsNaN(stdDev) {
			stdDev = 0
		}
	}

	return Volatility{
		ATR:          atr,
		ATRRelative:  relative(atr, lastClose),
		ReturnStdDev: stdDev,
		LastClose:    lastClose,
	}, nil
}

func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}
