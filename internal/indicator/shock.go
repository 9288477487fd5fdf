package indicator

import (
	"errors"
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"shock-trader/internal/exchange"
)

// ErrInsufficientCandles 表示K线数量不足以完成统计。
var ErrInsufficientCandles = errors.New("insufficient candles")

const atrPeriod = 14

// ShockStats 为最新一根K线相对历史基准的统计。
type ShockStats struct {
	Latest         exchange.Candle
	AverageVolume  float64
	VolumeMultiple float64
	BodyRatio      float64
	ATR            float64
	ATRPct         float64
	MovePct        float64
	GapPct         float64
}

// Analyze 以最新K线之前的 lookback 根K线为基准计算成交量倍数、实体占比与波动。
// 输入须按时间升序，至少 lookback+1 根。
func Analyze(candles []exchange.Candle, lookback int) (ShockStats, error) {
	if lookback <= 0 {
		return ShockStats{}, fmt.Errorf("indicator: lookback 必须大于0")
	}
	if len(candles) < lookback+1 {
		return ShockStats{}, fmt.Errorf("indicator: 需要 %d 根K线，实际 %d: %w", lookback+1, len(candles), ErrInsufficientCandles)
	}

	window := candles[len(candles)-lookback-1:]
	series := NewSeries(window)
	latest := window[len(window)-1]
	prev := window[len(window)-2]

	avgVolume := Last(talib.Sma(series.Volume[:lookback], lookback))
	if math.IsNaN(avgVolume) {
		avgVolume = 0
	}

	stats := ShockStats{
		Latest:         latest,
		AverageVolume:  avgVolume,
		VolumeMultiple: SafeDivide(latest.Volume, avgVolume),
		BodyRatio:      SafeDivide(math.Abs(latest.Close-latest.Open), latest.High-latest.Low),
		MovePct:        SafeDivide(latest.Close-prev.Close, prev.Close) * 100,
		GapPct:         SafeDivide(latest.Open-prev.Close, prev.Close) * 100,
	}

	if series.Len() > atrPeriod {
		atr := Last(talib.Atr(series.High, series.Low, series.Close, atrPeriod))
		if !math.IsNaN(atr) {
			stats.ATR = atr
			stats.ATRPct = SafeDivide(atr, latest.Close) * 100
		}
	}
	return stats, nil
}

// IsShock 判断统计结果是否构成冲击K线。
func (s ShockStats) IsShock(volumeMultiple, bodyRatio float64) bool {
	return s.AverageVolume > 0 && s.VolumeMultiple >= volumeMultiple && s.BodyRatio >= bodyRatio
}

// IsBlackSwan 判断单日涨跌或跳空幅度是否超过阈值。
func (s ShockStats) IsBlackSwan(movePct float64) bool {
	if movePct <= 0 {
		return false
	}
	return math.Abs(s.MovePct) >= movePct || math.Abs(s.GapPct) >= movePct
}
