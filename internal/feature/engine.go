package feature

import (
	"fmt"
	"math"
	"time"

	"shock-trader/internal/exchange"
	"shock-trader/internal/statemachine"
)

const (
	volumeWindow       = 3
	trendLookback      = 10
	minTrendCandles    = 5
	trendThresholdPct  = 3.0
	acceptanceBodyPct  = 0.5
	decreasingVolRatio = 0.8
	expandingVolRatio  = 1.2
)

// Compute 根据设置上下文与按时间升序的K线计算特征向量。
// 辅助信号原样透传，不引入任何随机性。
func Compute(ctx Context, candles []exchange.Candle, aux AuxSignals, now time.Time) (Vector, error) {
	if len(candles) == 0 {
		return Vector{}, fmt.Errorf("feature: %s 无可用K线: %w", ctx.Symbol, ErrInsufficientData)
	}

	latest := candles[len(candles)-1]
	acceptance := AcceptanceCandle(candles, ctx.Direction)
	trend := PriceTrendOf(candles)

	support := ctx.ShockLow
	resistance := ctx.ShockHigh

	return Vector{
		ShockCandle:             true,
		ShockDirection:          ctx.Direction,
		ShockVolumeMultiple:     ctx.VolumeMultiple,
		DaysSinceShock:          DaysSinceShock(ctx.ShockDate, now),
		VolumeTrend:             VolumeTrendOf(candles),
		AcceptanceCandle:        acceptance,
		Trend:                   trend,
		CurrentPrice:            latest.Close,
		Support:                 support,
		Resistance:              resistance,
		DistanceToSupportPct:    pctDiff(latest.Close-support, support),
		DistanceToResistancePct: pctDiff(resistance-latest.Close, latest.Close),
		OptionType:              optionTypeFor(ctx.Direction, acceptance, trend),
		StrikeType:              StrikeATM,
		AuxSignals:              aux,
	}, nil
}

// DaysSinceShock 返回冲击日到 now 的自然日差（向上取整）。
func DaysSinceShock(shockDate, now time.Time) int {
	if shockDate.IsZero() {
		return 0
	}
	diff := now.Sub(shockDate)
	if diff < 0 {
		diff = -diff
	}
	return int(math.Ceil(diff.Hours() / 24))
}

// VolumeTrendOf 比较最近3根与之前3根的平均成交量。
func VolumeTrendOf(candles []exchange.Candle) statemachine.VolumeTrend {
	if len(candles) < volumeWindow*2 {
		return statemachine.VolumeFlat
	}
	n := len(candles)
	recent := meanVolume(candles[n-volumeWindow:])
	previous := meanVolume(candles[n-volumeWindow*2 : n-volumeWindow])
	if previous <= 0 {
		return statemachine.VolumeFlat
	}

	switch ratio := recent / previous; {
	case ratio <= decreasingVolRatio:
		return statemachine.VolumeDecreasing
	case ratio >= expandingVolRatio:
		return statemachine.VolumeExpanding
	default:
		return statemachine.VolumeFlat
	}
}

// AcceptanceCandle 判断最新K线实体占比不低于50%且收盘方向与冲击方向相反。
func AcceptanceCandle(candles []exchange.Candle, direction Direction) bool {
	if len(candles) < 2 {
		return false
	}
	latest := candles[len(candles)-1]
	rng := latest.High - latest.Low
	if rng <= 0 {
		return false
	}
	if math.Abs(latest.Close-latest.Open)/rng < acceptanceBodyPct {
		return false
	}

	switch direction {
	case DirectionDown:
		return latest.Close > latest.Open
	case DirectionUp:
		return latest.Close < latest.Open
	default:
		return false
	}
}

// PriceTrendOf 比较最近10根K线首尾收盘价，涨跌超过3%视为趋势。
func PriceTrendOf(candles []exchange.Candle) PriceTrend {
	if len(candles) < minTrendCandles {
		return TrendRange
	}
	start := len(candles) - trendLookback
	if start < 0 {
		start = 0
	}
	first := candles[start].Close
	last := candles[len(candles)-1].Close
	change := pctDiff(last-first, first)

	switch {
	case change > trendThresholdPct:
		return TrendUp
	case change < -trendThresholdPct:
		return TrendDown
	default:
		return TrendRange
	}
}

// NearResistance 判断当前价与阻力位的距离是否低于阈值。
func NearResistance(v Vector, thresholdPct float64) bool {
	return v.Resistance > 0 && v.DistanceToResistancePct < thresholdPct
}

func optionTypeFor(direction Direction, acceptance bool, trend PriceTrend) OptionType {
	if acceptance {
		switch direction {
		case DirectionDown:
			return OptionCall
		case DirectionUp:
			return OptionPut
		}
	}
	switch trend {
	case TrendUp:
		return OptionCall
	case TrendDown:
		return OptionPut
	}
	return OptionCall
}

func meanVolume(candles []exchange.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}

func pctDiff(delta, base float64) float64 {
	if base == 0 || math.IsNaN(base) || math.IsInf(base, 0) {
		return 0
	}
	return clean(delta / base * 100)
}

func clean(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}
