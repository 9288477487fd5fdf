package sizing

import (
	"fmt"
	"math"
	"strings"

	"shock-trader/internal/config"
)

const (
	minConfidence      = 0.4
	stopDistanceRatio  = 0.15
	lossThrottleBase   = 0.7
	maxPositionOfTotal = 0.2
)

// Bucket 表示置信度分档。
type Bucket string

const (
	BucketTooLow   Bucket = "TOO_LOW"
	BucketLow      Bucket = "LOW"
	BucketMedium   Bucket = "MEDIUM"
	BucketHigh     Bucket = "HIGH"
	BucketVeryHigh Bucket = "VERY_HIGH"
)

// Request 为仓位计算输入。
type Request struct {
	TotalCapital         float64
	AvailableCapital     float64
	CalibratedConfidence float64
	ConsecutiveLosses    int
	OptionPrice          float64
	MaxLots              int
	Limits               config.RiskLimits
}

// Result 为仓位计算结果，Lots 为0表示拒绝。
type Result struct {
	Lots                 int     `json:"lots"`
	CapitalUsed          float64 `json:"capital_used"`
	RiskAmount           float64 `json:"risk_amount"`
	TradeRisk            float64 `json:"trade_risk"`
	StopDistance         float64 `json:"stop_distance"`
	ConfidenceMultiplier float64 `json:"confidence_multiplier"`
	ThrottleMultiplier   float64 `json:"throttle_multiplier"`
	Bucket               Bucket  `json:"bucket"`
	Reason               string  `json:"reason"`
}

// Accepted 判断是否给出了有效仓位。
func (r Result) Accepted() bool {
	return r.Lots > 0
}

// Size 按置信度与连亏节流计算手数，资金占用不超过可用资金。
func Size(req Request) Result {
	bucket := BucketFor(req.CalibratedConfidence)
	if req.CalibratedConfidence < minConfidence {
		return Result{
			Bucket: bucket,
			Reason: fmt.Sprintf("置信度 %.1f%% 低于最低要求 %.0f%%", req.CalibratedConfidence*100, minConfidence*100),
		}
	}
	if req.OptionPrice <= 0 || math.IsNaN(req.OptionPrice) {
		return Result{Bucket: bucket, Reason: "期权价格无效"}
	}

	confMul := ConfidenceMultiplier(req.CalibratedConfidence)
	throttle := ThrottleMultiplier(req.ConsecutiveLosses)
	baseRisk := req.Limits.MaxRiskPerTradePct / 100 * req.TotalCapital * confMul
	adjusted := baseRisk * throttle
	stopDistance := req.OptionPrice * stopDistanceRatio

	lots := int(math.Floor(adjusted / stopDistance))
	if req.MaxLots > 0 && lots > req.MaxLots {
		lots = req.MaxLots
	}
	if lots < 1 {
		lots = 1
	}

	reason := describe(req.CalibratedConfidence, confMul, req.ConsecutiveLosses, throttle)
	capital := req.OptionPrice * float64(lots)
	if capital > req.AvailableCapital {
		return Result{
			Bucket:               bucket,
			ConfidenceMultiplier: confMul,
			ThrottleMultiplier:   throttle,
			Reason:               fmt.Sprintf("可用资金不足: 需要 %.2f, 可用 %.2f; %s", capital, req.AvailableCapital, reason),
		}
	}

	return Result{
		Lots:                 lots,
		CapitalUsed:          capital,
		RiskAmount:           adjusted,
		TradeRisk:            stopDistance * float64(lots),
		StopDistance:         stopDistance,
		ConfidenceMultiplier: confMul,
		ThrottleMultiplier:   throttle,
		Bucket:               bucket,
		Reason:               reason,
	}
}

// Validate 独立校验仓位：至少1手、不超过可用资金、不超过总资金的20%。
func Validate(lots int, capitalUsed, available, total float64) error {
	if lots < 1 {
		return fmt.Errorf("sizing: 手数至少为1")
	}
	if capitalUsed > available {
		return fmt.Errorf("sizing: 可用资金不足")
	}
	if capitalUsed > total*maxPositionOfTotal {
		return fmt.Errorf("sizing: 仓位超过总资金的%.0f%%", maxPositionOfTotal*100)
	}
	return nil
}

// ConfidenceMultiplier 返回置信度对应的仓位系数，低于0.4为0。
func ConfidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence < minConfidence:
		return 0
	case confidence < 0.55:
		return 0.5
	case confidence < 0.7:
		return 0.75
	default:
		return 1.0
	}
}

// ThrottleMultiplier 连亏节流系数 0.7^n。
func ThrottleMultiplier(consecutiveLosses int) float64 {
	if consecutiveLosses <= 0 {
		return 1.0
	}
	return math.Pow(lossThrottleBase, float64(consecutiveLosses))
}

// BucketFor 返回置信度分档。
func BucketFor(confidence float64) Bucket {
	switch {
	case confidence < minConfidence:
		return BucketTooLow
	case confidence < 0.55:
		return BucketLow
	case confidence < 0.7:
		return BucketMedium
	case confidence < 0.85:
		return BucketHigh
	default:
		return BucketVeryHigh
	}
}

func describe(confidence, confMul float64, losses int, throttle float64) string {
	parts := []string{fmt.Sprintf("置信度 %.1f%% → 仓位 %.0f%%", confidence*100, confMul*100)}
	if losses > 0 {
		parts = append(parts, fmt.Sprintf("连亏%d笔 → 节流 %.0f%%", losses, throttle*100))
	}
	return strings.Join(parts, ", ")
}
