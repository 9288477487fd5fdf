package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"shock-trader/internal/feature"
	"shock-trader/internal/statemachine"
)

// Decision 表示交易方向决策。
type Decision string

const (
	DecisionBuyCall Decision = "BUY_CALL"
	DecisionBuyPut  Decision = "BUY_PUT"
	DecisionWait    Decision = "WAIT"
)

// Valid 判断决策取值是否合法。
func (d Decision) Valid() bool {
	switch d {
	case DecisionBuyCall, DecisionBuyPut, DecisionWait:
		return true
	}
	return false
}

// AmbiguityBand 评分与阈值距离小于该值时视为模糊。
const AmbiguityBand = 0.15

// 子评分对应的特征名，同时作为学习权重的键。
const (
	FeatureShockCandle        = "shock_candle"
	FeatureVolumeMultiple     = "shock_volume_multiple"
	FeatureDaysSinceShock     = "days_since_shock"
	FeatureVolumeTrend        = "volume_trend"
	FeatureAcceptanceCandle   = "acceptance_candle"
	FeatureTrend              = "trend"
	FeatureDistanceSupport    = "distance_to_support_pct"
	FeatureDistanceResistance = "distance_to_resistance_pct"
	FeatureBidAskSpread       = "bid_ask_spread_pct"
	FeatureOIAlignment        = "oi_alignment"
	FeatureFIIFlow            = "fii_flow"
	FeatureDIIFlow            = "dii_flow"
	FeatureNewsRisk           = "news_risk"
)

var featureNames = []string{
	FeatureShockCandle,
	FeatureVolumeMultiple,
	FeatureDaysSinceShock,
	FeatureVolumeTrend,
	FeatureAcceptanceCandle,
	FeatureTrend,
	FeatureDistanceSupport,
	FeatureDistanceResistance,
	FeatureBidAskSpread,
	FeatureOIAlignment,
	FeatureFIIFlow,
	FeatureDIIFlow,
	FeatureNewsRisk,
}

// FeatureNames 返回全部子评分名称。
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// Result 为一次评分的完整输出。
type Result struct {
	Score     float64            `json:"score"`
	Threshold float64            `json:"threshold"`
	Ambiguous bool               `json:"ambiguous"`
	Decision  Decision           `json:"decision"`
	SubScores map[string]float64 `json:"sub_scores"`
}

// Engine 将特征向量与学习权重换算为归一化评分。
type Engine struct {
	threshold float64
}

// NewEngine 创建评分引擎。
func NewEngine(threshold float64) *Engine {
	return &Engine{threshold: threshold}
}

// Threshold 返回决策阈值。
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Evaluate 计算评分、模糊标记与决策。weights 中缺失的特征按 1.0 处理。
func (e *Engine) Evaluate(v feature.Vector, weights map[string]float64) Result {
	subs := SubScores(v)
	score := Score(subs, weights)
	return Result{
		Score:     score,
		Threshold: e.threshold,
		Ambiguous: e.IsAmbiguous(score),
		Decision:  e.DecisionFor(score, v.OptionType),
		SubScores: subs,
	}
}

// IsAmbiguous 判断评分是否落在阈值附近的模糊区间。
func (e *Engine) IsAmbiguous(score float64) bool {
	return math.Abs(score-e.threshold) < AmbiguityBand
}

// DecisionFor 低于阈值等待，否则按期权方向买入。
func (e *Engine) DecisionFor(score float64, option feature.OptionType) Decision {
	if score < e.threshold {
		return DecisionWait
	}
	if option == feature.OptionPut {
		return DecisionBuyPut
	}
	return DecisionBuyCall
}

// Score 计算子评分的加权平均并截断到[0,1]；总权重为0时返回0。
func Score(subs map[string]float64, weights map[string]float64) float64 {
	var sum, total float64
	for _, name := range featureNames {
		sub, ok := subs[name]
		if !ok {
			continue
		}
		w, found := weights[name]
		if !found {
			w = 1.0
		}
		if w < 0 || math.IsNaN(w) {
			w = 0
		}
		sum += sub * w
		total += w
	}
	if total <= 0 {
		return 0
	}
	return clamp01(sum / total)
}

// SubScores 按固定分段规则计算各特征子评分。
func SubScores(v feature.Vector) map[string]float64 {
	return map[string]float64{
		FeatureShockCandle:        boolScore(v.ShockCandle),
		FeatureVolumeMultiple:     volumeMultipleScore(v.ShockVolumeMultiple),
		FeatureDaysSinceShock:     daysSinceShockScore(v.DaysSinceShock),
		FeatureVolumeTrend:        volumeTrendScore(v.VolumeTrend),
		FeatureAcceptanceCandle:   boolScore(v.AcceptanceCandle),
		FeatureTrend:              trendScore(v.Trend),
		FeatureDistanceSupport:    supportScore(v.DistanceToSupportPct),
		FeatureDistanceResistance: resistanceScore(v.DistanceToResistancePct),
		FeatureBidAskSpread:       spreadScore(v.BidAskSpreadPct),
		FeatureOIAlignment:        oiScore(v.OIAlignment),
		FeatureFIIFlow:            fiiScore(v.FIIFlow),
		FeatureDIIFlow:            diiScore(v.DIIFlow),
		FeatureNewsRisk:           newsScore(v.NewsRisk),
	}
}

// ContributingFeatures 返回子评分大于0的特征名，按名称排序。
func ContributingFeatures(subs map[string]float64) []string {
	out := make([]string, 0, len(subs))
	for name, value := range subs {
		if value > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Explain 生成可读的评分说明。
func (e *Engine) Explain(r Result, v feature.Vector) string {
	parts := []string{
		fmt.Sprintf("综合评分 %.1f%%", r.Score*100),
		fmt.Sprintf("阈值 %.0f%%", e.threshold*100),
	}
	if v.AcceptanceCandle {
		parts = append(parts, "出现承接K线")
	}
	if v.VolumeTrend == statemachine.VolumeDecreasing {
		parts = append(parts, "量能收缩")
	}
	if v.DaysSinceShock >= 1 && v.DaysSinceShock <= 4 {
		parts = append(parts, fmt.Sprintf("距冲击%d天(最佳区间)", v.DaysSinceShock))
	}
	if v.NewsRisk == feature.NewsHigh {
		parts = append(parts, "新闻风险偏高")
	}
	if r.Ambiguous {
		parts = append(parts, "评分处于模糊区间")
	}
	return strings.Join(parts, "，")
}

func boolScore(v bool) float64 {
	if v {
		return 1.0
	}
	return 0.0
}

func volumeMultipleScore(m float64) float64 {
	switch {
	case m < 3:
		return 0.2
	case m < 4:
		return 0.5
	case m < 6:
		return 0.8
	default:
		return 1.0
	}
}

func daysSinceShockScore(days int) float64 {
	switch {
	case days < 1:
		return 0.0
	case days <= 2:
		return 1.0
	case days <= 4:
		return 0.8
	case days <= 6:
		return 0.4
	default:
		return 0.0
	}
}

func volumeTrendScore(t statemachine.VolumeTrend) float64 {
	switch t {
	case statemachine.VolumeDecreasing:
		return 1.0
	case statemachine.VolumeFlat:
		return 0.6
	default:
		return 0.2
	}
}

func trendScore(t feature.PriceTrend) float64 {
	if t == feature.TrendUp || t == feature.TrendDown {
		return 1.0
	}
	return 0.5
}

func supportScore(distance float64) float64 {
	d := math.Abs(distance)
	switch {
	case d < 1:
		return 0.3
	case d < 3:
		return 1.0
	case d < 5:
		return 0.7
	default:
		return 0.5
	}
}

func resistanceScore(distance float64) float64 {
	switch {
	case distance < 1:
		return 0.2
	case distance < 3:
		return 0.5
	case distance < 5:
		return 0.8
	default:
		return 1.0
	}
}

func spreadScore(spread float64) float64 {
	switch {
	case spread < 0.5:
		return 1.0
	case spread < 1.0:
		return 0.8
	case spread < 2.0:
		return 0.5
	default:
		return 0.2
	}
}

func oiScore(a feature.OIAlignment) float64 {
	if a == feature.OIAligned {
		return 1.0
	}
	return 0.3
}

func fiiScore(f feature.FIIFlow) float64 {
	switch f {
	case feature.FIIStrongBuy:
		return 1.0
	case feature.FIIBuy:
		return 0.8
	case feature.FIISell:
		return 0.3
	case feature.FIIStrongSell:
		return 0.1
	default:
		return 0.5
	}
}

func diiScore(f feature.DIIFlow) float64 {
	switch f {
	case feature.DIIBuy:
		return 1.0
	case feature.DIISell:
		return 0.2
	default:
		return 0.5
	}
}

func newsScore(n feature.NewsRisk) float64 {
	if n == feature.NewsLow {
		return 1.0
	}
	return 0.2
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
