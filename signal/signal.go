// Package signal 定义上游信号源提供的候选信号与优先级排序规则。
// 信号源（技术指标 + 模型打分）是纯输入，本包不回写。
package signal

import "sort"

// Signal 一条买入候选信号。
type Signal struct {
	Symbol        string  `json:"symbol"`
	Verdict       string  `json:"verdict"`
	CombinedScore float64 `json:"combined_score"`
	// PriorityScore 上游可直接提供；为 0 时由 EffectivePriority 推导。
	PriorityScore float64 `json:"priority_score"`
	// MLConfidence 模型置信度，可能是 0–1 小数或 0–100 百分比。
	MLConfidence  float64 `json:"ml_confidence"`
	RiskReward    float64 `json:"risk_reward"`
	BacktestScore float64 `json:"backtest_score"`
	// ReferencePrice 下单数量计算用参考价。
	ReferencePrice float64 `json:"reference_price"`
	// ExitReferenceLevel 退出引擎的追踪参考位（如 EMA9）。
	ExitReferenceLevel float64 `json:"exit_reference_level"`
}

// NormalizeConfidence 把置信度归一到 0–1：原始值超过 1.0 视为百分比。
func NormalizeConfidence(raw float64) float64 {
	if raw > 1.0 {
		return raw / 100.0
	}
	return raw
}

// ConfidenceBoost 按归一化置信度分档加分。
func ConfidenceBoost(raw float64) float64 {
	conf := NormalizeConfidence(raw)
	switch {
	case conf >= 0.70:
		return 20
	case conf >= 0.60:
		return 10
	case conf >= 0.50:
		return 5
	default:
		return 0
	}
}

// EffectivePriority 返回排序用优先级：上游已给 PriorityScore 则直接用，
// 否则 combined_score 加置信度分档。
func (s Signal) EffectivePriority() float64 {
	if s.PriorityScore > 0 {
		return s.PriorityScore
	}
	return s.CombinedScore + ConfidenceBoost(s.MLConfidence)
}

// Rank 返回按优先级降序的新切片，不改动输入。
// 平分时先比 backtest_score（高者在前），再按 symbol 字典序，保证确定性。
func Rank(signals []Signal) []Signal {
	ranked := make([]Signal, len(signals))
	copy(ranked, signals)
	sort.SliceStable(ranked, func(i, j int) bool {
		pi, pj := ranked[i].EffectivePriority(), ranked[j].EffectivePriority()
		if pi != pj {
			return pi > pj
		}
		if ranked[i].BacktestScore != ranked[j].BacktestScore {
			return ranked[i].BacktestScore > ranked[j].BacktestScore
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	return ranked
}
