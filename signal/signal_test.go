package signal

import "testing"

func TestNormalizeConfidence(t *testing.T) {
	cases := []struct {
		raw, want float64
	}{
		{0.82, 0.82},
		{82, 0.82},
		{1.0, 1.0},
		{100, 1.0},
		{0, 0},
	}
	for _, c := range cases {
		if got := NormalizeConfidence(c.raw); got != c.want {
			t.Errorf("NormalizeConfidence(%v) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestConfidenceBoostPercentAndFractionAgree(t *testing.T) {
	// 82 与 0.82 必须得到相同加分
	if ConfidenceBoost(82) != ConfidenceBoost(0.82) {
		t.Fatalf("boost mismatch: %v vs %v", ConfidenceBoost(82), ConfidenceBoost(0.82))
	}
	if ConfidenceBoost(0.82) != 20 {
		t.Fatalf("expected boost 20 for 0.82, got %v", ConfidenceBoost(0.82))
	}
}

func TestConfidenceBoostTiers(t *testing.T) {
	cases := []struct {
		raw, want float64
	}{
		{0.75, 20},
		{0.70, 20},
		{0.65, 10},
		{0.60, 10},
		{0.55, 5},
		{0.50, 5},
		{0.49, 0},
		{0.10, 0},
		{65, 10}, // 百分比输入走同样的分档
	}
	for _, c := range cases {
		if got := ConfidenceBoost(c.raw); got != c.want {
			t.Errorf("ConfidenceBoost(%v) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestEffectivePriorityPrefersUpstreamScore(t *testing.T) {
	s := Signal{CombinedScore: 50, MLConfidence: 0.9, PriorityScore: 77}
	if got := s.EffectivePriority(); got != 77 {
		t.Fatalf("expected upstream priority 77, got %v", got)
	}
	s.PriorityScore = 0
	if got := s.EffectivePriority(); got != 70 {
		t.Fatalf("expected derived priority 70, got %v", got)
	}
}

func TestRankOrderingAndDeterminism(t *testing.T) {
	input := []Signal{
		{Symbol: "CCC", CombinedScore: 60},
		{Symbol: "AAA", CombinedScore: 80},
		{Symbol: "BBB", CombinedScore: 80, BacktestScore: 5},
		{Symbol: "DDD", CombinedScore: 80, BacktestScore: 5},
	}

	first := Rank(input)
	want := []string{"BBB", "DDD", "AAA", "CCC"}
	for i, sym := range want {
		if first[i].Symbol != sym {
			t.Fatalf("rank[%d] = %s, want %s", i, first[i].Symbol, sym)
		}
	}

	// 重复执行结果一致，且不改动输入
	for run := 0; run < 5; run++ {
		again := Rank(input)
		for i := range first {
			if again[i].Symbol != first[i].Symbol {
				t.Fatalf("run %d: rank[%d] = %s, want %s", run, i, again[i].Symbol, first[i].Symbol)
			}
		}
	}
	if input[0].Symbol != "CCC" {
		t.Fatal("Rank must not mutate its input")
	}
}
