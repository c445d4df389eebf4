package rules

import (
	"testing"
	"time"
)

func TestTierForCredits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		avg  int64
		tier int
	}{
		{0, 1},
		{999, 1},
		{1000, 2},
		{2999, 2},
		{3000, 3},
		{5999, 3},
		{6000, 4},
		{50000, 4},
	}
	for _, tt := range tests {
		if got := TierForCredits(tt.avg); got != tt.tier {
			t.Fatalf("TierForCredits(%d) = %d, want %d", tt.avg, got, tt.tier)
		}
	}
}

func TestTimeoutFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level, tier int
		want        time.Duration
	}{
		{1, 1, 120 * time.Second},
		{5, 4, 150 * time.Second},
		{6, 1, 90 * time.Second},
		{20, 2, 100 * time.Second},
		{21, 1, 60 * time.Second},
		{40, 4, 90 * time.Second},
	}
	for _, tt := range tests {
		if got := TimeoutFor(tt.level, tt.tier); got != tt.want {
			t.Fatalf("TimeoutFor(%d, %d) = %v, want %v", tt.level, tt.tier, got, tt.want)
		}
	}
}

func TestCooldownRange(t *testing.T) {
	t.Parallel()
	lo, hi := CooldownRange(3)
	if lo != 30*time.Minute || hi != 45*time.Minute {
		t.Fatalf("CooldownRange(3) = %v, %v", lo, hi)
	}
	lo, hi = CooldownRange(6)
	if lo != 15*time.Minute || hi != 25*time.Minute {
		t.Fatalf("CooldownRange(6) = %v, %v", lo, hi)
	}
}

func TestTrainingCost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		current int
		want    int64
	}{
		{0, 500},
		{9, 500},
		{10, 750},
		{20, 1125},
		{30, 1687},
	}
	for _, tt := range tests {
		if got := TrainingCost(tt.current); got != tt.want {
			t.Fatalf("TrainingCost(%d) = %d, want %d", tt.current, got, tt.want)
		}
	}
}

func TestPrimaryStatFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		category string
		stat     string
	}{
		{"fire", "tactics"},
		{"medical", "medical"},
		{"police", "command"},
		{"rescue", "response"},
		{"general", "logistics"},
		{"thw", "tactics"},
		{"", "tactics"},
	}
	for _, tt := range tests {
		if got := PrimaryStatFor(tt.category); got != tt.stat {
			t.Fatalf("PrimaryStatFor(%q) = %q, want %q", tt.category, got, tt.stat)
		}
	}
}

func TestTierWeightsSum(t *testing.T) {
	t.Parallel()
	for _, level := range []int{1, 10, 20, 50} {
		w := TierWeightsFor(level)
		sum := 0
		for _, v := range w {
			sum += v
		}
		if sum != 100 {
			t.Fatalf("weights for level %d sum to %d", level, sum)
		}
	}
}

func TestStageOptions(t *testing.T) {
	t.Parallel()
	for tier := 1; tier <= 4; tier++ {
		counts, weights := StageOptions(tier)
		if len(counts) != len(weights) {
			t.Fatalf("tier %d: %d counts but %d weights", tier, len(counts), len(weights))
		}
		if counts[0] != 1 {
			t.Fatalf("tier %d: first stage option = %d", tier, counts[0])
		}
	}
}

func TestResponseLevelByKey(t *testing.T) {
	t.Parallel()
	rl, ok := ResponseLevelByKey("overwhelming")
	if !ok || rl.CostMult != 2.5 || rl.SuccessMod != 20 {
		t.Fatalf("unexpected level: %+v ok=%v", rl, ok)
	}
	if _, ok := ResponseLevelByKey("reckless"); ok {
		t.Fatal("unknown key must not resolve")
	}
}
