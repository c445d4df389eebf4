package scoring

import (
	"strings"
	"testing"
)

func TestScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		required map[string]int
		answered map[string]int
		score    float64
		perfect  bool
	}{
		{
			name:     "exact match is perfect",
			required: map[string]int{"fire_trucks": 2, "battalion_chief": 1},
			answered: map[string]int{"fire_trucks": 2, "battalion_chief": 1},
			score:    11, // 2+2 + 2+1 + 4
			perfect:  true,
		},
		{
			name:     "over-deploy loses half a point per unit",
			required: map[string]int{"fire_trucks": 2},
			answered: map[string]int{"fire_trucks": 3},
			score:    3.5, // 2+2 - 0.5
			perfect:  false,
		},
		{
			name:     "under-deploy still scores but is not perfect",
			required: map[string]int{"fire_trucks": 3},
			answered: map[string]int{"fire_trucks": 1},
			score:    3, // 2+1
			perfect:  false,
		},
		{
			name:     "unneeded unit type costs a point",
			required: map[string]int{"fire_trucks": 1},
			answered: map[string]int{"fire_trucks": 1, "police_cars": 2},
			score:    2, // 2+1 - 1
			perfect:  false,
		},
		{
			name:     "missing requirement contributes nothing",
			required: map[string]int{"fire_trucks": 2, "ambulances": 1},
			answered: map[string]int{"fire_trucks": 2},
			score:    4, // 2+2
			perfect:  false,
		},
		{
			name:     "pure noise floors at zero",
			required: map[string]int{"fire_trucks": 1},
			answered: map[string]int{"police_cars": 1, "ambulances": 1, "helicopters": 1},
			score:    0,
			perfect:  false,
		},
		{
			name:     "empty answer",
			required: map[string]int{"fire_trucks": 1},
			answered: map[string]int{},
			score:    0,
			perfect:  false,
		},
		{
			name:     "no requirements and no answer is perfect",
			required: map[string]int{},
			answered: map[string]int{},
			score:    4,
			perfect:  true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			score, perfect := Score(tt.required, tt.answered)
			if score != tt.score {
				t.Fatalf("score = %.1f, want %.1f", score, tt.score)
			}
			if perfect != tt.perfect {
				t.Fatalf("perfect = %v, want %v", perfect, tt.perfect)
			}
		})
	}
}

func TestBreakdown(t *testing.T) {
	t.Parallel()
	required := map[string]int{"fire_trucks": 2, "battalion_chief": 1}
	answered := map[string]int{"fire_trucks": 2, "battalion_chief": 1}
	out := Breakdown(required, answered)
	if !strings.Contains(out, "Perfect dispatch") {
		t.Fatalf("breakdown missing perfect marker:\n%s", out)
	}
	if !strings.Contains(out, "Total: 11.0") {
		t.Fatalf("breakdown missing total:\n%s", out)
	}
}

func TestBreakdownListsExtras(t *testing.T) {
	t.Parallel()
	out := Breakdown(
		map[string]int{"fire_trucks": 1},
		map[string]int{"fire_trucks": 1, "police_cars": 2},
	)
	if !strings.Contains(out, "not needed") {
		t.Fatalf("breakdown missing extra-unit line:\n%s", out)
	}
}
