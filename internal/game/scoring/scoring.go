// Package scoring grades parsed dispatch answers against mission
// requirements. Score is a pure function; every payout decision in the arena
// rests on it.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"dispatchbot/internal/game/answer"
)

// Score compares an answer against the requirements.
//
// Per required unit type: +2 for using it at all, +1 per unit up to the
// required count, -0.5 per unit over it. Each unit type answered but not
// required costs 1 point. A perfect answer (every requirement met exactly,
// nothing extra) earns +4. The result never goes below zero.
func Score(required, answered map[string]int) (score float64, perfect bool) {
	perfect = true

	for unit, req := range required {
		got := answered[unit]
		if got == 0 {
			perfect = false
			continue
		}
		score += 2
		matched := got
		if matched > req {
			matched = req
		}
		score += float64(matched)
		switch {
		case got > req:
			score -= 0.5 * float64(got-req)
			perfect = false
		case got < req:
			perfect = false
		}
	}

	for unit := range answered {
		if _, ok := required[unit]; !ok {
			score--
			perfect = false
		}
	}

	if perfect {
		score += 4
	}
	if score < 0 {
		score = 0
	}
	return score, perfect
}

// Breakdown renders a per-unit explanation of a score for chat display.
func Breakdown(required, answered map[string]int) string {
	var b strings.Builder

	units := make([]string, 0, len(required))
	for u := range required {
		units = append(units, u)
	}
	sort.Strings(units)

	for _, unit := range units {
		req := required[unit]
		got := answered[unit]
		name := answer.DisplayName(unit)
		switch {
		case got == 0:
			fmt.Fprintf(&b, "❌ %s: needed %d, sent 0\n", name, req)
		case got > req:
			fmt.Fprintf(&b, "⚠️ %s: needed %d, sent %d (+%d, -%.1f over-deploy)\n",
				name, req, got, 2+req, 0.5*float64(got-req))
		case got < req:
			fmt.Fprintf(&b, "⚠️ %s: needed %d, sent %d (+%d)\n",
				name, req, got, 2+got)
		default:
			fmt.Fprintf(&b, "✅ %s: %d/%d (+%d)\n", name, got, req, 2+req)
		}
	}

	extras := make([]string, 0)
	for u := range answered {
		if _, ok := required[u]; !ok {
			extras = append(extras, u)
		}
	}
	sort.Strings(extras)
	for _, unit := range extras {
		fmt.Fprintf(&b, "🚫 %s: not needed (-1)\n", answer.DisplayName(unit))
	}

	score, perfect := Score(required, answered)
	if perfect {
		b.WriteString("🌟 Perfect dispatch! (+4)\n")
	}
	fmt.Fprintf(&b, "Total: %.1f", score)
	return b.String()
}
