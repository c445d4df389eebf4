// Package catalog fetches and caches the mission catalog the dispatch game
// draws from.
package catalog

import (
	"encoding/json"
	"time"

	"dispatchbot/internal/game/rules"
)

// UnitCounts is a requirement mapping that tolerates the loose typing of the
// upstream feed: non-numeric values are dropped, floats are truncated.
type UnitCounts map[string]int

func (u *UnitCounts) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = int(f)
		}
	}
	*u = out
	return nil
}

// Additional carries the optional upstream metadata that affects difficulty
// and event windows.
type Additional struct {
	MaxPatients               int   `json:"max_patients"`
	PossiblePrisonerTransport bool  `json:"possible_prisoner_transport"`
	Hazmat                    bool  `json:"hazmat"`
	DateStart                 int64 `json:"date_start"`
	DateEnd                   int64 `json:"date_end"`
}

// Mission is one catalog entry.
type Mission struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Place             string         `json:"place"`
	AverageCredits    *int64         `json:"average_credits"`
	Requirements      UnitCounts     `json:"requirements"`
	MissionCategories []int          `json:"mission_categories"`
	Prerequisites     map[string]any `json:"prerequisites"`
	Additional        *Additional    `json:"additional"`
}

// Credits returns the mission payout, falling back to the default when the
// feed omits it.
func (m *Mission) Credits() int64 {
	if m.AverageCredits == nil {
		return rules.DefaultMissionCredits
	}
	return *m.AverageCredits
}

// Tier derives the difficulty tier from the payout.
func (m *Mission) Tier() int {
	return rules.TierForCredits(m.Credits())
}

// Category maps the upstream category IDs onto the game's five categories.
func (m *Mission) Category() string {
	if len(m.MissionCategories) == 0 {
		return "general"
	}
	for _, id := range m.MissionCategories {
		switch id {
		case 1:
			return "fire"
		case 2:
			return "medical"
		case 3:
			return "police"
		case 4:
			return "thw"
		case 5:
			return "rescue"
		case 6:
			return "water"
		}
	}
	return "general"
}

// UnitRequirements filters the requirement mapping down to dispatchable
// units, dropping currency pseudo-requirements.
func (m *Mission) UnitRequirements() map[string]int {
	out := make(map[string]int, len(m.Requirements))
	for k, v := range m.Requirements {
		if k == "coins" || k == "credits" || v <= 0 {
			continue
		}
		out[k] = v
	}
	return out
}

// Difficulty scores the mission 0..100 from tier, unit load and metadata.
func (m *Mission) Difficulty() int {
	d := m.Tier() * 25
	for _, v := range m.UnitRequirements() {
		d += v * 2
	}
	if len(m.Prerequisites) > 0 {
		d += 10
	}
	if a := m.Additional; a != nil {
		if a.MaxPatients > 0 {
			d += a.MaxPatients * 3
		}
		if a.PossiblePrisonerTransport {
			d += 5
		}
	}
	if d > 100 {
		d = 100
	}
	return d
}

// ActiveAt reports whether an event-window mission is live at t. Missions
// without a window are always active.
func (m *Mission) ActiveAt(t time.Time) bool {
	a := m.Additional
	if a == nil || a.DateStart == 0 || a.DateEnd == 0 {
		return true
	}
	start := time.Unix(a.DateStart, 0)
	end := time.Unix(a.DateEnd, 0)
	return !t.Before(start) && !t.After(end)
}
