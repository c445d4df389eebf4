// Package rules holds the balance constants of the dispatch game. Everything
// tunable lives here so the mechanics packages stay free of magic numbers.
package rules

import "time"

// Leveling.
const (
	XPPerLevel     = 1000
	LevelStatBonus = 5 // stat points distributed per level-up
)

// Training.
const (
	TrainingDuration       = time.Hour
	TrainingStatGain       = 10
	TrainingCostBase       = 500
	TrainingCostMultiplier = 1.5
)

// Mission cooldowns between assignments.
const (
	BaseCooldownMin     = 30 * time.Minute
	BaseCooldownMax     = 45 * time.Minute
	AdvancedCooldownMin = 15 * time.Minute
	AdvancedCooldownMax = 25 * time.Minute
)

// Mission response timeouts by experience band, before the per-tier bump.
const (
	TimeoutBase     = 120 * time.Second
	TimeoutAdvanced = 90 * time.Second
	TimeoutExpert   = 60 * time.Second
	TimeoutPerTier  = 10 * time.Second
)

// Outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomePartial    = "partial"
	OutcomeFailure    = "failure"
	OutcomeEscalation = "escalation"
	OutcomeTimeout    = "timeout"
)

// Success chance calculation.
const (
	BaseSuccessChance       = 60.0
	PrimaryStatImpact       = 0.5
	SecondaryStatImpact     = 0.2
	TierPenalty             = 10.0
	DifficultyPenaltyFactor = 0.3
	MinSuccessChance        = 5.0
	MaxSuccessChance        = 95.0
	PartialWindow           = 20.0
)

// Streak.
const (
	StreakBonusPerMission = 2.0 // percent per consecutive success
	MaxStreakBonus        = 20.0
)

// Morale.
const (
	MoraleMax           = 100
	MoraleMin           = 0
	MoraleSuccessGain   = 5
	MoralePartialLoss   = 2
	MoraleFailureLoss   = 10
	MoraleTimeoutLoss   = 10
	LowMoraleThreshold  = 30
	LowMoralePenalty    = 15.0
	HighMoraleThreshold = 80
	HighMoraleBonus     = 5.0
)

// Escalation.
const (
	EscalationChanceBase    = 0.15
	EscalationChancePerTier = 0.10
)

// Reward multipliers per outcome.
const (
	SuccessCreditMult    = 1.0
	SuccessXPMult        = 1.0
	PartialCreditMult    = 0.6
	PartialXPMult        = 0.7
	FailureCreditMult    = 0.2
	FailureXPMult        = 0.3
	EscalationCreditMult = 0.4
	EscalationXPMult     = 0.4
)

// MaxIgnoredMissions deactivates the participant when reached.
const MaxIgnoredMissions = 3

// DefaultMissionCredits is used when a catalog entry carries no payout.
const DefaultMissionCredits = 500

// Tier describes one mission difficulty band.
type Tier struct {
	Name       string
	MinCredits int64
	MaxCredits int64 // exclusive; 0 means unbounded
	XPMult     float64
}

// Tiers is indexed by tier number 1..4.
var Tiers = map[int]Tier{
	1: {Name: "Routine", MinCredits: 0, MaxCredits: 1000, XPMult: 1.0},
	2: {Name: "Standard", MinCredits: 1000, MaxCredits: 3000, XPMult: 1.5},
	3: {Name: "Complex", MinCredits: 3000, MaxCredits: 6000, XPMult: 2.0},
	4: {Name: "Critical", MinCredits: 6000, MaxCredits: 0, XPMult: 3.0},
}

// TierForCredits maps a mission's average payout to a tier.
func TierForCredits(avg int64) int {
	switch {
	case avg < 1000:
		return 1
	case avg < 3000:
		return 2
	case avg < 6000:
		return 3
	default:
		return 4
	}
}

// ResponseLevel is one of the four commitment choices offered per mission.
type ResponseLevel struct {
	Key        string
	Label      string
	CostMult   float64
	SuccessMod float64
}

// ResponseLevels in presentation order.
var ResponseLevels = []ResponseLevel{
	{Key: "minimal", Label: "Minimal Response", CostMult: 0.5, SuccessMod: -15},
	{Key: "standard", Label: "Standard Response", CostMult: 1.0, SuccessMod: 0},
	{Key: "full", Label: "Full Response", CostMult: 1.5, SuccessMod: 10},
	{Key: "overwhelming", Label: "Overwhelming Force", CostMult: 2.5, SuccessMod: 20},
}

// ResponseLevelByKey returns the level for a callback key, or false.
func ResponseLevelByKey(key string) (ResponseLevel, bool) {
	for _, rl := range ResponseLevels {
		if rl.Key == key {
			return rl, true
		}
	}
	return ResponseLevel{}, false
}

// Stats in canonical order.
var StatNames = []string{"response", "tactics", "logistics", "medical", "command"}

// PrimaryStatFor maps a mission category to the stat that drives it.
func PrimaryStatFor(category string) string {
	switch category {
	case "fire":
		return "tactics"
	case "medical":
		return "medical"
	case "police":
		return "command"
	case "rescue":
		return "response"
	case "general":
		return "logistics"
	default:
		return "tactics"
	}
}

// TimeoutFor returns how long a participant at the given level has to answer
// a mission of the given tier.
func TimeoutFor(level, tier int) time.Duration {
	var base time.Duration
	switch {
	case level <= 5:
		base = TimeoutBase
	case level <= 20:
		base = TimeoutAdvanced
	default:
		base = TimeoutExpert
	}
	return base + time.Duration(tier-1)*TimeoutPerTier
}

// CooldownRange returns the min and max cooldown before the next assignment.
func CooldownRange(level int) (time.Duration, time.Duration) {
	if level <= 5 {
		return BaseCooldownMin, BaseCooldownMax
	}
	return AdvancedCooldownMin, AdvancedCooldownMax
}

// TierWeightsFor returns assignment weights for tiers 1..4 at a level.
func TierWeightsFor(level int) [4]int {
	switch {
	case level <= 5:
		return [4]int{50, 30, 15, 5}
	case level <= 15:
		return [4]int{20, 40, 30, 10}
	case level <= 30:
		return [4]int{10, 20, 40, 30}
	default:
		return [4]int{5, 15, 35, 45}
	}
}

// StageOptions returns the possible stage counts and weights for a tier.
func StageOptions(tier int) (counts []int, weights []int) {
	switch tier {
	case 1:
		return []int{1}, []int{100}
	case 2:
		return []int{1, 2}, []int{70, 30}
	case 3:
		return []int{1, 2, 3}, []int{50, 35, 15}
	default:
		return []int{1, 2, 3}, []int{30, 45, 25}
	}
}

// TrainingCost returns the credit price of training a stat at its current
// value.
func TrainingCost(current int) int64 {
	cost := float64(TrainingCostBase)
	for i := 0; i < current/10; i++ {
		cost *= TrainingCostMultiplier
	}
	return int64(cost)
}
