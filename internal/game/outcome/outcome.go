// Package outcome resolves mission responses: success probability, the
// outcome roll, rewards, penalties and level-ups. The resolver mutates the
// player record in memory; callers persist it.
package outcome

import (
	"math/rand"
	"time"

	"dispatchbot/internal/game/rules"
	"dispatchbot/internal/storage"
)

// Resolver rolls mission outcomes. The rand source is injected so tests can
// drive deterministic rolls.
type Resolver struct {
	rnd *rand.Rand
}

func NewResolver(rnd *rand.Rand) *Resolver {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Resolver{rnd: rnd}
}

// SuccessChance computes the percent chance of full success for a player
// responding to a mission, clamped to [5,95].
func SuccessChance(p *storage.Player, category string, tier, difficulty int, rl rules.ResponseLevel) float64 {
	chance := rules.BaseSuccessChance

	chance += float64(p.Stat(rules.PrimaryStatFor(category))) * rules.PrimaryStatImpact
	chance += float64(p.Response) * rules.SecondaryStatImpact
	chance += float64(p.Logistics) * rules.SecondaryStatImpact

	chance -= float64(tier-1) * rules.TierPenalty
	chance -= float64(difficulty-50) * rules.DifficultyPenaltyFactor

	chance += rl.SuccessMod

	if p.Morale < rules.LowMoraleThreshold {
		chance -= rules.LowMoralePenalty
	} else if p.Morale >= rules.HighMoraleThreshold {
		chance += rules.HighMoraleBonus
	}

	if p.Streak > 0 {
		bonus := float64(p.Streak) * rules.StreakBonusPerMission
		if bonus > rules.MaxStreakBonus {
			bonus = rules.MaxStreakBonus
		}
		chance += bonus
	}

	if chance < rules.MinSuccessChance {
		return rules.MinSuccessChance
	}
	if chance > rules.MaxSuccessChance {
		return rules.MaxSuccessChance
	}
	return chance
}

// Roll converts a success chance into an outcome. A first-stage success can
// turn into an escalation on multi-stage missions.
func (r *Resolver) Roll(chance float64, tier, stage, maxStage int) string {
	roll := r.rnd.Float64() * 100
	switch {
	case roll <= chance:
		if stage == 1 && stage < maxStage {
			escChance := rules.EscalationChanceBase + float64(tier-1)*rules.EscalationChancePerTier
			if r.rnd.Float64() < escChance {
				return rules.OutcomeEscalation
			}
		}
		return rules.OutcomeSuccess
	case roll <= chance+rules.PartialWindow:
		return rules.OutcomePartial
	default:
		return rules.OutcomeFailure
	}
}

// LevelUp describes one level gained from an XP award.
type LevelUp struct {
	OldLevel int
	NewLevel int
}

// Result of resolving one mission response.
type Result struct {
	Outcome       string
	SuccessChance float64
	Credits       int64
	XP            int64
	MoraleChange  int
	Escalated     bool
	NextStage     int
	LevelUp       *LevelUp
}

// Resolve applies a response to a pending mission. The player record is
// updated in place: morale, streak, counters, XP, level and stats. On
// escalation only the stage reward is granted and the mission continues.
func (r *Resolver) Resolve(p *storage.Player, m *storage.MissionInstance, category string, baseCredits int64, rl rules.ResponseLevel, now time.Time) Result {
	chance := SuccessChance(p, category, m.Tier, m.Difficulty, rl)
	out := r.Roll(chance, m.Tier, m.Stage, m.MaxStage)

	baseXP := int64(float64(baseCredits) * rules.Tiers[m.Tier].XPMult)

	res := Result{Outcome: out, SuccessChance: chance}
	switch out {
	case rules.OutcomeSuccess:
		res.Credits = int64(float64(baseCredits) * rules.SuccessCreditMult * rl.CostMult)
		res.XP = int64(float64(baseXP) * rules.SuccessXPMult)
		res.MoraleChange = rules.MoraleSuccessGain
	case rules.OutcomePartial:
		res.Credits = int64(float64(baseCredits) * rules.PartialCreditMult * rl.CostMult)
		res.XP = int64(float64(baseXP) * rules.PartialXPMult)
		res.MoraleChange = -rules.MoralePartialLoss
	case rules.OutcomeFailure:
		res.Credits = int64(float64(baseCredits) * rules.FailureCreditMult * rl.CostMult)
		res.XP = int64(float64(baseXP) * rules.FailureXPMult)
		res.MoraleChange = -rules.MoraleFailureLoss
	case rules.OutcomeEscalation:
		res.Credits = int64(float64(baseCredits) * rules.EscalationCreditMult * rl.CostMult)
		res.XP = int64(float64(baseXP) * rules.EscalationXPMult)
		res.Escalated = true
		res.NextStage = m.Stage + 1
	}

	p.Morale = clampMorale(p.Morale + res.MoraleChange)
	res.LevelUp = addXP(p, res.XP)

	if res.Escalated {
		// Stage reward only; counters and streak wait for the final stage.
		return res
	}

	p.LastMissionAt = now
	p.TotalMissions++
	switch out {
	case rules.OutcomeSuccess:
		p.Streak++
		p.SuccessfulMissions++
	case rules.OutcomePartial:
		p.Streak = 0
	case rules.OutcomeFailure:
		p.Streak = 0
		p.FailedMissions++
	}
	return res
}

// TimeoutResult of an ignored mission.
type TimeoutResult struct {
	MoraleChange int
	Deactivated  bool
}

// Timeout applies the penalties for letting a mission expire. Three ignored
// missions in a row take the participant off duty.
func Timeout(p *storage.Player) TimeoutResult {
	res := TimeoutResult{MoraleChange: -rules.MoraleTimeoutLoss}
	p.Morale = clampMorale(p.Morale + res.MoraleChange)
	p.Streak = 0
	p.IgnoredMissions++
	if p.IgnoredMissions >= rules.MaxIgnoredMissions {
		p.Active = false
		res.Deactivated = true
	}
	return res
}

// addXP awards xp and applies level-ups, one stat point per stat per level.
// Levels never go down.
func addXP(p *storage.Player, xp int64) *LevelUp {
	if xp <= 0 {
		return nil
	}
	p.XP += xp
	newLevel := 1 + int(p.XP/rules.XPPerLevel)
	if newLevel <= p.Level {
		return nil
	}
	lu := &LevelUp{OldLevel: p.Level, NewLevel: newLevel}
	gained := newLevel - p.Level
	perStat := gained * rules.LevelStatBonus / len(rules.StatNames)
	for _, s := range rules.StatNames {
		p.AddStat(s, perStat)
	}
	p.Level = newLevel
	return lu
}

func clampMorale(m int) int {
	if m < rules.MoraleMin {
		return rules.MoraleMin
	}
	if m > rules.MoraleMax {
		return rules.MoraleMax
	}
	return m
}

// Rand exposes the resolver's source for callers that need weighted picks
// consistent with the resolver's determinism in tests.
func (r *Resolver) Rand() *rand.Rand { return r.rnd }
