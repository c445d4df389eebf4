package app

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dispatchbot/internal/catalog"
	"dispatchbot/internal/game/answer"
	"dispatchbot/internal/game/arena"
	"dispatchbot/internal/game/dispatch"
	"dispatchbot/internal/game/rules"
	"dispatchbot/internal/storage"
	"dispatchbot/pkg/tgui"
)

var successFlavor = []string{
	"Your units arrived promptly and handled the situation professionally. All objectives completed.",
	"Excellent response! The incident was resolved with minimal complications.",
	"Mission accomplished! Your team's quick action prevented further escalation.",
	"Outstanding work! All units performed admirably and the situation is under control.",
	"Perfect execution! Your strategic response made all the difference.",
}

var partialFlavor = []string{
	"The incident was resolved, but not without complications. Some minor injuries reported.",
	"Mission completed, though the response could have been more efficient. Lessons learned.",
	"The situation is under control, but there were some setbacks along the way.",
	"Units managed to contain the incident, though not as smoothly as hoped.",
	"The mission was completed, but with some damage and delays.",
}

var failureFlavor = []string{
	"The response was insufficient. The situation escalated beyond control. Major complications.",
	"Mission failed. Your units were overwhelmed and unable to contain the incident.",
	"Critical failure! The incident spiraled out of control. Significant damage reported.",
	"The response strategy was ineffective. The situation deteriorated rapidly.",
	"Your units were unable to handle the severity of the incident. Major losses incurred.",
}

var escalationFlavor = []string{
	"🚨 *ESCALATION!* The situation has worsened! Stage %d initiated.",
	"⚠️ *COMPLICATIONS!* Additional units needed! Escalating to stage %d.",
	"🔥 *SITUATION DEVELOPING!* New challenges emerging. Stage %d activated.",
	"📢 *BACKUP REQUIRED!* The incident is expanding. Moving to stage %d.",
	"🆘 *CRITICAL UPDATE!* The situation requires additional response. Stage %d.",
}

var flavorRnd = rand.New(rand.NewSource(time.Now().UnixNano()))

func pick(list []string) string {
	return list[flavorRnd.Intn(len(list))]
}

func statTitle(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func tierBadge(tier int) string {
	return fmt.Sprintf("%s (tier %d)", rules.Tiers[tier].Name, tier)
}

// renderMissionPrompt builds the assignment message and its response
// buttons.
func renderMissionPrompt(m *storage.MissionInstance, cm *catalog.Mission, p *storage.Player) (string, *tele.ReplyMarkup) {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s*\n", m.MissionName)
	if cm.Place != "" {
		fmt.Fprintf(&b, "📍 %s\n", cm.Place)
	}
	fmt.Fprintf(&b, "Difficulty: %s, %d/100\n", tierBadge(m.Tier), m.Difficulty)
	if m.MaxStage > 1 {
		fmt.Fprintf(&b, "Stage %d of up to %d\n", m.Stage, m.MaxStage)
	}

	reqs := cm.UnitRequirements()
	if len(reqs) > 0 {
		b.WriteString("\n*Requested units:*\n")
		b.WriteString(requirementsList(reqs))
	}
	if a := cm.Additional; a != nil {
		var extra []string
		if a.MaxPatients > 0 {
			extra = append(extra, fmt.Sprintf("%d patient(s)", a.MaxPatients))
		}
		if a.PossiblePrisonerTransport {
			extra = append(extra, "possible arrests")
		}
		if a.Hazmat {
			extra = append(extra, "hazmat situation")
		}
		if len(extra) > 0 {
			fmt.Fprintf(&b, "\nAdditional info: %s\n", strings.Join(extra, ", "))
		}
	}
	fmt.Fprintf(&b, "\n⏱ Respond before %s or the mission is lost.",
		m.ExpiresAt.Format("15:04:05"))

	id := strconv.FormatInt(m.ID, 10)
	var btns []tele.Btn
	for _, rl := range rules.ResponseLevels {
		btns = append(btns, tgui.Btn(rl.Label, tgui.Data("mission", rl.Key, id)))
	}
	return b.String(), tgui.Grid2(btns)
}

func requirementsList(reqs map[string]int) string {
	keys := make([]string, 0, len(reqs))
	for k := range reqs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "• %dx %s\n", reqs[k], answer.DisplayName(k))
	}
	return b.String()
}

// renderResolution renders the outcome edit for a resolved or escalated
// mission. The returned markup replaces the response buttons (nil clears
// them, escalations get a fresh set).
func renderResolution(res *dispatch.Resolution) (string, *tele.ReplyMarkup) {
	o := res.Outcome
	var b strings.Builder

	switch o.Outcome {
	case rules.OutcomeEscalation:
		fmt.Fprintf(&b, pick(escalationFlavor), o.NextStage)
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "Stage reward: %d credits, %d XP\n", o.Credits, o.XP)
		fmt.Fprintf(&b, "⏱ New window until %s. Choose your response:",
			res.Mission.ExpiresAt.Format("15:04:05"))
		id := strconv.FormatInt(res.Mission.ID, 10)
		var btns []tele.Btn
		for _, rl := range rules.ResponseLevels {
			btns = append(btns, tgui.Btn(rl.Label, tgui.Data("mission", rl.Key, id)))
		}
		return b.String(), tgui.Grid2(btns)

	case rules.OutcomeSuccess:
		fmt.Fprintf(&b, "✅ *%s* — full success!\n\n%s\n", res.Mission.MissionName, pick(successFlavor))
	case rules.OutcomePartial:
		fmt.Fprintf(&b, "🟡 *%s* — partial success.\n\n%s\n", res.Mission.MissionName, pick(partialFlavor))
	case rules.OutcomeFailure:
		fmt.Fprintf(&b, "❌ *%s* — failure.\n\n%s\n", res.Mission.MissionName, pick(failureFlavor))
	}

	fmt.Fprintf(&b, "\nResponse: %s (%.0f%% chance)\n", res.Response.Label, o.SuccessChance)
	fmt.Fprintf(&b, "Rewards: %d credits, %d XP", o.Credits, o.XP)
	if o.MoraleChange != 0 {
		fmt.Fprintf(&b, ", morale %+d", o.MoraleChange)
	}
	if lu := o.LevelUp; lu != nil {
		fmt.Fprintf(&b, "\n📈 *Level up!* %d → %d (+1 to every stat per level)",
			lu.OldLevel, lu.NewLevel)
	}
	return b.String(), nil
}

func renderTimeout(m *storage.MissionInstance, deactivated bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ *%s* timed out.\n\nPenalties: morale %+d, streak reset.",
		m.MissionName, -rules.MoraleTimeoutLoss)
	if deactivated {
		fmt.Fprintf(&b,
			"\n\n⚠️ You ignored %d missions in a row and are now *off duty*. Use /duty on to return.",
			rules.MaxIgnoredMissions)
	}
	return b.String()
}

func renderProfile(name string, p *storage.Player, totalMissions, wins int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👤 *%s* — station level %d\n", name, p.Level)
	fmt.Fprintf(&b, "XP: %d (%d to next level)\n", p.XP,
		int64(p.Level)*rules.XPPerLevel-p.XP)
	fmt.Fprintf(&b, "💰 Credits: %d\n", p.Credits)
	fmt.Fprintf(&b, "😊 Morale: %d/100, streak %d\n\n", p.Morale, p.Streak)
	b.WriteString("*Stats:*\n")
	for _, s := range rules.StatNames {
		fmt.Fprintf(&b, "• %s: %d\n", statTitle(s), p.Stat(s))
	}
	fmt.Fprintf(&b, "\nMissions: %d run, %d full successes, %d failed, %d ignored",
		totalMissions, wins, p.FailedMissions, p.IgnoredMissions)
	if p.Active {
		b.WriteString("\n🚨 On duty")
	} else {
		b.WriteString("\n📴 Off duty")
	}
	return b.String()
}

func renderTrainingMenu(p *storage.Player) (string, *tele.ReplyMarkup) {
	var b strings.Builder
	fmt.Fprintf(&b, "🎓 *Training* (1h, +%d to the chosen stat)\n\n", rules.TrainingStatGain)
	var btns []tele.Btn
	for _, s := range rules.StatNames {
		cost := rules.TrainingCost(p.Stat(s))
		fmt.Fprintf(&b, "• %s %d — %d credits\n", statTitle(s), p.Stat(s), cost)
		btns = append(btns, tgui.Btn(
			fmt.Sprintf("%s (%d)", statTitle(s), cost),
			tgui.Data("train", "start", s)))
	}
	b.WriteString("\nNo missions are assigned while training runs.")
	return b.String(), tgui.Grid2(btns)
}

var leaderboardTitles = map[storage.LeaderboardOrder]string{
	storage.OrderLevel:    "Top stations",
	storage.OrderCredits:  "Richest stations",
	storage.OrderStreak:   "Longest streaks",
	storage.OrderMissions: "Busiest stations",
	storage.OrderWinRate:  "Best success rates",
}

func renderLeaderboard(players []*storage.Player, order storage.LeaderboardOrder) string {
	if len(players) == 0 {
		return "Nobody is on the board yet. /duty on to start!"
	}
	title, ok := leaderboardTitles[order]
	if !ok {
		title = leaderboardTitles[storage.OrderLevel]
	}
	medals := []string{"🥇", "🥈", "🥉"}
	var b strings.Builder
	fmt.Fprintf(&b, "🏆 *%s*\n\n", title)
	for i, p := range players {
		badge := fmt.Sprintf("%d.", i+1)
		if i < len(medals) {
			badge = medals[i]
		}
		var metric string
		switch order {
		case storage.OrderCredits:
			metric = fmt.Sprintf("%d credits", p.Credits)
		case storage.OrderStreak:
			metric = fmt.Sprintf("streak %d", p.Streak)
		case storage.OrderMissions:
			metric = fmt.Sprintf("%d missions", p.TotalMissions)
		case storage.OrderWinRate:
			rate := 0.0
			if p.TotalMissions > 0 {
				rate = float64(p.SuccessfulMissions) / float64(p.TotalMissions) * 100
			}
			metric = fmt.Sprintf("%.0f%% of %d", rate, p.TotalMissions)
		default:
			metric = fmt.Sprintf("level %d, %d XP, %d credits", p.Level, p.XP, p.Credits)
		}
		fmt.Fprintf(&b, "%s dispatcher %d — %s\n", badge, p.UserID, metric)
	}
	return b.String()
}

func renderLobby(s arena.Snapshot) (string, *tele.ReplyMarkup) {
	var b strings.Builder
	b.WriteString("🏟 *Dispatch Arena!*\n\n")
	fmt.Fprintf(&b, "Entry fee: %d credits. Winner takes the pot.\n", s.EntryFee)
	fmt.Fprintf(&b, "Lobby closes at %s.\n\n", s.LobbyEndsAt.Format("15:04:05"))
	b.WriteString("Join with /join or the button below. Solo runs pay double the fee only on a perfect dispatch.")
	markup := tgui.NewInline().
		Row(
			tgui.Btn("Join", tgui.Data("arena", "join", "")),
			tgui.Btn("Leave", tgui.Data("arena", "leave", "")),
		).
		Row(
			tgui.Btn("Start now", tgui.Data("arena", "start", "")),
			tgui.Btn("Cancel", tgui.Data("arena", "cancel", "")),
		).Markup()
	return b.String(), markup
}

func renderRoundStart(s arena.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s*\n\n", s.MissionName)
	fmt.Fprintf(&b, "%d competitor(s), pot %d credits.\n", len(s.Players), s.Pot)
	b.WriteString("Type your dispatch, e.g. `2 fire trucks, 1 chief` or `FT2 BC1`. Answers accumulate.\n")
	fmt.Fprintf(&b, "⏱ Round ends at %s.", s.RoundEndsAt.Format("15:04:05"))
	return b.String()
}

func renderArenaResult(r arena.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏁 *%s* — round over!\n\n", r.MissionName)
	b.WriteString("*Required:*\n")
	b.WriteString(requirementsList(r.Requirements))
	b.WriteString("\n*Results:*\n")

	sorted := append([]arena.PlayerResult(nil), r.Players...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	for _, pr := range sorted {
		line := fmt.Sprintf("• dispatcher %d: %.1f", pr.UserID, pr.Score)
		if pr.Perfect {
			line += " 🌟"
		}
		if pr.Payout > 0 {
			line += fmt.Sprintf(" — wins %d credits", pr.Payout)
		}
		b.WriteString(line + "\n")
	}

	if len(r.Winners) == 0 {
		if r.Solo {
			b.WriteString("\nNot a perfect dispatch, the entry fee is forfeited.")
		} else {
			b.WriteString("\nNo scores above zero, the pot is forfeited.")
		}
	}
	return b.String()
}
