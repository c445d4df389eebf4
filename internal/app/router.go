package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dispatchbot/internal/game/answer"
	"dispatchbot/internal/game/arena"
	"dispatchbot/internal/game/dispatch"
	"dispatchbot/internal/ledger"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
	"dispatchbot/pkg/tgui"
)

func (a *App) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			a.routeMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			a.routeCallback(ctx, up.Callback)
		}
	}
}

func (a *App) routeMessage(ctx context.Context, m *transport.Message) {
	if m.ChatID != a.gameGroupID {
		return
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		a.routeCommand(ctx, m, text)
		return
	}
	// Free text in the main group is an arena answer while a round runs.
	if m.ThreadID == 0 && a.arenas.HasLive(m.ChatID) {
		units := answer.Parse(text)
		if err := a.arenas.SubmitAnswer(ctx, m.ChatID, m.FromID, units); err != nil &&
			!errors.Is(err, arena.ErrNotJoined) &&
			!errors.Is(err, arena.ErrNotAnswerPhase) {
			a.log.Warn("arena answer rejected", logx.Err(err))
		}
	}
}

func (a *App) routeCommand(ctx context.Context, m *transport.Message, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/duty":
		a.cmdDuty(ctx, m, args)
	case "/profile":
		a.cmdProfile(ctx, m)
	case "/train":
		a.cmdTrain(ctx, m)
	case "/top":
		a.cmdTop(ctx, m, args)
	case "/arena":
		a.cmdArena(ctx, m, args)
	case "/join":
		a.cmdJoin(ctx, m)
	case "/leave":
		a.cmdLeave(ctx, m)
	case "/cancelarena":
		a.cmdCancelArena(ctx, m)
	case "/sweep":
		if a.owners[m.FromID] {
			a.dispatcher.Sweep(ctx)
			a.replyTo(ctx, m, "Sweep done.")
		}
	}
}

func (a *App) cmdDuty(ctx context.Context, m *transport.Message, args []string) {
	p, err := a.store.CreatePlayer(ctx, m.FromID)
	if err != nil {
		a.log.Error("duty toggle failed", logx.Err(err))
		return
	}
	on := !p.Active
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on":
			on = true
		case "off":
			on = false
		}
	}
	p.Active = on
	if on {
		p.IgnoredMissions = 0
	}
	if err := a.store.SavePlayer(ctx, p); err != nil {
		a.log.Error("saving duty state failed", logx.Err(err))
		return
	}
	var b strings.Builder
	if on {
		fmt.Fprintf(&b, "🚨 %s is now *on duty*. First mission incoming shortly!",
			displayName(m))
	} else {
		fmt.Fprintf(&b, "📴 %s is now *off duty*. No missions will be assigned.",
			displayName(m))
	}
	if s := a.dutyStatus(ctx, p); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}
	a.replyTo(ctx, m, b.String())
}

// dutyStatus summarizes what currently blocks the next assignment.
func (a *App) dutyStatus(ctx context.Context, p *storage.Player) string {
	var lines []string
	if mi, err := a.store.ActiveMissionFor(ctx, p.UserID); err == nil {
		lines = append(lines, fmt.Sprintf("🚒 Active mission: *%s*, expires %s.",
			mi.MissionName, mi.ExpiresAt.Format("15:04:05")))
	}
	if t, err := a.store.ActiveTrainingFor(ctx, p.UserID); err == nil {
		lines = append(lines, fmt.Sprintf("🎓 Training %s until %s.",
			statTitle(t.Stat), t.CompletesAt.Format("15:04")))
	}
	if until := p.CooldownUntil; !until.IsZero() && time.Now().Before(until) {
		lines = append(lines, fmt.Sprintf("☕ On cooldown until %s.",
			until.Format("15:04:05")))
	}
	return strings.Join(lines, "\n")
}

func (a *App) cmdProfile(ctx context.Context, m *transport.Message) {
	p, err := a.store.CreatePlayer(ctx, m.FromID)
	if err != nil {
		a.log.Error("loading profile failed", logx.Err(err))
		return
	}
	total, wins, err := a.store.MissionStats(ctx, p.UserID)
	if err != nil {
		a.log.Warn("mission stats failed", logx.Err(err))
	}
	a.replyTo(ctx, m, renderProfile(displayName(m), p, total, wins))
}

func (a *App) cmdTrain(ctx context.Context, m *transport.Message) {
	p, err := a.store.CreatePlayer(ctx, m.FromID)
	if err != nil {
		return
	}
	if t, err := a.store.ActiveTrainingFor(ctx, p.UserID); err == nil {
		a.replyTo(ctx, m, fmt.Sprintf(
			"🎓 %s training already running, finishes at %s.",
			statTitle(t.Stat), t.CompletesAt.Format("15:04")))
		return
	}
	if mi, err := a.store.ActiveMissionFor(ctx, p.UserID); err == nil {
		a.replyTo(ctx, m, fmt.Sprintf(
			"🚒 Finish *%s* first, no training during a mission.", mi.MissionName))
		return
	}
	text, markup := renderTrainingMenu(p)
	a.send(ctx, transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, text, markup)
}

func (a *App) cmdTop(ctx context.Context, m *transport.Message, args []string) {
	order := storage.OrderLevel
	if len(args) > 0 {
		order = storage.LeaderboardOrder(strings.ToLower(args[0]))
		switch order {
		case storage.OrderLevel, storage.OrderCredits, storage.OrderStreak,
			storage.OrderMissions, storage.OrderWinRate:
		default:
			a.replyTo(ctx, m, "Boards: level, credits, streak, missions, winrate.")
			return
		}
	}
	players, err := a.store.Leaderboard(ctx, order, 10)
	if err != nil {
		a.log.Error("leaderboard failed", logx.Err(err))
		return
	}
	a.replyTo(ctx, m, renderLeaderboard(players, order))
}

func (a *App) cmdArena(ctx context.Context, m *transport.Message, args []string) {
	if m.ThreadID != 0 {
		a.replyTo(ctx, m, "Arenas run in the main group, not in dispatch threads.")
		return
	}
	var fee int64
	if len(args) > 0 {
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || v <= 0 {
			a.replyTo(ctx, m, "Usage: /arena [entry fee]")
			return
		}
		fee = v
	}
	if _, err := a.arenas.Open(ctx, m.ChatID, m.FromID, fee); err != nil {
		if errors.Is(err, arena.ErrArenaExists) {
			a.replyTo(ctx, m, "An arena is already live here. /join it!")
		} else {
			a.log.Error("opening arena failed", logx.Err(err))
		}
	}
}

func (a *App) cmdJoin(ctx context.Context, m *transport.Message) {
	if _, err := a.store.CreatePlayer(ctx, m.FromID); err != nil {
		return
	}
	snap, err := a.arenas.Join(ctx, m.ChatID, m.FromID)
	switch {
	case err == nil:
		a.replyTo(ctx, m, fmt.Sprintf(
			"✅ %s joined! %d in, pot %d credits.",
			displayName(m), len(snap.Players), snap.Pot))
	case errors.Is(err, arena.ErrNoArena):
		a.replyTo(ctx, m, "No arena here. Start one with /arena.")
	case errors.Is(err, arena.ErrAlreadyJoined):
		a.replyTo(ctx, m, "You are already in.")
	case errors.Is(err, arena.ErrNotJoinable):
		a.replyTo(ctx, m, "The lobby is closed.")
	case errors.Is(err, arena.ErrBusyElsewhere):
		a.replyTo(ctx, m, "You are already competing elsewhere.")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		a.replyTo(ctx, m, "Not enough credits for the entry fee.")
	default:
		a.log.Error("arena join failed", logx.Err(err))
	}
}

func (a *App) cmdLeave(ctx context.Context, m *transport.Message) {
	snap, err := a.arenas.Leave(ctx, m.ChatID, m.FromID)
	switch {
	case err == nil:
		a.replyTo(ctx, m, fmt.Sprintf(
			"👋 %s left, entry fee refunded. %d remain.",
			displayName(m), len(snap.Players)))
	case errors.Is(err, arena.ErrNoArena), errors.Is(err, arena.ErrNotJoined):
		a.replyTo(ctx, m, "You are not in a lobby here.")
	case errors.Is(err, arena.ErrNotJoinable):
		a.replyTo(ctx, m, "The round already started, no leaving now.")
	default:
		a.log.Error("arena leave failed", logx.Err(err))
	}
}

func (a *App) cmdCancelArena(ctx context.Context, m *transport.Message) {
	if !a.owners[m.FromID] {
		return
	}
	if err := a.arenas.Cancel(ctx, m.ChatID, "cancelled by admin"); err != nil {
		if errors.Is(err, arena.ErrNoArena) {
			a.replyTo(ctx, m, "Nothing to cancel.")
		}
	}
}

func (a *App) routeCallback(ctx context.Context, cb *transport.Callback) {
	scope, action, payload := tgui.Parse(cb.Data)
	switch scope {
	case "mission":
		a.callbackMission(ctx, cb, action, payload)
	case "train":
		a.callbackTrain(ctx, cb, payload)
	case "arena":
		a.callbackArena(ctx, cb, action)
	default:
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "")
	}
}

func (a *App) callbackMission(ctx context.Context, cb *transport.Callback, level, payload string) {
	missionID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Bad mission reference.")
		return
	}
	res, err := a.dispatcher.ResolveResponse(ctx, cb.FromID, missionID, level)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrMissionExpired):
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Too late, the mission expired.")
		return
	case errors.Is(err, dispatch.ErrNoMission):
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "This mission is no longer yours to run.")
		return
	default:
		a.log.Error("resolving response failed", logx.Err(err))
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Something went wrong.")
		return
	}

	_ = a.adapter.AnswerCallback(ctx, cb.ID, "Units dispatched!")
	text, markup := renderResolution(res)
	ref := transport.MessageRef{
		ChatID:    cb.ChatID,
		ThreadID:  cb.ThreadID,
		MessageID: cb.MessageID,
	}
	if err := a.adapter.EditText(ctx, ref, text, &transport.SendOptions{
		ParseMode:          "Markdown",
		ReplyMarkupAdapter: markup,
	}); err != nil {
		a.log.Warn("editing mission message failed", logx.Err(err))
	}
}

func (a *App) callbackTrain(ctx context.Context, cb *transport.Callback, stat string) {
	t, cost, err := a.dispatcher.StartTraining(ctx, cb.FromID, stat)
	switch {
	case err == nil:
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Training started!")
		a.send(ctx, transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
			fmt.Sprintf("🎓 %s training started for %d credits. Done at %s. No missions until then.",
				statTitle(stat), cost, t.CompletesAt.Format("15:04")), nil)
	case errors.Is(err, storage.ErrInsufficientFunds):
		_ = a.adapter.AnswerCallback(ctx, cb.ID,
			fmt.Sprintf("You need %d credits for that.", cost))
	case errors.Is(err, dispatch.ErrMissionActive):
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Finish your mission first.")
	default:
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Cannot start training right now.")
	}
}

func (a *App) callbackArena(ctx context.Context, cb *transport.Callback, action string) {
	switch action {
	case "join":
		_, err := a.store.CreatePlayer(ctx, cb.FromID)
		if err == nil {
			_, err = a.arenas.Join(ctx, cb.ChatID, cb.FromID)
		}
		switch {
		case err == nil:
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "You are in!")
		case errors.Is(err, arena.ErrAlreadyJoined):
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Already in.")
		case errors.Is(err, ledger.ErrInsufficientFunds):
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Not enough credits.")
		default:
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Cannot join.")
		}
	case "leave":
		if _, err := a.arenas.Leave(ctx, cb.ChatID, cb.FromID); err == nil {
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Fee refunded.")
		} else {
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Cannot leave now.")
		}
	case "start":
		switch err := a.arenas.Start(ctx, cb.ChatID, cb.FromID); {
		case err == nil:
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Round started!")
		case errors.Is(err, arena.ErrNotHost):
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Only the host can start.")
		case errors.Is(err, arena.ErrLobbyEmpty):
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Nobody has joined yet.")
		default:
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Cannot start now.")
		}
	case "cancel":
		host, ok := a.arenas.HostOf(cb.ChatID)
		if !ok || (cb.FromID != host && !a.owners[cb.FromID]) {
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Only the host can cancel.")
			return
		}
		if err := a.arenas.Cancel(ctx, cb.ChatID, "cancelled by the host"); err == nil {
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Arena cancelled, fees refunded.")
		} else {
			_ = a.adapter.AnswerCallback(ctx, cb.ID, "Nothing to cancel.")
		}
	}
}

func (a *App) replyTo(ctx context.Context, m *transport.Message, text string) {
	a.send(ctx, transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, text, nil)
}

func (a *App) send(ctx context.Context, to transport.ChatTarget, text string, markup any) {
	opt := &transport.SendOptions{ParseMode: "Markdown"}
	if markup != nil {
		opt.ReplyMarkupAdapter = markup
	}
	if _, err := a.adapter.SendText(ctx, to, text, opt); err != nil {
		a.log.Warn("send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func displayName(m *transport.Message) string {
	if m.FromUsername != "" {
		return "@" + m.FromUsername
	}
	return fmt.Sprintf("dispatcher %d", m.FromID)
}
