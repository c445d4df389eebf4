package app

import (
	"context"
	"fmt"

	"dispatchbot/internal/catalog"
	"dispatchbot/internal/eventbus"
	"dispatchbot/internal/game/arena"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
)

// dispatchSink delivers mission traffic to each participant's forum
// thread inside the game group.
type dispatchSink struct {
	a *App
}

func (s *dispatchSink) MissionAssigned(ctx context.Context, p *storage.Player, m *storage.MissionInstance, cm *catalog.Mission) (int, error) {
	threadID, err := s.ensureThread(ctx, p)
	if err != nil {
		return 0, err
	}
	text, markup := renderMissionPrompt(m, cm, p)
	ref, err := s.a.adapter.SendText(ctx,
		transport.ChatTarget{ChatID: s.a.gameGroupID, ThreadID: threadID},
		text,
		&transport.SendOptions{ParseMode: "Markdown", ReplyMarkupAdapter: markup})
	if err != nil {
		return 0, err
	}
	return ref.MessageID, nil
}

func (s *dispatchSink) MissionTimedOut(ctx context.Context, p *storage.Player, m *storage.MissionInstance, deactivated bool) {
	s.a.send(ctx,
		transport.ChatTarget{ChatID: s.a.gameGroupID, ThreadID: p.ThreadID},
		renderTimeout(m, deactivated), nil)
	if m.MessageID != 0 {
		ref := transport.MessageRef{
			ChatID:    s.a.gameGroupID,
			ThreadID:  p.ThreadID,
			MessageID: m.MessageID,
		}
		// Strip the stale response buttons.
		text := fmt.Sprintf("⏰ *%s* — expired.", m.MissionName)
		if err := s.a.adapter.EditText(ctx, ref, text,
			&transport.SendOptions{ParseMode: "Markdown"}); err != nil {
			s.a.log.Debug("clear expired prompt", logx.Err(err))
		}
	}
}

func (s *dispatchSink) TrainingCompleted(ctx context.Context, p *storage.Player, stat string, oldValue, newValue int) {
	s.a.send(ctx,
		transport.ChatTarget{ChatID: s.a.gameGroupID, ThreadID: p.ThreadID},
		fmt.Sprintf("🎓 Training complete! %s %d → %d. Back on the roster.",
			statTitle(stat), oldValue, newValue), nil)
}

// ensureThread lazily creates the participant's forum topic and persists
// the thread id on the player record.
func (s *dispatchSink) ensureThread(ctx context.Context, p *storage.Player) (int, error) {
	if p.ThreadID != 0 {
		return p.ThreadID, nil
	}
	tc, ok := s.a.adapter.(transport.ThreadCreator)
	if !ok {
		// Flat group, everything goes to the main chat.
		return 0, nil
	}
	threadID, err := tc.CreateThread(ctx, s.a.gameGroupID,
		fmt.Sprintf("🚨 Station %d", p.UserID))
	if err != nil {
		return 0, fmt.Errorf("create thread: %w", err)
	}
	p.ThreadID = threadID
	if err := s.a.store.SavePlayer(ctx, p); err != nil {
		return 0, err
	}
	s.a.send(ctx,
		transport.ChatTarget{ChatID: s.a.gameGroupID, ThreadID: threadID},
		"📻 This is your dispatch channel. Missions arrive here while you are on duty.", nil)
	return threadID, nil
}

// arenaPresenter posts arena lifecycle messages into the main group chat.
type arenaPresenter struct {
	a *App
}

func (p *arenaPresenter) LobbyOpened(ctx context.Context, s arena.Snapshot) {
	text, markup := renderLobby(s)
	p.a.send(ctx, transport.ChatTarget{ChatID: s.ChatID}, text, markup)
}

func (p *arenaPresenter) RoundStarted(ctx context.Context, s arena.Snapshot) {
	p.a.send(ctx, transport.ChatTarget{ChatID: s.ChatID}, renderRoundStart(s), nil)
}

func (p *arenaPresenter) Completed(ctx context.Context, r arena.Result) {
	p.a.send(ctx, transport.ChatTarget{ChatID: r.ChatID}, renderArenaResult(r), nil)
	for _, pr := range r.Players {
		if bd, ok := r.Breakdowns[pr.UserID]; ok && bd != "" {
			player, err := p.a.store.GetPlayer(ctx, pr.UserID)
			if err != nil || player.ThreadID == 0 {
				continue
			}
			p.a.send(ctx,
				transport.ChatTarget{ChatID: p.a.gameGroupID, ThreadID: player.ThreadID},
				"📊 *Your arena breakdown:*\n"+bd, nil)
		}
	}
}

func (p *arenaPresenter) Cancelled(ctx context.Context, chatID int64, reason string) {
	p.a.send(ctx, transport.ChatTarget{ChatID: chatID},
		"🏟 Arena cancelled: "+reason+". Entry fees refunded.", nil)
}

type recoveryNotifier struct {
	a *App
}

func (n *recoveryNotifier) ArenaRecovered(ctx context.Context, chatID int64, refunded int) {
	n.a.send(ctx, transport.ChatTarget{ChatID: chatID},
		fmt.Sprintf("🏟 The arena did not survive a restart. %d entry fee(s) refunded.", refunded), nil)
}

// announceLoop mirrors level-ups into the main group so they are visible
// outside the per-user threads.
func (a *App) announceLoop(ctx context.Context) {
	ch, unsubscribe := a.bus.Subscribe(32)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.EventLevelUp {
				continue
			}
			userID, ok := ev.Data.(int64)
			if !ok {
				continue
			}
			p, err := a.store.GetPlayer(ctx, userID)
			if err != nil {
				continue
			}
			a.send(ctx, transport.ChatTarget{ChatID: a.gameGroupID},
				fmt.Sprintf("📈 Station %d reached level %d!", userID, p.Level), nil)
		}
	}
}
