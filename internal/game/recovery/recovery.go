// Package recovery settles state left behind by a crash before the bot
// starts serving again. Arenas cannot survive a restart (their timers and
// collected answers lived in memory), so any non-terminal arena is cancelled
// and every entry fee refunded. The whole pass is idempotent: a second run
// finds only terminal arenas and does nothing.
package recovery

import (
	"context"
	"time"

	"dispatchbot/internal/eventbus"
	"dispatchbot/internal/ledger"
	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

// Notifier announces a recovered arena to its chat.
type Notifier interface {
	ArenaRecovered(ctx context.Context, chatID int64, refunded int)
}

type Manager struct {
	store    storage.Store
	ledger   *ledger.Ledger
	bus      eventbus.Bus
	notifier Notifier
	log      logx.Logger
}

func New(store storage.Store, led *ledger.Ledger, bus eventbus.Bus, n Notifier, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, ledger: led, bus: bus, notifier: n, log: log.With(logx.String("comp", "recovery"))}
}

// Run settles all interrupted arenas. Safe to call repeatedly.
func (m *Manager) Run(ctx context.Context) error {
	arenas, err := m.store.ListArenasInStatus(ctx, storage.ArenaLobby, storage.ArenaRunning)
	if err != nil {
		return err
	}
	for _, a := range arenas {
		m.recoverArena(ctx, a)
	}
	if len(arenas) > 0 {
		m.log.Info("recovery complete", logx.Int("arenas", len(arenas)))
	}
	return nil
}

func (m *Manager) recoverArena(ctx context.Context, a *storage.ArenaRecord) {
	// Terminal status goes in first so a crash mid-recovery cannot leave
	// the arena joinable; hold release is idempotent either way.
	if err := m.store.SetArenaStatus(ctx, a.ID, storage.ArenaCancelled); err != nil {
		m.log.Error("cancelling crashed arena failed",
			logx.String("arena_id", a.ID), logx.Err(err))
		return
	}

	players, err := m.store.ListArenaPlayers(ctx, a.ID)
	if err != nil {
		m.log.Error("listing crashed arena players failed",
			logx.String("arena_id", a.ID), logx.Err(err))
		return
	}
	refunded := 0
	for _, p := range players {
		if err := m.ledger.Release(ctx, p.HoldRef); err != nil {
			m.log.Error("refund during recovery failed",
				logx.Int64("user_id", p.UserID),
				logx.String("ref", p.HoldRef),
				logx.Err(err))
			continue
		}
		refunded++
	}
	if err := m.store.UnlockArena(ctx, a.ID); err != nil {
		m.log.Warn("unlocking crashed arena failed",
			logx.String("arena_id", a.ID), logx.Err(err))
	}

	m.log.Info("crashed arena settled",
		logx.String("arena_id", a.ID),
		logx.Int64("chat_id", a.ChatID),
		logx.Int("refunded", refunded))
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventArenaCancelled,
		Time: time.Now(),
		Data: a.ID,
	})
	if m.notifier != nil {
		m.notifier.ArenaRecovered(ctx, a.ChatID, refunded)
	}
}
