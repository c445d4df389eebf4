// Package app wires the bot together: config, logging, storage, transport,
// the mission pipeline and the arena manager, and routes incoming updates.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"dispatchbot/internal/catalog"
	"dispatchbot/internal/config"
	"dispatchbot/internal/eventbus"
	"dispatchbot/internal/game/arena"
	"dispatchbot/internal/game/dispatch"
	"dispatchbot/internal/game/outcome"
	"dispatchbot/internal/game/recovery"
	"dispatchbot/internal/ledger"
	"dispatchbot/internal/runtime/supervisor"
	"dispatchbot/internal/storage"
	"dispatchbot/internal/transport"
	"dispatchbot/internal/transport/telegram"
	"dispatchbot/pkg/logx"
)

// App is the composed bot.
type App struct {
	cfgMgr *config.Manager
	cfg    *config.Config

	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	adapter transport.Adapter
	ledger  *ledger.Ledger
	catalog *catalog.Cache
	bus     eventbus.Bus

	arenas     *arena.Manager
	dispatcher *dispatch.Dispatcher
	recovery   *recovery.Manager

	sup     *supervisor.Supervisor
	updates chan transport.Update

	gameGroupID int64
	owners      map[int64]bool
}

// New loads configuration and builds every component. Nothing is started.
func New(ctx context.Context, configPath string) (*App, error) {
	a := &App{updates: make(chan transport.Update, 256)}

	a.cfgMgr = config.NewManager(configPath)
	cfg, err := a.cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.Nop())
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	a.logSvc, a.log = logx.New(logxConfig(cfg), adapter)
	if cfg.Telegram.GroupLog != "" {
		if chatID, err := strconv.ParseInt(cfg.Telegram.GroupLog, 10, 64); err == nil {
			a.logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
		}
	}
	adapter.SetLogger(a.log.With(logx.String("comp", "telegram")))
	a.cfgMgr.SetLogger(a.log)
	a.cfgMgr.SetValidator(validateConfig)

	busyTimeout, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	store, err := storage.Open(ctx, storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.bus = eventbus.New()
	a.ledger = ledger.New(store, a.log)

	refresh, _ := config.ParseDurationOrDefault("catalog.refresh_interval", cfg.Catalog.RefreshInterval, time.Hour)
	a.catalog = catalog.NewCache(catalog.NewHTTPSource(cfg.Catalog.URL), store, refresh, a.log)

	a.gameGroupID = cfg.Telegram.GameGroupID
	a.owners = make(map[int64]bool, len(cfg.Telegram.OwnerUserIDs))
	for _, id := range cfg.Telegram.OwnerUserIDs {
		a.owners[id] = true
	}

	lobby, _ := config.ParseDurationOrDefault("arena.lobby_duration", cfg.Arena.LobbyDuration, time.Minute)
	round, _ := config.ParseDurationOrDefault("arena.round_duration", cfg.Arena.RoundDuration, time.Minute)
	minInterval, _ := config.ParseDurationOrDefault("arena.answer_min_interval", cfg.Arena.AnswerMinInterval, 2*time.Second)
	entryFee := cfg.Arena.EntryFee
	if entryFee <= 0 {
		entryFee = 1000
	}
	a.arenas = arena.NewManager(ctx, arena.Config{
		EntryFee:          entryFee,
		LobbyDuration:     lobby,
		RoundDuration:     round,
		AnswerMinInterval: minInterval,
	}, store, a.ledger, a.catalog, &arenaPresenter{a: a}, a.bus, a.log)

	sweep, _ := config.ParseDurationOrDefault("dispatch.sweep_interval", cfg.Dispatch.SweepInterval, time.Minute)
	firstDelay, _ := config.ParseDurationOrDefault("dispatch.first_mission_delay", cfg.Dispatch.FirstMissionDelay, 30*time.Second)
	resolver := outcome.NewResolver(rand.New(rand.NewSource(time.Now().UnixNano())))
	a.dispatcher = dispatch.New(dispatch.Config{
		Enabled:           cfg.Dispatch.Enabled,
		SweepInterval:     sweep,
		FirstMissionDelay: firstDelay,
	}, store, a.catalog, resolver, &dispatchSink{a: a}, a.bus, a.log)

	a.recovery = recovery.New(store, a.ledger, a.bus, &recoveryNotifier{a: a}, a.log)
	return a, nil
}

// Start brings the bot up: recovery first, then the catalog, the transport
// and the pipeline.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.recovery.Run(runCtx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := a.catalog.Load(runCtx); err != nil {
		a.log.Warn("catalog unavailable at startup", logx.Err(err))
	}
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := a.dispatcher.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go0("app.updates", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case up := <-a.updates:
				a.route(ctx, up)
			}
		}
	})
	a.sup.Go0("app.announce", func(ctx context.Context) {
		a.announceLoop(ctx)
	})
	a.sup.Go("config.watch", func(ctx context.Context) error {
		err := a.cfgMgr.Watch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	a.sup.Go0("config.apply", func(ctx context.Context) {
		sub := a.cfgMgr.Subscribe(1)
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.log.Info("bot started")
	return nil
}

// Stop shuts everything down in reverse order.
func (a *App) Stop(ctx context.Context) {
	if a.sup != nil {
		a.sup.Cancel()
	}
	a.dispatcher.Stop(ctx)
	a.arenas.Shutdown()
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("transport stop", logx.Err(err))
	}
	if a.sup != nil {
		_ = a.sup.Wait(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	_ = a.logSvc.Close()
}

// Err returns the first fatal error from a supervised goroutine, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done closes when a fatal error cancels the run context.
func (a *App) Done() <-chan struct{} {
	return a.sup.Context().Done()
}

// applyConfig handles hot-reloadable settings; everything else needs a
// restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logxConfig(cfg))
	if cfg.Telegram.GroupLog != "" {
		if chatID, err := strconv.ParseInt(cfg.Telegram.GroupLog, 10, 64); err == nil {
			a.logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
		}
	}
	a.cfg = cfg
	a.log.Info("configuration reloaded")
}

func logxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if cfg.Telegram.GameGroupID == 0 {
		return errors.New("telegram.game_group_id is required")
	}
	if cfg.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if cfg.Catalog.URL == "" {
		return errors.New("catalog.url is required")
	}
	return nil
}
