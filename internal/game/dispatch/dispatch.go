// Package dispatch runs the perpetual mission pipeline: periodic sweeps that
// time out ignored missions, finish trainings and assign new missions to
// eligible participants, plus resolution of participant responses.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchbot/internal/catalog"
	"dispatchbot/internal/eventbus"
	"dispatchbot/internal/game/outcome"
	"dispatchbot/internal/game/rules"
	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

var (
	ErrNoMission      = errors.New("dispatch: no pending mission")
	ErrMissionExpired = errors.New("dispatch: mission expired")
	ErrBadResponse    = errors.New("dispatch: unknown response level")
	ErrMissionActive  = errors.New("dispatch: mission in progress")
	ErrTrainingActive = errors.New("dispatch: training already in progress")
)

// Config for the sweep cadence.
type Config struct {
	Enabled           bool
	SweepInterval     time.Duration
	FirstMissionDelay time.Duration
}

// Sink presents pipeline moments to the participant's channel.
type Sink interface {
	MissionAssigned(ctx context.Context, p *storage.Player, m *storage.MissionInstance, cm *catalog.Mission) (messageID int, err error)
	MissionTimedOut(ctx context.Context, p *storage.Player, m *storage.MissionInstance, deactivated bool)
	TrainingCompleted(ctx context.Context, p *storage.Player, stat string, oldValue, newValue int)
}

// Resolution is the outcome of one response, ready for rendering.
type Resolution struct {
	Mission  *storage.MissionInstance
	Outcome  outcome.Result
	Player   *storage.Player
	Response rules.ResponseLevel
}

// Dispatcher owns the sweep loop and response resolution.
type Dispatcher struct {
	cfg      Config
	store    storage.Store
	catalog  *catalog.Cache
	resolver *outcome.Resolver
	sink     Sink
	bus      eventbus.Bus
	log      logx.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	rndMu sync.Mutex
	rnd   *rand.Rand

	// Serializes all pipeline work per participant so a response and a
	// timeout sweep cannot race on the same mission.
	userMu sync.Mutex
	users  map[int64]*sync.Mutex
}

func New(cfg Config, store storage.Store, cat *catalog.Cache, res *outcome.Resolver, sink Sink, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.FirstMissionDelay <= 0 {
		cfg.FirstMissionDelay = 30 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		catalog:  cat,
		resolver: res,
		sink:     sink,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch")),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		users:    make(map[int64]*sync.Mutex),
	}
}

// Start schedules the periodic sweep.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.cfg.Enabled {
		d.log.Info("dispatch pipeline disabled")
		return nil
	}
	d.cron = cron.New()
	spec := fmt.Sprintf("@every %s", d.cfg.SweepInterval)
	id, err := d.cron.AddFunc(spec, func() { d.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	d.entryID = id
	d.cron.Start()
	d.log.Info("dispatch pipeline started",
		logx.Duration("interval", d.cfg.SweepInterval))
	return nil
}

// Stop halts the sweep loop and waits for a running sweep to finish.
func (d *Dispatcher) Stop(ctx context.Context) {
	if d.cron == nil {
		return
	}
	stopped := d.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

// Sweep runs one pipeline pass.
func (d *Dispatcher) Sweep(ctx context.Context) {
	if err := d.catalog.RefreshIfStale(ctx); err != nil {
		d.log.Warn("catalog refresh failed", logx.Err(err))
	}
	d.sweepTimeouts(ctx)
	d.sweepTrainings(ctx)
	d.sweepAssignments(ctx)
}

func (d *Dispatcher) lockUser(userID int64) *sync.Mutex {
	d.userMu.Lock()
	mu, ok := d.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		d.users[userID] = mu
	}
	d.userMu.Unlock()
	mu.Lock()
	return mu
}

func (d *Dispatcher) sweepTimeouts(ctx context.Context) {
	expired, err := d.store.ListExpiredPending(ctx, time.Now())
	if err != nil {
		d.log.Error("listing expired missions failed", logx.Err(err))
		return
	}
	for _, m := range expired {
		d.timeoutMission(ctx, m)
	}
}

func (d *Dispatcher) timeoutMission(ctx context.Context, m *storage.MissionInstance) {
	mu := d.lockUser(m.UserID)
	defer mu.Unlock()

	// Re-check under the lock; a response may have landed meanwhile.
	cur, err := d.store.MissionByID(ctx, m.ID)
	if err != nil || cur.Status != storage.MissionPending || time.Now().Before(cur.ExpiresAt) {
		return
	}

	p, err := d.store.GetPlayer(ctx, m.UserID)
	if err != nil {
		d.log.Error("loading player for timeout failed",
			logx.Int64("user_id", m.UserID), logx.Err(err))
		return
	}

	res := outcome.Timeout(p)
	if err := d.store.SetMissionStatus(ctx, m.ID, storage.MissionTimedOut); err != nil {
		d.log.Error("marking mission timed out failed", logx.Err(err))
		return
	}
	d.applyCooldown(p)
	if err := d.store.SavePlayer(ctx, p); err != nil {
		d.log.Error("saving player after timeout failed", logx.Err(err))
	}
	if err := d.store.AppendMissionHistory(ctx, &storage.HistoryEntry{
		UserID:       m.UserID,
		MissionID:    m.MissionID,
		MissionName:  m.MissionName,
		Tier:         m.Tier,
		Outcome:      rules.OutcomeTimeout,
		MoraleChange: res.MoraleChange,
		CompletedAt:  time.Now(),
	}); err != nil {
		d.log.Warn("recording timeout failed", logx.Err(err))
	}

	d.log.Info("mission timed out",
		logx.Int64("mission", m.ID),
		logx.Int64("user_id", m.UserID),
		logx.Bool("deactivated", res.Deactivated))
	d.bus.Publish(eventbus.Event{
		Type: eventbus.EventMissionTimeout, Time: time.Now(), Data: m.ID,
	})
	d.sink.MissionTimedOut(ctx, p, m, res.Deactivated)
}

func (d *Dispatcher) sweepTrainings(ctx context.Context) {
	due, err := d.store.ListDueTraining(ctx, time.Now())
	if err != nil {
		d.log.Error("listing due trainings failed", logx.Err(err))
		return
	}
	for _, t := range due {
		d.completeTraining(ctx, t)
	}
}

func (d *Dispatcher) completeTraining(ctx context.Context, t *storage.TrainingSession) {
	mu := d.lockUser(t.UserID)
	defer mu.Unlock()

	p, err := d.store.GetPlayer(ctx, t.UserID)
	if err != nil {
		d.log.Error("loading player for training failed", logx.Err(err))
		return
	}
	old := p.Stat(t.Stat)
	p.AddStat(t.Stat, rules.TrainingStatGain)
	if err := d.store.FinishTraining(ctx, t.ID); err != nil {
		d.log.Error("finishing training failed", logx.Err(err))
		return
	}
	if err := d.store.SavePlayer(ctx, p); err != nil {
		d.log.Error("saving player after training failed", logx.Err(err))
	}
	d.log.Info("training completed",
		logx.Int64("user_id", t.UserID),
		logx.String("stat", t.Stat))
	d.bus.Publish(eventbus.Event{
		Type: eventbus.EventTrainingDone, Time: time.Now(), Data: t.ID,
	})
	d.sink.TrainingCompleted(ctx, p, t.Stat, old, p.Stat(t.Stat))
}

func (d *Dispatcher) sweepAssignments(ctx context.Context) {
	players, err := d.store.ListActivePlayers(ctx)
	if err != nil {
		d.log.Error("listing active players failed", logx.Err(err))
		return
	}
	for _, p := range players {
		d.maybeAssign(ctx, p)
	}
}

func (d *Dispatcher) maybeAssign(ctx context.Context, p *storage.Player) {
	mu := d.lockUser(p.UserID)
	defer mu.Unlock()

	eligible, reason := d.eligible(ctx, p)
	if !eligible {
		d.log.Trace("not eligible",
			logx.Int64("user_id", p.UserID),
			logx.String("reason", reason))
		return
	}
	if err := d.assign(ctx, p); err != nil {
		d.log.Error("assignment failed",
			logx.Int64("user_id", p.UserID), logx.Err(err))
	}
}

func (d *Dispatcher) eligible(ctx context.Context, p *storage.Player) (bool, string) {
	if _, err := d.store.ActiveMissionFor(ctx, p.UserID); err == nil {
		return false, "has active mission"
	}
	if _, err := d.store.ActiveTrainingFor(ctx, p.UserID); err == nil {
		return false, "in training"
	}
	locked, err := d.store.IsLocked(ctx, p.UserID)
	if err != nil {
		return false, "lock check failed"
	}
	if locked {
		return false, "busy in arena"
	}
	now := time.Now()
	if !p.CooldownUntil.IsZero() && now.Before(p.CooldownUntil) {
		return false, "on cooldown"
	}
	if p.LastMissionAt.IsZero() {
		// Never dispatched: short delay after going on duty.
		if now.Before(p.UpdatedAt.Add(d.cfg.FirstMissionDelay)) {
			return false, "first mission delay"
		}
		return true, "first mission"
	}
	return true, "ready"
}

func (d *Dispatcher) assign(ctx context.Context, p *storage.Player) error {
	d.rndMu.Lock()
	cm := d.catalog.SelectForLevel(p.Level, d.rnd, time.Now())
	var stages int
	if cm != nil {
		stages = catalog.RollStages(cm.Tier(), d.rnd)
	}
	d.rndMu.Unlock()
	if cm == nil {
		return errors.New("no mission available")
	}

	raw, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("encode mission: %w", err)
	}
	tier := cm.Tier()
	now := time.Now()
	m := &storage.MissionInstance{
		UserID:      p.UserID,
		MissionID:   cm.ID,
		MissionName: cm.Name,
		MissionData: string(raw),
		Tier:        tier,
		Difficulty:  cm.Difficulty(),
		AssignedAt:  now,
		ExpiresAt:   now.Add(rules.TimeoutFor(p.Level, tier)),
		Stage:       1,
		MaxStage:    stages,
	}
	if _, err := d.store.CreateMission(ctx, m); err != nil {
		return err
	}

	msgID, err := d.sink.MissionAssigned(ctx, p, m, cm)
	if err != nil {
		// Could not reach the participant; drop the instance so the next
		// sweep retries cleanly.
		_ = d.store.SetMissionStatus(ctx, m.ID, storage.MissionCancelled)
		return fmt.Errorf("present mission: %w", err)
	}
	if msgID != 0 {
		if err := d.store.SetMissionMessage(ctx, m.ID, msgID); err != nil {
			d.log.Warn("saving mission message failed", logx.Err(err))
		}
	}
	d.log.Info("mission assigned",
		logx.Int64("mission", m.ID),
		logx.Int64("user_id", p.UserID),
		logx.String("name", cm.Name),
		logx.Int("tier", tier),
		logx.Int("stages", stages))
	return nil
}

// ResolveResponse applies a participant's chosen response level to their
// pending mission. On escalation the mission advances a stage and its window
// is refreshed; otherwise it completes, pays out and starts the cooldown.
func (d *Dispatcher) ResolveResponse(ctx context.Context, userID int64, missionID int64, responseKey string) (*Resolution, error) {
	rl, ok := rules.ResponseLevelByKey(responseKey)
	if !ok {
		return nil, ErrBadResponse
	}

	mu := d.lockUser(userID)
	defer mu.Unlock()

	m, err := d.store.MissionByID(ctx, missionID)
	if err != nil {
		return nil, ErrNoMission
	}
	if m.UserID != userID || m.Status != storage.MissionPending {
		return nil, ErrNoMission
	}
	if time.Now().After(m.ExpiresAt) {
		return nil, ErrMissionExpired
	}

	p, err := d.store.GetPlayer(ctx, userID)
	if err != nil {
		return nil, err
	}

	var cm catalog.Mission
	if err := json.Unmarshal([]byte(m.MissionData), &cm); err != nil {
		return nil, fmt.Errorf("decode mission data: %w", err)
	}

	now := time.Now()
	res := d.resolver.Resolve(p, m, cm.Category(), cm.Credits(), rl, now)

	if res.Escalated {
		m.Stage = res.NextStage
		m.ExpiresAt = now.Add(rules.TimeoutFor(p.Level, m.Tier))
		if err := d.store.UpdateMissionStage(ctx, m.ID, m.Stage, m.ExpiresAt); err != nil {
			return nil, err
		}
	} else {
		if err := d.store.SetMissionStatus(ctx, m.ID, storage.MissionCompleted); err != nil {
			return nil, err
		}
		d.applyCooldown(p)
	}

	if res.Credits > 0 {
		if _, err := d.store.AdjustCredits(ctx, p.UserID, res.Credits); err != nil {
			d.log.Error("crediting mission reward failed", logx.Err(err))
		}
		// Keep the in-memory copy in step for SavePlayer below.
		p.Credits += res.Credits
	}
	if err := d.store.SavePlayer(ctx, p); err != nil {
		return nil, err
	}
	if err := d.store.AppendMissionHistory(ctx, &storage.HistoryEntry{
		UserID:       p.UserID,
		MissionID:    m.MissionID,
		MissionName:  m.MissionName,
		Tier:         m.Tier,
		Outcome:      res.Outcome,
		Credits:      res.Credits,
		XP:           res.XP,
		MoraleChange: res.MoraleChange,
		CompletedAt:  now,
	}); err != nil {
		d.log.Warn("recording mission history failed", logx.Err(err))
	}

	evType := eventbus.EventMissionResolved
	if res.Escalated {
		evType = eventbus.EventMissionEscalated
	}
	d.bus.Publish(eventbus.Event{Type: evType, Time: now, Data: m.ID})
	if res.LevelUp != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.EventLevelUp, Time: now, Data: p.UserID,
		})
	}

	d.log.Info("mission resolved",
		logx.Int64("mission", m.ID),
		logx.Int64("user_id", p.UserID),
		logx.String("outcome", res.Outcome),
		logx.Float64("chance", res.SuccessChance),
		logx.Int64("credits", res.Credits))
	return &Resolution{Mission: m, Outcome: res, Player: p, Response: rl}, nil
}

// StartTraining begins a training session for the player, charging the
// escalating cost for the stat's current value.
func (d *Dispatcher) StartTraining(ctx context.Context, userID int64, stat string) (*storage.TrainingSession, int64, error) {
	valid := false
	for _, s := range rules.StatNames {
		if s == stat {
			valid = true
			break
		}
	}
	if !valid {
		return nil, 0, fmt.Errorf("dispatch: unknown stat %q", stat)
	}

	mu := d.lockUser(userID)
	defer mu.Unlock()

	if _, err := d.store.ActiveTrainingFor(ctx, userID); err == nil {
		return nil, 0, ErrTrainingActive
	}
	// A pending mission and a training session are mutually exclusive.
	if _, err := d.store.ActiveMissionFor(ctx, userID); err == nil {
		return nil, 0, ErrMissionActive
	}
	p, err := d.store.GetPlayer(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	cost := rules.TrainingCost(p.Stat(stat))
	if _, err := d.store.AdjustCredits(ctx, userID, -cost); err != nil {
		return nil, cost, err
	}
	now := time.Now()
	t := &storage.TrainingSession{
		UserID:      userID,
		Stat:        stat,
		StartedAt:   now,
		CompletesAt: now.Add(rules.TrainingDuration),
	}
	if _, err := d.store.StartTraining(ctx, t); err != nil {
		_, _ = d.store.AdjustCredits(ctx, userID, cost)
		return nil, cost, err
	}
	d.log.Info("training started",
		logx.Int64("user_id", userID),
		logx.String("stat", stat),
		logx.Int64("cost", cost))
	return t, cost, nil
}

// applyCooldown rolls the random pause before the next assignment.
func (d *Dispatcher) applyCooldown(p *storage.Player) {
	min, max := rules.CooldownRange(p.Level)
	d.rndMu.Lock()
	span := min + time.Duration(d.rnd.Int63n(int64(max-min)+1))
	d.rndMu.Unlock()
	p.CooldownUntil = time.Now().Add(span)
}
