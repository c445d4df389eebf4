// Package arena runs timed group dispatch competitions. One arena per chat:
// a join lobby, then a scored answer round, then payout from the pot.
package arena

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dispatchbot/internal/catalog"
	"dispatchbot/internal/eventbus"
	"dispatchbot/internal/game/scoring"
	"dispatchbot/internal/ledger"
	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

var (
	ErrArenaExists    = errors.New("arena: already running in this chat")
	ErrNoArena        = errors.New("arena: no arena in this chat")
	ErrNotJoinable    = errors.New("arena: lobby is closed")
	ErrAlreadyJoined  = errors.New("arena: already joined")
	ErrNotJoined      = errors.New("arena: not a participant")
	ErrBusyElsewhere  = errors.New("arena: participant busy in another arena")
	ErrNotAnswerPhase = errors.New("arena: answers are not being accepted")
	ErrNotHost        = errors.New("arena: only the host can do that")
	ErrLobbyEmpty     = errors.New("arena: nobody has joined yet")
)

// Config for arena timing and stakes.
type Config struct {
	EntryFee          int64
	LobbyDuration     time.Duration
	RoundDuration     time.Duration
	AnswerMinInterval time.Duration
}

// Presenter receives arena lifecycle moments for display. Implementations
// must not block; they are called from timer goroutines.
type Presenter interface {
	LobbyOpened(ctx context.Context, s Snapshot)
	RoundStarted(ctx context.Context, s Snapshot)
	Completed(ctx context.Context, r Result)
	Cancelled(ctx context.Context, chatID int64, reason string)
}

// Snapshot is the externally visible state of an arena.
type Snapshot struct {
	ID           string
	ChatID       int64
	Status       string
	HostID       int64
	EntryFee     int64
	Pot          int64
	Players      []int64
	MissionName  string
	Requirements map[string]int
	LobbyEndsAt  time.Time
	RoundEndsAt  time.Time
}

// PlayerResult is one participant's final standing.
type PlayerResult struct {
	UserID  int64
	Score   float64
	Perfect bool
	Payout  int64
	Answer  map[string]int
}

// Result of a completed arena.
type Result struct {
	ID           string
	ChatID       int64
	MissionName  string
	Requirements map[string]int
	Pot          int64
	Solo         bool
	Winners      []int64
	Players      []PlayerResult
	Breakdowns   map[int64]string
}

type participant struct {
	userID        int64
	holdRef       string
	joinedAt      time.Time
	answers       map[string]int
	firstAnswerAt time.Time
	limiter       *rate.Limiter
}

type arena struct {
	mu sync.Mutex

	id       string
	chatID   int64
	status   string
	hostID   int64
	entryFee int64

	players map[int64]*participant
	order   []int64 // join order

	mission      *catalog.Mission
	requirements map[string]int

	lobbyEndsAt time.Time
	roundEndsAt time.Time
	lobbyTimer  *time.Timer
	roundTimer  *time.Timer
}

func (a *arena) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:          a.id,
		ChatID:      a.chatID,
		Status:      a.status,
		HostID:      a.hostID,
		EntryFee:    a.entryFee,
		Pot:         a.entryFee * int64(len(a.players)),
		Players:     append([]int64(nil), a.order...),
		LobbyEndsAt: a.lobbyEndsAt,
		RoundEndsAt: a.roundEndsAt,
	}
	if a.mission != nil {
		s.MissionName = a.mission.Name
		s.Requirements = a.requirements
	}
	return s
}

// Manager owns all active arenas, one per chat.
type Manager struct {
	cfg       Config
	store     storage.Store
	ledger    *ledger.Ledger
	catalog   *catalog.Cache
	presenter Presenter
	bus       eventbus.Bus
	resolver  missionPicker
	log       logx.Logger

	mu     sync.Mutex
	arenas map[int64]*arena

	rndMu sync.Mutex
	rnd   *rand.Rand

	baseCtx context.Context
}

// missionPicker lets tests fix the round mission.
type missionPicker func() *catalog.Mission

func NewManager(ctx context.Context, cfg Config, store storage.Store, led *ledger.Ledger, cat *catalog.Cache, pres Presenter, bus eventbus.Bus, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.LobbyDuration <= 0 {
		cfg.LobbyDuration = time.Minute
	}
	if cfg.RoundDuration <= 0 {
		cfg.RoundDuration = time.Minute
	}
	if cfg.AnswerMinInterval <= 0 {
		cfg.AnswerMinInterval = 2 * time.Second
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		ledger:    led,
		catalog:   cat,
		presenter: pres,
		bus:       bus,
		log:       log.With(logx.String("comp", "arena")),
		arenas:    make(map[int64]*arena),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		baseCtx:   ctx,
	}
	m.resolver = m.pickMission
	return m
}

// Open creates a lobby in the chat. Fails when one is already live there.
// A positive fee overrides the configured entry fee for this arena.
func (m *Manager) Open(ctx context.Context, chatID, hostID, fee int64) (Snapshot, error) {
	if fee <= 0 {
		fee = m.cfg.EntryFee
	}
	m.mu.Lock()
	if _, ok := m.arenas[chatID]; ok {
		m.mu.Unlock()
		return Snapshot{}, ErrArenaExists
	}
	a := &arena{
		id:          uuid.NewString(),
		chatID:      chatID,
		status:      storage.ArenaLobby,
		hostID:      hostID,
		entryFee:    fee,
		players:     make(map[int64]*participant),
		lobbyEndsAt: time.Now().Add(m.cfg.LobbyDuration),
	}
	m.arenas[chatID] = a
	m.mu.Unlock()

	rec := &storage.ArenaRecord{
		ID:        a.id,
		ChatID:    chatID,
		Status:    storage.ArenaLobby,
		EntryFee:  a.entryFee,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.store.CreateArena(ctx, rec); err != nil {
		m.drop(chatID)
		return Snapshot{}, err
	}

	a.mu.Lock()
	a.lobbyTimer = time.AfterFunc(m.cfg.LobbyDuration, func() { m.lobbyExpired(a) })
	snap := a.snapshotLocked()
	a.mu.Unlock()

	m.log.Info("arena opened",
		logx.String("arena_id", a.id),
		logx.Int64("chat_id", chatID),
		logx.Int64("entry_fee", a.entryFee))
	m.presenter.LobbyOpened(ctx, snap)
	return snap, nil
}

// Join places an entry-fee hold and adds the participant to the lobby.
func (m *Manager) Join(ctx context.Context, chatID, userID int64) (Snapshot, error) {
	a := m.get(chatID)
	if a == nil {
		return Snapshot{}, ErrNoArena
	}

	a.mu.Lock()
	if a.status != storage.ArenaLobby {
		a.mu.Unlock()
		return Snapshot{}, ErrNotJoinable
	}
	if _, ok := a.players[userID]; ok {
		a.mu.Unlock()
		return Snapshot{}, ErrAlreadyJoined
	}
	a.mu.Unlock()

	// The lock table is consulted only for genuinely new entrants; a
	// repeat /join must read as "already in", not "busy elsewhere".
	locked, err := m.store.IsLocked(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	if locked {
		return Snapshot{}, ErrBusyElsewhere
	}

	ref, err := m.ledger.Hold(ctx, userID, a.entryFee)
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.store.Lock(ctx, userID, a.id); err != nil {
		_ = m.ledger.Release(ctx, ref)
		return Snapshot{}, err
	}

	now := time.Now()
	p := &participant{
		userID:   userID,
		holdRef:  ref,
		joinedAt: now,
		answers:  make(map[string]int),
		limiter:  rate.NewLimiter(rate.Every(m.cfg.AnswerMinInterval), 1),
	}

	a.mu.Lock()
	if a.status != storage.ArenaLobby {
		a.mu.Unlock()
		_ = m.store.Unlock(ctx, userID)
		_ = m.ledger.Release(ctx, ref)
		return Snapshot{}, ErrNotJoinable
	}
	a.players[userID] = p
	a.order = append(a.order, userID)
	snap := a.snapshotLocked()
	a.mu.Unlock()

	if err := m.store.AddArenaPlayer(ctx, &storage.ArenaPlayerRecord{
		ArenaID: a.id, UserID: userID, HoldRef: ref, JoinedAt: now,
	}); err != nil {
		m.log.Warn("persisting arena join failed", logx.Err(err))
	}
	m.log.Debug("arena join",
		logx.String("arena_id", a.id),
		logx.Int64("user_id", userID))
	return snap, nil
}

// Leave refunds the hold and removes the participant, lobby phase only.
func (m *Manager) Leave(ctx context.Context, chatID, userID int64) (Snapshot, error) {
	a := m.get(chatID)
	if a == nil {
		return Snapshot{}, ErrNoArena
	}

	a.mu.Lock()
	if a.status != storage.ArenaLobby {
		a.mu.Unlock()
		return Snapshot{}, ErrNotJoinable
	}
	p, ok := a.players[userID]
	if !ok {
		a.mu.Unlock()
		return Snapshot{}, ErrNotJoined
	}
	delete(a.players, userID)
	for i, id := range a.order {
		if id == userID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()

	_ = m.ledger.Release(ctx, p.holdRef)
	_ = m.store.Unlock(ctx, userID)
	if err := m.store.RemoveArenaPlayer(ctx, a.id, userID); err != nil {
		m.log.Warn("persisting arena leave failed", logx.Err(err))
	}
	return snap, nil
}

// Cancel aborts the arena and refunds everyone. Safe in any live phase.
func (m *Manager) Cancel(ctx context.Context, chatID int64, reason string) error {
	a := m.get(chatID)
	if a == nil {
		return ErrNoArena
	}
	m.cancel(ctx, a, reason)
	return nil
}

// Start ends the lobby early and begins the round. Host only, and at
// least one participant must have joined.
func (m *Manager) Start(ctx context.Context, chatID, userID int64) error {
	a := m.get(chatID)
	if a == nil {
		return ErrNoArena
	}

	a.mu.Lock()
	if a.status != storage.ArenaLobby {
		a.mu.Unlock()
		return ErrNotJoinable
	}
	if userID != a.hostID {
		a.mu.Unlock()
		return ErrNotHost
	}
	if len(a.players) == 0 {
		a.mu.Unlock()
		return ErrLobbyEmpty
	}
	if a.lobbyTimer != nil {
		a.lobbyTimer.Stop()
	}
	a.mu.Unlock()

	// lobbyExpired re-checks the phase, so a timer that fired concurrently
	// cannot start the round twice.
	m.lobbyExpired(a)
	return nil
}

// HostOf reports the host of the live arena in the chat, if any.
func (m *Manager) HostOf(chatID int64) (int64, bool) {
	a := m.get(chatID)
	if a == nil {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hostID, true
}

// SubmitAnswer accumulates a participant's parsed units during the round.
// Messages inside the per-participant rate window are dropped silently.
func (m *Manager) SubmitAnswer(ctx context.Context, chatID, userID int64, units map[string]int) error {
	a := m.get(chatID)
	if a == nil {
		return ErrNoArena
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != storage.ArenaRunning {
		return ErrNotAnswerPhase
	}
	p, ok := a.players[userID]
	if !ok {
		return ErrNotJoined
	}
	// Chatter that parses to nothing is not a submission and must not
	// consume the participant's rate token.
	if len(units) == 0 {
		return nil
	}
	if !p.limiter.Allow() {
		return nil
	}
	if p.firstAnswerAt.IsZero() {
		p.firstAnswerAt = time.Now()
	}
	for k, v := range units {
		p.answers[k] += v
	}
	return nil
}

// Snapshot returns the live state of the chat's arena, if any.
func (m *Manager) Snapshot(chatID int64) (Snapshot, bool) {
	a := m.get(chatID)
	if a == nil {
		return Snapshot{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(), true
}

// HasLive reports whether the user is in any live arena.
func (m *Manager) HasLive(chatID int64) bool {
	return m.get(chatID) != nil
}

func (m *Manager) get(chatID int64) *arena {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.arenas[chatID]
}

func (m *Manager) drop(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.arenas, chatID)
}

func (m *Manager) lobbyExpired(a *arena) {
	ctx := m.baseCtx

	a.mu.Lock()
	if a.status != storage.ArenaLobby {
		a.mu.Unlock()
		return
	}
	if len(a.players) == 0 {
		a.mu.Unlock()
		m.cancel(ctx, a, "nobody joined")
		return
	}

	mission := m.resolver()
	if mission == nil {
		a.mu.Unlock()
		m.cancel(ctx, a, "no mission available")
		return
	}
	a.mission = mission
	a.requirements = mission.UnitRequirements()
	a.status = storage.ArenaRunning
	a.roundEndsAt = time.Now().Add(m.cfg.RoundDuration)
	a.roundTimer = time.AfterFunc(m.cfg.RoundDuration, func() { m.roundExpired(a) })
	snap := a.snapshotLocked()
	a.mu.Unlock()

	if err := m.store.SetArenaStatus(ctx, a.id, storage.ArenaRunning); err != nil {
		m.log.Warn("persisting arena start failed", logx.Err(err))
	}
	m.log.Info("arena round started",
		logx.String("arena_id", a.id),
		logx.String("mission", mission.Name),
		logx.Int("players", len(snap.Players)))
	m.presenter.RoundStarted(ctx, snap)
}

func (m *Manager) roundExpired(a *arena) {
	m.resolve(m.baseCtx, a)
}

// pickMission chooses a random catalog mission that has unit requirements.
func (m *Manager) pickMission() *catalog.Mission {
	missions := m.catalog.Missions()
	if len(missions) == 0 {
		return nil
	}
	now := time.Now()
	m.rndMu.Lock()
	defer m.rndMu.Unlock()
	// A bounded number of retries; the catalog is dominated by missions
	// with requirements.
	for i := 0; i < 50; i++ {
		mi := missions[m.rnd.Intn(len(missions))]
		if len(mi.UnitRequirements()) > 0 && mi.ActiveAt(now) {
			return mi
		}
	}
	return nil
}

func (m *Manager) resolve(ctx context.Context, a *arena) {
	a.mu.Lock()
	if a.status != storage.ArenaRunning {
		a.mu.Unlock()
		return
	}
	a.status = storage.ArenaCompleted
	pot := a.entryFee * int64(len(a.players))
	solo := len(a.players) == 1

	res := Result{
		ID:           a.id,
		ChatID:       a.chatID,
		MissionName:  a.mission.Name,
		Requirements: a.requirements,
		Pot:          pot,
		Solo:         solo,
		Breakdowns:   make(map[int64]string),
	}

	type scored struct {
		p       *participant
		score   float64
		perfect bool
	}
	var (
		entries  []scored
		maxScore float64
	)
	for _, id := range a.order {
		p := a.players[id]
		score, perfect := scoring.Score(a.requirements, p.answers)
		entries = append(entries, scored{p: p, score: score, perfect: perfect})
		if score > maxScore {
			maxScore = score
		}
		res.Breakdowns[id] = scoring.Breakdown(a.requirements, p.answers)
	}
	a.mu.Unlock()

	// Entry fees are consumed now; winnings come back as payouts.
	for _, e := range entries {
		if err := m.ledger.Settle(ctx, e.p.holdRef); err != nil {
			m.log.Warn("settling hold failed",
				logx.String("ref", e.p.holdRef), logx.Err(err))
		}
	}

	var winners []scored
	if solo {
		if entries[0].perfect {
			winners = entries
		}
	} else if maxScore > 0 {
		for _, e := range entries {
			if e.score == maxScore {
				winners = append(winners, e)
			}
		}
	}

	payouts := make(map[int64]int64)
	if len(winners) > 0 {
		if solo {
			payouts[winners[0].p.userID] = 2 * a.entryFee
		} else {
			share := pot / int64(len(winners))
			remainder := pot - share*int64(len(winners))
			for _, w := range winners {
				payouts[w.p.userID] = share
			}
			// Any indivisible remainder goes to the earliest answer.
			first := winners[0]
			for _, w := range winners[1:] {
				if earlier(w.p, first.p) {
					first = w
				}
			}
			payouts[first.p.userID] += remainder
		}
	}

	for _, e := range entries {
		pr := PlayerResult{
			UserID:  e.p.userID,
			Score:   e.score,
			Perfect: e.perfect,
			Payout:  payouts[e.p.userID],
			Answer:  e.p.answers,
		}
		if pr.Payout > 0 {
			res.Winners = append(res.Winners, pr.UserID)
			if err := m.ledger.Payout(ctx, pr.UserID, pr.Payout); err != nil {
				m.log.Error("arena payout failed",
					logx.Int64("user_id", pr.UserID), logx.Err(err))
			}
		}
		res.Players = append(res.Players, pr)
		if err := m.store.SetArenaPlayerResult(ctx, a.id, pr.UserID, pr.Score, pr.Perfect, pr.Payout); err != nil {
			m.log.Warn("persisting arena result failed", logx.Err(err))
		}
		_ = m.store.Unlock(ctx, pr.UserID)
	}

	if err := m.store.SetArenaStatus(ctx, a.id, storage.ArenaCompleted); err != nil {
		m.log.Warn("persisting arena completion failed", logx.Err(err))
	}
	if err := m.store.AppendRoundHistory(ctx, &storage.RoundRecord{
		ArenaID:     a.id,
		ChatID:      a.chatID,
		MissionName: res.MissionName,
		Pot:         pot,
		Winners:     joinIDs(res.Winners),
		CompletedAt: time.Now(),
	}); err != nil {
		m.log.Warn("persisting round history failed", logx.Err(err))
	}

	m.drop(a.chatID)
	m.log.Info("arena completed",
		logx.String("arena_id", a.id),
		logx.Int64("pot", pot),
		logx.Int("winners", len(res.Winners)))
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventArenaCompleted,
		Time: time.Now(),
		Data: res,
	})
	m.presenter.Completed(ctx, res)
}

func (m *Manager) cancel(ctx context.Context, a *arena, reason string) {
	a.mu.Lock()
	if a.status != storage.ArenaLobby && a.status != storage.ArenaRunning {
		a.mu.Unlock()
		return
	}
	a.status = storage.ArenaCancelled
	if a.lobbyTimer != nil {
		a.lobbyTimer.Stop()
	}
	if a.roundTimer != nil {
		a.roundTimer.Stop()
	}
	refs := make(map[int64]string, len(a.players))
	for id, p := range a.players {
		refs[id] = p.holdRef
	}
	a.mu.Unlock()

	for id, ref := range refs {
		if err := m.ledger.Release(ctx, ref); err != nil {
			m.log.Error("refund on cancel failed",
				logx.Int64("user_id", id), logx.Err(err))
		}
		_ = m.store.Unlock(ctx, id)
	}
	if err := m.store.SetArenaStatus(ctx, a.id, storage.ArenaCancelled); err != nil {
		m.log.Warn("persisting arena cancel failed", logx.Err(err))
	}

	m.drop(a.chatID)
	m.log.Info("arena cancelled",
		logx.String("arena_id", a.id),
		logx.String("reason", reason))
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventArenaCancelled,
		Time: time.Now(),
		Data: a.id,
	})
	m.presenter.Cancelled(ctx, a.chatID, reason)
}

// Shutdown stops timers for all live arenas without refunding; recovery
// settles them on next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.arenas {
		a.mu.Lock()
		if a.lobbyTimer != nil {
			a.lobbyTimer.Stop()
		}
		if a.roundTimer != nil {
			a.roundTimer.Stop()
		}
		a.mu.Unlock()
	}
	m.arenas = make(map[int64]*arena)
}

// earlier prefers the participant who answered first; participants who never
// answered sort by join time.
func earlier(a, b *participant) bool {
	at, bt := a.firstAnswerAt, b.firstAnswerAt
	if at.IsZero() {
		at = a.joinedAt
	}
	if bt.IsZero() {
		bt = b.joinedAt
	}
	return at.Before(bt)
}

func joinIDs(ids []int64) string {
	out := ""
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, id := range sorted {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", id)
	}
	return out
}
