package arena

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dispatchbot/internal/catalog"
	"dispatchbot/internal/eventbus"
	"dispatchbot/internal/ledger"
	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

type recordingPresenter struct {
	mu        sync.Mutex
	completed []Result
	cancelled []string
}

func (p *recordingPresenter) LobbyOpened(context.Context, Snapshot) {}
func (p *recordingPresenter) RoundStarted(context.Context, Snapshot) {
}
func (p *recordingPresenter) Completed(_ context.Context, r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, r)
}
func (p *recordingPresenter) Cancelled(_ context.Context, _ int64, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, reason)
}

func (p *recordingPresenter) lastResult(t *testing.T) Result {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.completed) == 0 {
		t.Fatal("no completed arena recorded")
	}
	return p.completed[len(p.completed)-1]
}

func testMission() *catalog.Mission {
	avg := int64(450)
	return &catalog.Mission{
		ID:             1,
		Name:           "Kitchen Fire",
		AverageCredits: &avg,
		Requirements:   catalog.UnitCounts{"firetrucks": 2, "battalion_chief_vehicles": 1},
	}
}

type harness struct {
	m     *Manager
	store storage.Store
	led   *ledger.Ledger
	pres  *recordingPresenter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{
		Path: filepath.Join(t.TempDir(), "arena.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	led := ledger.New(store, logx.Nop())
	pres := &recordingPresenter{}
	// Long phase durations keep the real timers out of the way; phase
	// transitions are driven by hand.
	m := NewManager(ctx, Config{
		EntryFee:      100,
		LobbyDuration: time.Hour,
		RoundDuration: time.Hour,
	}, store, led, nil, pres, eventbus.New(), logx.Nop())
	m.resolver = testMission
	return &harness{m: m, store: store, led: led, pres: pres}
}

func (h *harness) addPlayer(t *testing.T, userID, credits int64) {
	t.Helper()
	ctx := context.Background()
	p, err := h.store.CreatePlayer(ctx, userID)
	if err != nil {
		t.Fatalf("create player: %v", err)
	}
	p.Credits = credits
	if err := h.store.SavePlayer(ctx, p); err != nil {
		t.Fatalf("save player: %v", err)
	}
}

func (h *harness) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := h.led.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (h *harness) startRound(t *testing.T, chatID int64) *arena {
	t.Helper()
	a := h.m.get(chatID)
	if a == nil {
		t.Fatal("no arena registered")
	}
	h.m.lobbyExpired(a)
	if a.status != storage.ArenaRunning {
		t.Fatalf("arena status = %s after lobby", a.status)
	}
	return a
}

func TestJoinHoldsEntryFee(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Open(ctx, 10, 1, 0); !errors.Is(err, ErrArenaExists) {
		t.Fatalf("second open err = %v", err)
	}

	if _, err := h.m.Join(ctx, 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := h.balance(t, 1); got != 400 {
		t.Fatalf("balance after join = %d, want 400", got)
	}
	if _, err := h.m.Join(ctx, 10, 1); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("double join err = %v", err)
	}
}

func TestJoinInsufficientFunds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 50)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Join(ctx, 10, 1); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("join err = %v", err)
	}
	if got := h.balance(t, 1); got != 50 {
		t.Fatalf("balance must be untouched, got %d", got)
	}
}

func TestLeaveRefunds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Join(ctx, 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := h.m.Leave(ctx, 10, 1); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := h.balance(t, 1); got != 500 {
		t.Fatalf("balance after leave = %d, want 500", got)
	}
	if _, err := h.m.Leave(ctx, 10, 1); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("second leave err = %v", err)
	}
}

func TestSoloPerfectPaysDouble(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Join(ctx, 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	a := h.startRound(t, 10)

	if err := h.m.SubmitAnswer(ctx, 10, 1, map[string]int{
		"firetrucks": 2, "battalion_chief_vehicles": 1,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.m.resolve(ctx, a)

	res := h.pres.lastResult(t)
	if !res.Solo || len(res.Winners) != 1 {
		t.Fatalf("result: solo=%v winners=%v", res.Solo, res.Winners)
	}
	// 500 - 100 fee + 200 payout.
	if got := h.balance(t, 1); got != 600 {
		t.Fatalf("balance = %d, want 600", got)
	}
}

func TestSoloImperfectForfeitsFee(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Join(ctx, 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	a := h.startRound(t, 10)

	if err := h.m.SubmitAnswer(ctx, 10, 1, map[string]int{"firetrucks": 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.m.resolve(ctx, a)

	res := h.pres.lastResult(t)
	if len(res.Winners) != 0 {
		t.Fatalf("imperfect solo must not win: %v", res.Winners)
	}
	if got := h.balance(t, 1); got != 400 {
		t.Fatalf("balance = %d, want 400", got)
	}
}

func TestMultiplayerWinnerTakesPot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)
	h.addPlayer(t, 2, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []int64{1, 2} {
		if _, err := h.m.Join(ctx, 10, id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	a := h.startRound(t, 10)

	if err := h.m.SubmitAnswer(ctx, 10, 1, map[string]int{
		"firetrucks": 2, "battalion_chief_vehicles": 1,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.m.SubmitAnswer(ctx, 10, 2, map[string]int{"firetrucks": 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.m.resolve(ctx, a)

	res := h.pres.lastResult(t)
	if len(res.Winners) != 1 || res.Winners[0] != 1 {
		t.Fatalf("winners = %v", res.Winners)
	}
	if res.Pot != 200 {
		t.Fatalf("pot = %d, want 200", res.Pot)
	}
	// Winner: 500 - 100 + 200. Loser: 500 - 100.
	if got := h.balance(t, 1); got != 600 {
		t.Fatalf("winner balance = %d, want 600", got)
	}
	if got := h.balance(t, 2); got != 400 {
		t.Fatalf("loser balance = %d, want 400", got)
	}
}

func TestTieSplitsPot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 1500)
	h.addPlayer(t, 2, 1500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []int64{1, 2} {
		if _, err := h.m.Join(ctx, 10, id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	a := h.startRound(t, 10)

	answer := map[string]int{"firetrucks": 2, "battalion_chief_vehicles": 1}
	for _, id := range []int64{1, 2} {
		if err := h.m.SubmitAnswer(ctx, 10, id, answer); err != nil {
			t.Fatalf("submit %d: %v", id, err)
		}
	}
	h.m.resolve(ctx, a)

	res := h.pres.lastResult(t)
	if len(res.Winners) != 2 {
		t.Fatalf("winners = %v, want both", res.Winners)
	}
	var total int64
	for _, pr := range res.Players {
		total += pr.Payout
	}
	if total != res.Pot {
		t.Fatalf("payouts sum to %d, pot is %d", total, res.Pot)
	}
}

func TestZeroScoresForfeitPot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)
	h.addPlayer(t, 2, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []int64{1, 2} {
		if _, err := h.m.Join(ctx, 10, id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	a := h.startRound(t, 10)
	h.m.resolve(ctx, a)

	res := h.pres.lastResult(t)
	if len(res.Winners) != 0 {
		t.Fatalf("winners = %v, want none", res.Winners)
	}
	if h.balance(t, 1) != 400 || h.balance(t, 2) != 400 {
		t.Fatal("fees must be consumed when nobody scores")
	}
}

func TestCancelRefundsEveryone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)
	h.addPlayer(t, 2, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []int64{1, 2} {
		if _, err := h.m.Join(ctx, 10, id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	if err := h.m.Cancel(ctx, 10, "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if h.balance(t, 1) != 500 || h.balance(t, 2) != 500 {
		t.Fatal("cancel must refund all entry fees")
	}
	if h.m.HasLive(10) {
		t.Fatal("cancelled arena must be dropped")
	}
	locked, err := h.store.IsLocked(ctx, 1)
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if locked {
		t.Fatal("cancel must release arena locks")
	}
}

func TestAnswersOutsideRoundRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Join(ctx, 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	err := h.m.SubmitAnswer(ctx, 10, 1, map[string]int{"firetrucks": 1})
	if !errors.Is(err, ErrNotAnswerPhase) {
		t.Fatalf("lobby submit err = %v", err)
	}
}

func TestRateLimitDropsRapidAnswers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Join(ctx, 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	a := h.startRound(t, 10)

	if err := h.m.SubmitAnswer(ctx, 10, 1, map[string]int{"firetrucks": 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Immediately after, the limiter must swallow the second message.
	if err := h.m.SubmitAnswer(ctx, 10, 1, map[string]int{"firetrucks": 5}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	a.mu.Lock()
	got := a.players[1].answers["firetrucks"]
	a.mu.Unlock()
	if got != 1 {
		t.Fatalf("answers = %d, want the rapid second message dropped", got)
	}
}

func TestJoinWhileLockedElsewhere(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)
	if err := h.store.Lock(ctx, 1, "other-arena"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Join(ctx, 10, 1); !errors.Is(err, ErrBusyElsewhere) {
		t.Fatalf("join err = %v, want busy elsewhere", err)
	}
	if got := h.balance(t, 1); got != 500 {
		t.Fatalf("balance = %d, want untouched 500", got)
	}
}

func TestEmptyAnswerDoesNotConsumeRateToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.m.Join(ctx, 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	a := h.startRound(t, 10)

	// Chatter with no recognizable units, then a real answer right behind it.
	if err := h.m.SubmitAnswer(ctx, 10, 1, map[string]int{}); err != nil {
		t.Fatalf("empty submit: %v", err)
	}
	if err := h.m.SubmitAnswer(ctx, 10, 1, map[string]int{"firetrucks": 2}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	a.mu.Lock()
	got := a.players[1].answers["firetrucks"]
	a.mu.Unlock()
	if got != 2 {
		t.Fatalf("answers = %d, want 2; chatter must not eat the rate token", got)
	}
}

func TestHostStartsRoundEarly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)
	h.addPlayer(t, 2, 500)

	if _, err := h.m.Open(ctx, 10, 1, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.m.Start(ctx, 10, 1); !errors.Is(err, ErrLobbyEmpty) {
		t.Fatalf("start with empty lobby err = %v", err)
	}
	for _, id := range []int64{1, 2} {
		if _, err := h.m.Join(ctx, 10, id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	if err := h.m.Start(ctx, 10, 2); !errors.Is(err, ErrNotHost) {
		t.Fatalf("non-host start err = %v", err)
	}
	if err := h.m.Start(ctx, 10, 1); err != nil {
		t.Fatalf("host start: %v", err)
	}

	a := h.m.get(10)
	a.mu.Lock()
	status := a.status
	a.mu.Unlock()
	if status != storage.ArenaRunning {
		t.Fatalf("status = %s, want running", status)
	}
	if err := h.m.Start(ctx, 10, 1); !errors.Is(err, ErrNotJoinable) {
		t.Fatalf("second start err = %v", err)
	}
}

func TestOpenWithCustomFee(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.addPlayer(t, 1, 500)

	snap, err := h.m.Open(ctx, 10, 1, 250)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if snap.EntryFee != 250 {
		t.Fatalf("entry fee = %d, want 250", snap.EntryFee)
	}
	if snap.HostID != 1 {
		t.Fatalf("host = %d, want 1", snap.HostID)
	}
	if _, err := h.m.Join(ctx, 10, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := h.balance(t, 1); got != 250 {
		t.Fatalf("balance = %d, want 250 after the custom fee hold", got)
	}
}
