// Package storage owns the sqlite database. It is the only package that
// touches SQL; everything above it works with the record types in types.go.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dispatchbot/pkg/logx"
)

// Store is the persistence surface the rest of the bot depends on.
type Store interface {
	// Players.
	GetPlayer(ctx context.Context, userID int64) (*Player, error)
	CreatePlayer(ctx context.Context, userID int64) (*Player, error)
	SavePlayer(ctx context.Context, p *Player) error
	ListActivePlayers(ctx context.Context) ([]*Player, error)
	Leaderboard(ctx context.Context, order LeaderboardOrder, limit int) ([]*Player, error)

	// Mission instances.
	CreateMission(ctx context.Context, m *MissionInstance) (int64, error)
	ActiveMissionFor(ctx context.Context, userID int64) (*MissionInstance, error)
	MissionByID(ctx context.Context, id int64) (*MissionInstance, error)
	UpdateMissionStage(ctx context.Context, id int64, stage int, expiresAt time.Time) error
	SetMissionMessage(ctx context.Context, id int64, messageID int) error
	SetMissionStatus(ctx context.Context, id int64, status string) error
	ListExpiredPending(ctx context.Context, now time.Time) ([]*MissionInstance, error)
	ListPendingMissions(ctx context.Context) ([]*MissionInstance, error)
	AppendMissionHistory(ctx context.Context, h *HistoryEntry) error
	MissionStats(ctx context.Context, userID int64) (total, wins int, err error)

	// Training.
	StartTraining(ctx context.Context, t *TrainingSession) (int64, error)
	ActiveTrainingFor(ctx context.Context, userID int64) (*TrainingSession, error)
	ListDueTraining(ctx context.Context, now time.Time) ([]*TrainingSession, error)
	FinishTraining(ctx context.Context, id int64) error

	// Credits and holds.
	AdjustCredits(ctx context.Context, userID int64, delta int64) (int64, error)
	CreateHold(ctx context.Context, userID int64, amount int64, ref string) error
	ReleaseHold(ctx context.Context, ref string) (released bool, err error)
	SettleHold(ctx context.Context, ref string) (settled bool, err error)
	HoldByRef(ctx context.Context, ref string) (*Hold, error)

	// Arenas.
	CreateArena(ctx context.Context, a *ArenaRecord) error
	ArenaByID(ctx context.Context, id string) (*ArenaRecord, error)
	SetArenaStatus(ctx context.Context, id, status string) error
	ListArenasInStatus(ctx context.Context, statuses ...string) ([]*ArenaRecord, error)
	AddArenaPlayer(ctx context.Context, ap *ArenaPlayerRecord) error
	RemoveArenaPlayer(ctx context.Context, arenaID string, userID int64) error
	ListArenaPlayers(ctx context.Context, arenaID string) ([]*ArenaPlayerRecord, error)
	SetArenaPlayerResult(ctx context.Context, arenaID string, userID int64, score float64, perfect bool, payout int64) error
	AppendRoundHistory(ctx context.Context, r *RoundRecord) error

	// Access locks.
	Lock(ctx context.Context, userID int64, arenaID string) error
	Unlock(ctx context.Context, userID int64) error
	UnlockArena(ctx context.Context, arenaID string) error
	IsLocked(ctx context.Context, userID int64) (bool, error)

	// Catalog cache and misc KV.
	SaveCatalog(ctx context.Context, entries map[int64]string) error
	LoadCatalog(ctx context.Context) (map[int64]string, error)
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error

	Close() error
}

// Config for opening the database.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the sqlite database at cfg.Path and applies
// the embedded schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Debug("storage opened", logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log.With(logx.String("comp", "storage"))}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339Nano

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func tsOpt(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ts(t), Valid: true}
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTSOpt(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTS(s.String)
}

// --- players ---

const playerCols = `user_id, level, xp, credits, active,
	stat_response, stat_tactics, stat_logistics, stat_medical, stat_command,
	morale, streak, total_missions, successful_missions, failed_missions,
	ignored_missions, last_mission_at, cooldown_until, thread_id,
	created_at, updated_at`

func scanPlayer(row interface{ Scan(...any) error }) (*Player, error) {
	var (
		p              Player
		active         int
		lastMission    sql.NullString
		cooldownUntil  sql.NullString
		created, upd   string
	)
	err := row.Scan(&p.UserID, &p.Level, &p.XP, &p.Credits, &active,
		&p.Response, &p.Tactics, &p.Logistics, &p.Medical, &p.Command,
		&p.Morale, &p.Streak, &p.TotalMissions, &p.SuccessfulMissions,
		&p.FailedMissions, &p.IgnoredMissions, &lastMission, &cooldownUntil,
		&p.ThreadID, &created, &upd)
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	p.LastMissionAt = parseTSOpt(lastMission)
	p.CooldownUntil = parseTSOpt(cooldownUntil)
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(upd)
	return &p, nil
}

func (s *sqliteStore) GetPlayer(ctx context.Context, userID int64) (*Player, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+playerCols+` FROM players WHERE user_id = ?`, userID)
	p, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get player %d: %w", userID, err)
	}
	return p, nil
}

func (s *sqliteStore) CreatePlayer(ctx context.Context, userID int64) (*Player, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (user_id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, ts(now), ts(now))
	if err != nil {
		return nil, fmt.Errorf("create player %d: %w", userID, err)
	}
	return s.GetPlayer(ctx, userID)
}

func (s *sqliteStore) SavePlayer(ctx context.Context, p *Player) error {
	p.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE players SET level=?, xp=?, credits=?, active=?,
			stat_response=?, stat_tactics=?, stat_logistics=?, stat_medical=?,
			stat_command=?, morale=?, streak=?, total_missions=?,
			successful_missions=?, failed_missions=?, ignored_missions=?,
			last_mission_at=?, cooldown_until=?, thread_id=?, updated_at=?
		 WHERE user_id=?`,
		p.Level, p.XP, p.Credits, boolInt(p.Active),
		p.Response, p.Tactics, p.Logistics, p.Medical, p.Command,
		p.Morale, p.Streak, p.TotalMissions, p.SuccessfulMissions,
		p.FailedMissions, p.IgnoredMissions,
		tsOpt(p.LastMissionAt), tsOpt(p.CooldownUntil), p.ThreadID,
		ts(p.UpdatedAt), p.UserID)
	if err != nil {
		return fmt.Errorf("save player %d: %w", p.UserID, err)
	}
	return nil
}

func (s *sqliteStore) ListActivePlayers(ctx context.Context) ([]*Player, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+playerCols+` FROM players WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active players: %w", err)
	}
	defer rows.Close()
	var out []*Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// leaderboardOrders maps a ranking to its ORDER BY clause. Keys double as
// the accepted /top categories.
var leaderboardOrders = map[LeaderboardOrder]string{
	OrderLevel:    `level DESC, xp DESC, credits DESC`,
	OrderCredits:  `credits DESC, level DESC`,
	OrderStreak:   `streak DESC, successful_missions DESC`,
	OrderMissions: `total_missions DESC, successful_missions DESC`,
	OrderWinRate: `CASE WHEN total_missions > 0
		THEN CAST(successful_missions AS REAL) / total_missions
		ELSE 0 END DESC, total_missions DESC`,
}

func (s *sqliteStore) Leaderboard(ctx context.Context, order LeaderboardOrder, limit int) ([]*Player, error) {
	if limit <= 0 {
		limit = 10
	}
	clause, ok := leaderboardOrders[order]
	if !ok {
		clause = leaderboardOrders[OrderLevel]
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+playerCols+` FROM players
		 ORDER BY `+clause+` LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()
	var out []*Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- mission instances ---

const missionCols = `id, user_id, mission_id, mission_name, mission_data,
	tier, difficulty, status, assigned_at, expires_at, stage, max_stage, message_id`

func scanMission(row interface{ Scan(...any) error }) (*MissionInstance, error) {
	var (
		m                MissionInstance
		assigned, expiry string
	)
	err := row.Scan(&m.ID, &m.UserID, &m.MissionID, &m.MissionName,
		&m.MissionData, &m.Tier, &m.Difficulty, &m.Status,
		&assigned, &expiry, &m.Stage, &m.MaxStage, &m.MessageID)
	if err != nil {
		return nil, err
	}
	m.AssignedAt = parseTS(assigned)
	m.ExpiresAt = parseTS(expiry)
	return &m, nil
}

func (s *sqliteStore) CreateMission(ctx context.Context, m *MissionInstance) (int64, error) {
	if m.Status == "" {
		m.Status = MissionPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO missions_active (user_id, mission_id, mission_name,
			mission_data, tier, difficulty, status, assigned_at, expires_at,
			stage, max_stage, message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.MissionID, m.MissionName, m.MissionData, m.Tier,
		m.Difficulty, m.Status, ts(m.AssignedAt), ts(m.ExpiresAt),
		m.Stage, m.MaxStage, m.MessageID)
	if err != nil {
		return 0, fmt.Errorf("create mission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

func (s *sqliteStore) ActiveMissionFor(ctx context.Context, userID int64) (*MissionInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+missionCols+` FROM missions_active
		 WHERE user_id = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		userID, MissionPending)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active mission for %d: %w", userID, err)
	}
	return m, nil
}

func (s *sqliteStore) MissionByID(ctx context.Context, id int64) (*MissionInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+missionCols+` FROM missions_active WHERE id = ?`, id)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mission %d: %w", id, err)
	}
	return m, nil
}

func (s *sqliteStore) UpdateMissionStage(ctx context.Context, id int64, stage int, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE missions_active SET stage = ?, expires_at = ? WHERE id = ?`,
		stage, ts(expiresAt), id)
	if err != nil {
		return fmt.Errorf("update mission %d stage: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) SetMissionMessage(ctx context.Context, id int64, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE missions_active SET message_id = ? WHERE id = ?`, messageID, id)
	if err != nil {
		return fmt.Errorf("set mission %d message: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) SetMissionStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE missions_active SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set mission %d status: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) ListExpiredPending(ctx context.Context, now time.Time) ([]*MissionInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+missionCols+` FROM missions_active
		 WHERE status = ? AND expires_at <= ?`, MissionPending, ts(now))
	if err != nil {
		return nil, fmt.Errorf("list expired missions: %w", err)
	}
	defer rows.Close()
	return collectMissions(rows)
}

func (s *sqliteStore) ListPendingMissions(ctx context.Context) ([]*MissionInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+missionCols+` FROM missions_active WHERE status = ?`,
		MissionPending)
	if err != nil {
		return nil, fmt.Errorf("list pending missions: %w", err)
	}
	defer rows.Close()
	return collectMissions(rows)
}

func collectMissions(rows *sql.Rows) ([]*MissionInstance, error) {
	var out []*MissionInstance
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendMissionHistory(ctx context.Context, h *HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mission_history (user_id, mission_id, mission_name, tier,
			outcome, credits, xp, morale_change, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.UserID, h.MissionID, h.MissionName, h.Tier, h.Outcome,
		h.Credits, h.XP, h.MoraleChange, ts(h.CompletedAt))
	if err != nil {
		return fmt.Errorf("append mission history: %w", err)
	}
	return nil
}

func (s *sqliteStore) MissionStats(ctx context.Context, userID int64) (int, int, error) {
	var total, wins int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(outcome = 'success'), 0)
		 FROM mission_history WHERE user_id = ?`, userID).Scan(&total, &wins)
	if err != nil {
		return 0, 0, fmt.Errorf("mission stats for %d: %w", userID, err)
	}
	return total, wins, nil
}

// --- training ---

func (s *sqliteStore) StartTraining(ctx context.Context, t *TrainingSession) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO training (user_id, stat, started_at, completes_at, done)
		 VALUES (?, ?, ?, ?, 0)`,
		t.UserID, t.Stat, ts(t.StartedAt), ts(t.CompletesAt))
	if err != nil {
		return 0, fmt.Errorf("start training: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

func scanTraining(row interface{ Scan(...any) error }) (*TrainingSession, error) {
	var (
		t              TrainingSession
		started, compl string
		done           int
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Stat, &started, &compl, &done); err != nil {
		return nil, err
	}
	t.StartedAt = parseTS(started)
	t.CompletesAt = parseTS(compl)
	t.Done = done != 0
	return &t, nil
}

func (s *sqliteStore) ActiveTrainingFor(ctx context.Context, userID int64) (*TrainingSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, stat, started_at, completes_at, done
		 FROM training WHERE user_id = ? AND done = 0 LIMIT 1`, userID)
	t, err := scanTraining(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active training for %d: %w", userID, err)
	}
	return t, nil
}

func (s *sqliteStore) ListDueTraining(ctx context.Context, now time.Time) ([]*TrainingSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, stat, started_at, completes_at, done
		 FROM training WHERE done = 0 AND completes_at <= ?`, ts(now))
	if err != nil {
		return nil, fmt.Errorf("list due training: %w", err)
	}
	defer rows.Close()
	var out []*TrainingSession
	for rows.Next() {
		t, err := scanTraining(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FinishTraining(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE training SET done = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("finish training %d: %w", id, err)
	}
	return nil
}

// --- credits and holds ---

func (s *sqliteStore) AdjustCredits(ctx context.Context, userID int64, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("adjust credits: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT credits FROM players WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjust credits: %w", err)
	}
	next := balance + delta
	if next < 0 {
		return balance, ErrInsufficientFunds
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE players SET credits = ?, updated_at = ? WHERE user_id = ?`,
		next, ts(time.Now()), userID)
	if err != nil {
		return 0, fmt.Errorf("adjust credits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("adjust credits: %w", err)
	}
	return next, nil
}

func (s *sqliteStore) CreateHold(ctx context.Context, userID int64, amount int64, ref string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create hold: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT credits FROM players WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("create hold: %w", err)
	}
	if balance < amount {
		return ErrInsufficientFunds
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE players SET credits = credits - ?, updated_at = ? WHERE user_id = ?`,
		amount, ts(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("create hold: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO holds (ref, user_id, amount, released, created_at)
		 VALUES (?, ?, ?, 0, ?)`, ref, userID, amount, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("create hold: %w", err)
	}
	return tx.Commit()
}

// ReleaseHold refunds a hold to its owner. Returns false when the hold was
// already released or settled, which makes retries safe.
func (s *sqliteStore) ReleaseHold(ctx context.Context, ref string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}
	defer tx.Rollback()

	var (
		userID, amount int64
		released       int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, amount, released FROM holds WHERE ref = ?`, ref).
		Scan(&userID, &amount, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}
	if released != 0 {
		return false, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE holds SET released = 1 WHERE ref = ?`, ref)
	if err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE players SET credits = credits + ?, updated_at = ? WHERE user_id = ?`,
		amount, ts(time.Now()), userID)
	if err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}
	return true, nil
}

// SettleHold consumes a hold without refunding it; the amount has moved into
// an arena pot.
func (s *sqliteStore) SettleHold(ctx context.Context, ref string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE holds SET released = 1 WHERE ref = ? AND released = 0`, ref)
	if err != nil {
		return false, fmt.Errorf("settle hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) HoldByRef(ctx context.Context, ref string) (*Hold, error) {
	var (
		h        Hold
		released int
		created  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, user_id, amount, released, created_at FROM holds WHERE ref = ?`,
		ref).Scan(&h.Ref, &h.UserID, &h.Amount, &released, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hold %s: %w", ref, err)
	}
	h.Released = released != 0
	h.CreatedAt = parseTS(created)
	return &h, nil
}

// --- arenas ---

func (s *sqliteStore) CreateArena(ctx context.Context, a *ArenaRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO arenas (id, chat_id, status, entry_fee, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ChatID, a.Status, a.EntryFee, ts(a.CreatedAt), ts(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create arena: %w", err)
	}
	return nil
}

func scanArena(row interface{ Scan(...any) error }) (*ArenaRecord, error) {
	var (
		a            ArenaRecord
		created, upd string
	)
	if err := row.Scan(&a.ID, &a.ChatID, &a.Status, &a.EntryFee, &created, &upd); err != nil {
		return nil, err
	}
	a.CreatedAt = parseTS(created)
	a.UpdatedAt = parseTS(upd)
	return &a, nil
}

func (s *sqliteStore) ArenaByID(ctx context.Context, id string) (*ArenaRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, status, entry_fee, created_at, updated_at
		 FROM arenas WHERE id = ?`, id)
	a, err := scanArena(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("arena %s: %w", id, err)
	}
	return a, nil
}

func (s *sqliteStore) SetArenaStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE arenas SET status = ?, updated_at = ? WHERE id = ?`,
		status, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set arena %s status: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) ListArenasInStatus(ctx context.Context, statuses ...string) ([]*ArenaRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT id, chat_id, status, entry_fee, created_at, updated_at
		 FROM arenas WHERE status IN (?` // one placeholder per status below
	args := make([]any, 0, len(statuses))
	args = append(args, statuses[0])
	for _, st := range statuses[1:] {
		q += ", ?"
		args = append(args, st)
	}
	q += ")"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list arenas: %w", err)
	}
	defer rows.Close()
	var out []*ArenaRecord
	for rows.Next() {
		a, err := scanArena(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddArenaPlayer(ctx context.Context, ap *ArenaPlayerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO arena_players (arena_id, user_id, hold_ref, joined_at,
			score, perfect, payout)
		 VALUES (?, ?, ?, ?, 0, 0, 0)`,
		ap.ArenaID, ap.UserID, ap.HoldRef, ts(ap.JoinedAt))
	if err != nil {
		return fmt.Errorf("add arena player: %w", err)
	}
	return nil
}

func (s *sqliteStore) RemoveArenaPlayer(ctx context.Context, arenaID string, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM arena_players WHERE arena_id = ? AND user_id = ?`,
		arenaID, userID)
	if err != nil {
		return fmt.Errorf("remove arena player: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListArenaPlayers(ctx context.Context, arenaID string) ([]*ArenaPlayerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT arena_id, user_id, hold_ref, joined_at, score, perfect, payout
		 FROM arena_players WHERE arena_id = ? ORDER BY joined_at`, arenaID)
	if err != nil {
		return nil, fmt.Errorf("list arena players: %w", err)
	}
	defer rows.Close()
	var out []*ArenaPlayerRecord
	for rows.Next() {
		var (
			ap      ArenaPlayerRecord
			joined  string
			perfect int
		)
		if err := rows.Scan(&ap.ArenaID, &ap.UserID, &ap.HoldRef, &joined,
			&ap.Score, &perfect, &ap.Payout); err != nil {
			return nil, err
		}
		ap.JoinedAt = parseTS(joined)
		ap.Perfect = perfect != 0
		out = append(out, &ap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetArenaPlayerResult(ctx context.Context, arenaID string, userID int64, score float64, perfect bool, payout int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE arena_players SET score = ?, perfect = ?, payout = ?
		 WHERE arena_id = ? AND user_id = ?`,
		score, boolInt(perfect), payout, arenaID, userID)
	if err != nil {
		return fmt.Errorf("set arena player result: %w", err)
	}
	return nil
}

func (s *sqliteStore) AppendRoundHistory(ctx context.Context, r *RoundRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO round_history (arena_id, chat_id, mission_name, pot,
			winners, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ArenaID, r.ChatID, r.MissionName, r.Pot, r.Winners, ts(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("append round history: %w", err)
	}
	return nil
}

// --- access locks ---

func (s *sqliteStore) Lock(ctx context.Context, userID int64, arenaID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_locks (user_id, arena_id, locked_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET arena_id = excluded.arena_id,
			locked_at = excluded.locked_at`,
		userID, arenaID, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("lock %d: %w", userID, err)
	}
	return nil
}

func (s *sqliteStore) Unlock(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM access_locks WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("unlock %d: %w", userID, err)
	}
	return nil
}

func (s *sqliteStore) UnlockArena(ctx context.Context, arenaID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM access_locks WHERE arena_id = ?`, arenaID)
	if err != nil {
		return fmt.Errorf("unlock arena %s: %w", arenaID, err)
	}
	return nil
}

func (s *sqliteStore) IsLocked(ctx context.Context, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_locks WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is locked %d: %w", userID, err)
	}
	return n > 0, nil
}

// --- catalog cache and KV ---

func (s *sqliteStore) SaveCatalog(ctx context.Context, entries map[int64]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_cache`); err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	now := ts(time.Now())
	for id, data := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_cache (mission_id, data, cached_at) VALUES (?, ?, ?)`,
			id, data, now)
		if err != nil {
			return fmt.Errorf("save catalog: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadCatalog(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mission_id, data FROM catalog_cache`)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

func (s *sqliteStore) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
