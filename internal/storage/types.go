package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero.
	ErrInsufficientFunds = errors.New("storage: insufficient funds")
)

// Mission instance statuses.
const (
	MissionPending   = "pending"
	MissionCompleted = "completed"
	MissionTimedOut  = "timed_out"
	MissionCancelled = "cancelled"
)

// Arena statuses.
const (
	ArenaLobby     = "lobby"
	ArenaRunning   = "running"
	ArenaCompleted = "completed"
	ArenaCancelled = "cancelled"
)

// LeaderboardOrder selects the ranking used by Leaderboard.
type LeaderboardOrder string

const (
	OrderLevel    LeaderboardOrder = "level"
	OrderCredits  LeaderboardOrder = "credits"
	OrderStreak   LeaderboardOrder = "streak"
	OrderMissions LeaderboardOrder = "missions"
	OrderWinRate  LeaderboardOrder = "winrate"
)

// Player is the persistent per-participant record. All mutable fields are
// written back wholesale via SavePlayer.
type Player struct {
	UserID    int64
	Level     int
	XP        int64
	Credits   int64
	Active    bool
	Response  int
	Tactics   int
	Logistics int
	Medical   int
	Command   int
	Morale    int
	Streak    int

	TotalMissions      int
	SuccessfulMissions int
	FailedMissions     int
	IgnoredMissions    int

	LastMissionAt time.Time
	CooldownUntil time.Time
	ThreadID      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stat returns the named stat value. Unknown names return 0.
func (p *Player) Stat(name string) int {
	switch name {
	case "response":
		return p.Response
	case "tactics":
		return p.Tactics
	case "logistics":
		return p.Logistics
	case "medical":
		return p.Medical
	case "command":
		return p.Command
	}
	return 0
}

// AddStat bumps the named stat by delta.
func (p *Player) AddStat(name string, delta int) {
	switch name {
	case "response":
		p.Response += delta
	case "tactics":
		p.Tactics += delta
	case "logistics":
		p.Logistics += delta
	case "medical":
		p.Medical += delta
	case "command":
		p.Command += delta
	}
}

// MissionInstance is an assigned mission awaiting a response.
type MissionInstance struct {
	ID          int64
	UserID      int64
	MissionID   int64
	MissionName string
	MissionData string // catalog entry JSON, kept for recovery
	Tier        int
	Difficulty  int
	Status      string
	AssignedAt  time.Time
	ExpiresAt   time.Time
	Stage       int
	MaxStage    int
	MessageID   int
}

// HistoryEntry records a resolved mission for stats and leaderboards.
type HistoryEntry struct {
	ID           int64
	UserID       int64
	MissionID    int64
	MissionName  string
	Tier         int
	Outcome      string
	Credits      int64
	XP           int64
	MoraleChange int
	CompletedAt  time.Time
}

// TrainingSession is an in-progress stat training run.
type TrainingSession struct {
	ID          int64
	UserID      int64
	Stat        string
	StartedAt   time.Time
	CompletesAt time.Time
	Done        bool
}

// ArenaRecord is the persistent state of one arena round.
type ArenaRecord struct {
	ID        string
	ChatID    int64
	Status    string
	EntryFee  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ArenaPlayerRecord ties a participant and their entry-fee hold to an arena.
type ArenaPlayerRecord struct {
	ArenaID  string
	UserID   int64
	HoldRef  string
	JoinedAt time.Time
	Score    float64
	Perfect  bool
	Payout   int64
}

// RoundRecord is one completed arena round for history.
type RoundRecord struct {
	ID          int64
	ArenaID     string
	ChatID      int64
	MissionName string
	Pot         int64
	Winners     string // comma-separated user IDs
	CompletedAt time.Time
}

// Hold is a reserved amount of credits pending settlement.
type Hold struct {
	Ref       string
	UserID    int64
	Amount    int64
	Released  bool
	CreatedAt time.Time
}

// AccessLock marks a participant as busy in an arena; the mission pipeline
// skips locked participants.
type AccessLock struct {
	UserID   int64
	ArenaID  string
	LockedAt time.Time
}
