package api

import (
	"errors"
	"time"

	"cupid/lifecycle"
	"cupid/storage"
	"cupid/votes"
)

// Operations accepted on the wire. One JSON request per line, one JSON
// response per line; subscribe switches the connection to an event stream.
const (
	OpSpin           = "spin"
	OpLeaveQueue     = "leave_queue"
	OpAck            = "ack"
	OpRevealComplete = "reveal_complete"
	OpVote           = "vote"
	OpHeartbeat      = "heartbeat"
	OpLeave          = "leave"
	OpStatus         = "status"
	OpSubscribe      = "subscribe"
)

// Request is one client command.
type Request struct {
	Op      string   `json:"op"`
	PID     uint64   `json:"pid"`
	MatchID uint64   `json:"match_id,omitempty"`
	Vote    string   `json:"vote,omitempty"`
	PIDs    []uint64 `json:"pids,omitempty"` // subscribe filter, empty = all
}

// MatchView is the client-facing projection of a match record.
type MatchView struct {
	ID            uint64    `json:"id"`
	Partner       uint64    `json:"partner"`
	Status        string    `json:"status"`
	Tier          int       `json:"tier"`
	CreatedAt     time.Time `json:"created_at"`
	VoteExpiresAt time.Time `json:"vote_expires_at,omitempty"`
	Acked         bool      `json:"acked"`
	Revealed      bool      `json:"revealed"`
	Outcome       string    `json:"outcome,omitempty"`
}

// QueueView is the client-facing projection of a queue entry.
type QueueView struct {
	JoinedAt time.Time `json:"joined_at"`
	WaitMs   int64     `json:"wait_ms"`
	Fairness float64   `json:"fairness"`
	Stage    int       `json:"stage"`
	Skips    int       `json:"skips"`
}

// Response is the reply to one request.
type Response struct {
	OK      bool       `json:"ok"`
	Code    string     `json:"code,omitempty"`
	Error   string     `json:"error,omitempty"`
	State   string     `json:"state,omitempty"`
	Match   *MatchView `json:"match,omitempty"`
	Outcome string     `json:"outcome,omitempty"`
	Queue   *QueueView `json:"queue,omitempty"`
}

// Error codes. Clients branch on Code, never on Error text.
const (
	CodeNotFound          = "not_found"
	CodeNotMatchable      = "not_matchable"
	CodeInvalidTransition = "invalid_transition"
	CodeLockContention    = "lock_contention"
	CodeDuplicatePair     = "duplicate_pair"
	CodeWindowExpired     = "window_expired"
	CodeWindowNotOpen     = "window_not_open"
	CodeRateLimited       = "rate_limited"
	CodeBadRequest        = "bad_request"
	CodeTransient         = "transient"
	CodeFatal             = "fatal"
)

// ErrRateLimited rejects spins that exceed the per-participant budget.
var ErrRateLimited = errors.New("spin rate limit exceeded")

var errBadRequest = errors.New("bad request")

func codeFor(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, storage.ErrNotMatchable):
		return CodeNotMatchable
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, storage.ErrLockContention):
		return CodeLockContention
	case errors.Is(err, storage.ErrDuplicatePair):
		return CodeDuplicatePair
	case errors.Is(err, votes.ErrWindowExpired):
		return CodeWindowExpired
	case errors.Is(err, votes.ErrWindowNotOpen):
		return CodeWindowNotOpen
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	case errors.Is(err, storage.ErrFatal):
		return CodeFatal
	default:
		var mismatch *storage.StateMismatchError
		if errors.As(err, &mismatch) {
			return CodeInvalidTransition
		}
		return CodeTransient
	}
}

func fail(err error) *Response {
	return &Response{OK: false, Code: codeFor(err), Error: err.Error()}
}

func matchView(m *storage.Match, pid uint64) *MatchView {
	lo := pid == m.Lo
	view := &MatchView{
		ID:        m.ID,
		Partner:   m.Other(pid),
		Status:    string(m.Status),
		Tier:      m.Tier,
		CreatedAt: m.CreatedAt,
		Outcome:   string(m.Outcome),
	}
	if lo {
		view.Acked, view.Revealed = m.AckLo, m.RevealLo
	} else {
		view.Acked, view.Revealed = m.AckHi, m.RevealHi
	}
	if !m.VoteExpiresAt.IsZero() {
		view.VoteExpiresAt = m.VoteExpiresAt
	}
	return view
}

func queueView(e *storage.QueueEntry, now time.Time) *QueueView {
	return &QueueView{
		JoinedAt: e.JoinedAt,
		WaitMs:   e.Wait(now).Milliseconds(),
		Fairness: e.Fairness,
		Stage:    e.Stage,
		Skips:    e.Skips,
	}
}
