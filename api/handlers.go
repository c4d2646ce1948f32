package api

import (
	"context"
	"errors"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"cupid/configs"
	"cupid/heartbeat"
	"cupid/lifecycle"
	"cupid/matcher"
	"cupid/notify"
	"cupid/storage"
	"cupid/votes"
)

// Handler executes client operations against the core. One instance is
// shared by every connection; all state lives in the store.
type Handler struct {
	store   storage.Store
	dir     storage.Directory
	machine *lifecycle.Machine
	orch    *matcher.Orchestrator
	votes   *votes.Engine
	hb      *heartbeat.Manager
	broker  *notify.Broker
	limiter *catrate.Limiter
	logger  zerolog.Logger
}

func NewHandler(store storage.Store, dir storage.Directory, machine *lifecycle.Machine,
	orch *matcher.Orchestrator, voteEngine *votes.Engine, hb *heartbeat.Manager,
	broker *notify.Broker, logger zerolog.Logger) *Handler {
	return &Handler{
		store:   store,
		dir:     dir,
		machine: machine,
		orch:    orch,
		votes:   voteEngine,
		hb:      hb,
		broker:  broker,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: configs.SpinPerSecond,
			time.Minute: configs.SpinPerMinute,
		}),
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Handle dispatches one request. Subscribe is handled by the connection
// loop, not here.
func (h *Handler) Handle(ctx context.Context, req *Request) *Response {
	if req.PID == 0 {
		return fail(errBadRequest)
	}
	switch req.Op {
	case OpSpin:
		return h.Spin(ctx, req.PID)
	case OpLeaveQueue:
		return h.LeaveQueue(ctx, req.PID)
	case OpAck:
		return h.Ack(ctx, req.MatchID, req.PID)
	case OpRevealComplete:
		return h.RevealComplete(ctx, req.MatchID, req.PID)
	case OpVote:
		return h.Vote(ctx, req.MatchID, req.PID, req.Vote)
	case OpHeartbeat:
		return h.Heartbeat(ctx, req.PID)
	case OpLeave:
		return h.Leave(ctx, req.PID)
	case OpStatus:
		return h.Status(ctx, req.PID)
	default:
		return fail(errBadRequest)
	}
}

// Spin puts the participant into the pool and runs one immediate matching
// pass. When the pass pairs nobody the caller stays queued and the
// orchestrator keeps working in the background.
func (h *Handler) Spin(ctx context.Context, pid uint64) *Response {
	if _, ok := h.limiter.Allow(pid); !ok {
		return fail(ErrRateLimited)
	}
	if err := h.store.EnsureParticipant(ctx, pid); err != nil {
		return fail(err)
	}
	if err := h.hb.Bump(ctx, pid); err != nil {
		return fail(err)
	}
	p, err := h.store.GetParticipant(ctx, pid)
	if err != nil {
		return fail(err)
	}
	// A live pair or vote blocks a respin; spinning out of a video date
	// ends the date instead.
	if p.State == storage.StatePaired || p.State == storage.StateVoteActive {
		return fail(storage.ErrNotMatchable)
	}

	if p.State == storage.StateIdle || p.State == storage.StateVideoDate {
		if _, err := h.machine.Transition(ctx, pid,
			[]storage.State{storage.StateIdle, storage.StateVideoDate},
			storage.StateSpinActive, "spin"); err != nil {
			return fail(err)
		}
	}
	if err := h.enqueue(ctx, pid); err != nil {
		return fail(err)
	}

	match, err := h.orch.MatchOne(ctx, pid)
	if err == nil && match != nil {
		return &Response{OK: true, State: string(storage.StatePaired), Match: matchView(match, pid)}
	}
	if err != nil && !errors.Is(err, storage.ErrNotMatchable) {
		h.logger.Debug().Err(err).Uint64("pid", pid).Msg("immediate pass failed, staying queued")
	}
	entry, err := h.store.GetQueueEntry(ctx, pid)
	if err != nil {
		// Paired by a competing worker between the pass and the read.
		return h.Status(ctx, pid)
	}
	return &Response{OK: true, State: string(storage.StateQueueWaiting), Queue: queueView(entry, time.Now())}
}

// enqueue inserts the queue entry and settles the state on queue_waiting.
// Both writes are idempotent, so a respin refreshes nothing.
func (h *Handler) enqueue(ctx context.Context, pid uint64) error {
	narrowness := 0.5
	if profile, err := h.dir.Lookup(ctx, pid); err == nil {
		narrowness = matcher.Narrowness(profile)
	}
	if err := h.store.JoinQueue(ctx, &storage.QueueEntry{
		PID:        pid,
		JoinedAt:   time.Now(),
		Narrowness: narrowness,
	}); err != nil {
		return err
	}
	if _, err := h.machine.Transition(ctx, pid,
		[]storage.State{storage.StateSpinActive, storage.StateQueueWaiting},
		storage.StateQueueWaiting, "queued"); err != nil {
		// Do not leave a ghost row behind for a participant the state
		// machine refused to queue.
		_ = h.store.RemoveFromQueue(ctx, pid, "enqueue rolled back")
		return err
	}
	return nil
}

// LeaveQueue withdraws the queue entry without touching a live match; a
// participant who is not queueing gets an idempotent no-op.
func (h *Handler) LeaveQueue(ctx context.Context, pid uint64) *Response {
	p, err := h.store.GetParticipant(ctx, pid)
	if err != nil {
		return fail(err)
	}
	if err := h.store.RemoveFromQueue(ctx, pid, "left_queue"); err != nil {
		return fail(err)
	}
	switch p.State {
	case storage.StateIdle, storage.StateSpinActive, storage.StateQueueWaiting:
		if _, err := h.machine.Transition(ctx, pid,
			[]storage.State{storage.StateIdle, storage.StateSpinActive, storage.StateQueueWaiting},
			storage.StateIdle, "left_queue"); err != nil {
			return fail(err)
		}
		return &Response{OK: true, State: string(storage.StateIdle)}
	}
	return &Response{OK: true, State: string(p.State)}
}

func (h *Handler) Ack(ctx context.Context, matchID, pid uint64) *Response {
	m, err := h.votes.Ack(ctx, matchID, pid)
	if err != nil {
		return fail(err)
	}
	return &Response{OK: true, State: string(m.Status), Match: matchView(m, pid)}
}

func (h *Handler) RevealComplete(ctx context.Context, matchID, pid uint64) *Response {
	m, err := h.votes.RevealComplete(ctx, matchID, pid)
	if err != nil {
		return fail(err)
	}
	return &Response{OK: true, State: string(m.Status), Match: matchView(m, pid)}
}

func (h *Handler) Vote(ctx context.Context, matchID, pid uint64, vote string) *Response {
	var v storage.Vote
	switch vote {
	case string(storage.VoteYes):
		v = storage.VoteYes
	case string(storage.VotePass):
		v = storage.VotePass
	default:
		return fail(errBadRequest)
	}
	outcome, err := h.votes.CastVote(ctx, matchID, pid, v)
	if err != nil {
		return fail(err)
	}
	return &Response{OK: true, Outcome: string(outcome)}
}

func (h *Handler) Heartbeat(ctx context.Context, pid uint64) *Response {
	if err := h.hb.Bump(ctx, pid); err != nil {
		return fail(err)
	}
	p, err := h.store.GetParticipant(ctx, pid)
	if err != nil {
		return fail(err)
	}
	return &Response{OK: true, State: string(p.State)}
}

// Leave withdraws the participant: a live match is cancelled with the
// partner compensated as survivor, the queue entry is dropped, and the
// state settles on idle.
func (h *Handler) Leave(ctx context.Context, pid uint64) *Response {
	if match, err := h.store.LiveMatchFor(ctx, pid); err == nil {
		if err := h.votes.Cancel(ctx, match.ID, "participant left", match.Other(pid)); err != nil {
			return fail(err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fail(err)
	}
	if err := h.store.RemoveFromQueue(ctx, pid, "left"); err != nil {
		return fail(err)
	}
	// Any live state may settle on idle; a paired or voting leaver has just
	// had the match cancelled above.
	if _, err := h.machine.Transition(ctx, pid, nil, storage.StateIdle, "left"); err != nil {
		return fail(err)
	}
	return &Response{OK: true, State: string(storage.StateIdle)}
}

func (h *Handler) Status(ctx context.Context, pid uint64) *Response {
	p, err := h.store.GetParticipant(ctx, pid)
	if err != nil {
		return fail(err)
	}
	resp := &Response{OK: true, State: string(p.State)}
	if match, err := h.store.LiveMatchFor(ctx, pid); err == nil {
		resp.Match = matchView(match, pid)
	}
	if entry, err := h.store.GetQueueEntry(ctx, pid); err == nil {
		resp.Queue = queueView(entry, time.Now())
	}
	return resp
}

// Subscribe opens an event feed for the request's pid filter and streams
// batches through deliver until ctx ends.
func (h *Handler) Subscribe(ctx context.Context, req *Request, deliver func([]notify.Event) error) error {
	pids := req.PIDs
	if len(pids) == 0 && req.PID != 0 {
		pids = []uint64{req.PID}
	}
	feed, unsubscribe := h.broker.Subscribe(pids)
	defer unsubscribe()
	return notify.Dispatch(ctx, feed, deliver)
}
