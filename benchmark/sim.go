// Package benchmark drives the matchmaker core with a closed-loop swarm of
// simulated participants and reports pairing throughput and wait latency.
package benchmark

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/go-ycsb/pkg/generator"
	"github.com/rs/zerolog"

	"cupid/api"
	"cupid/configs"
	"cupid/guardian"
	"cupid/heartbeat"
	"cupid/lifecycle"
	"cupid/matcher"
	"cupid/notify"
	"cupid/storage"
	"cupid/utils"
	"cupid/votes"
)

// SimStmt owns one simulation run: an in-memory core, the client swarm,
// and the stat window.
type SimStmt struct {
	stat    *utils.Stat
	store   storage.Store
	handler *api.Handler
	cancel  context.CancelFunc
	stop    int32

	mu     sync.Mutex
	spinAt map[uint64]time.Time
}

type simClient struct {
	md   int
	from *SimStmt
	r    *rand.Rand
	zip  *generator.Zipfian
}

// genders used by the seeded population. Interests are wired so that every
// participant wants the other gender, which keeps tier filtering busy
// without starving the pool.
var simGenders = []storage.Gender{"f", "m"}

func seedProfiles(dir *storage.MemDirectory, r *rand.Rand) {
	for pid := uint64(1); pid <= uint64(configs.SimUsers); pid++ {
		g := simGenders[pid%2]
		want := simGenders[(pid+1)%2]
		age := 20 + r.Intn(20)
		dir.Seed(&storage.Profile{
			PID:           pid,
			Gender:        g,
			Interests:     []storage.Gender{want},
			Age:           age,
			AgeMin:        utils.Max(18, age-4),
			AgeMax:        age + 4,
			MaxDistanceKm: 20 + float64(r.Intn(80)),
			Lat:           31.2 + r.Float64()*0.5,
			Lng:           121.4 + r.Float64()*0.5,
		})
	}
}

// Run executes the simulation for configs.SimDuration and prints one
// summary line per second plus a final window.
func (stmt *SimStmt) Run(logger zerolog.Logger) {
	r := rand.New(rand.NewSource(1234))
	store := storage.NewMemStore()
	dir := storage.NewMemDirectory()
	seedProfiles(dir, r)

	broker := notify.NewBroker(logger)
	machine := lifecycle.NewMachine(store, nil, broker, logger)
	voteEngine := votes.NewEngine(store, dir, machine, nil, broker, logger)
	selector := matcher.NewSelector(store, dir, logger)
	creator := matcher.NewPairCreator(store, dir, machine, nil, broker, logger)
	orch := matcher.NewOrchestrator(store, dir, selector, creator, broker, logger)
	hb := heartbeat.NewManager(store, machine, voteEngine, nil, broker, logger)
	guard := guardian.New(store, dir, machine, voteEngine, nil, broker, logger)
	handler := api.NewHandler(store, dir, machine, orch, voteEngine, hb, broker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	stmt.stat = utils.NewStat()
	stmt.store = store
	stmt.handler = handler
	stmt.cancel = cancel
	stmt.spinAt = make(map[uint64]time.Time)

	go func() { _ = orch.Run(ctx) }()
	go func() { _ = hb.Run(ctx) }()
	go func() { _ = guard.Run(ctx) }()
	go stmt.watchOutcomes(ctx, broker)

	for i := 0; i < configs.SimClients; i++ {
		go stmt.startSimClient(i*11+13, i)
	}

	stmt.stat.Clear()
	deadline := time.Now().Add(configs.SimDuration)
	for time.Now().Before(deadline) {
		time.Sleep(time.Second)
		stmt.stat.Log()
		stmt.stat.Clear()
	}
	stmt.reportStuckWaiters(ctx, logger)
	stmt.Stop()
}

// reportStuckWaiters flags entries waiting well past the stage-3 horizon.
// With more than one compatible counterpart seeded per participant, a waiter
// stuck out here means the guaranteed-match tier is not doing its job.
func (stmt *SimStmt) reportStuckWaiters(ctx context.Context, logger zerolog.Logger) {
	entries, err := stmt.store.ListQueue(ctx)
	if err != nil {
		return
	}
	horizon := configs.ExpandStage2 + configs.ExpandStage3Extra + 2*configs.GuardianInterval
	now := time.Now()
	stuck := 0
	for _, e := range entries {
		if e.Wait(now) > horizon {
			stuck++
			logger.Warn().Uint64("pid", e.PID).Dur("wait", e.Wait(now)).Int("stage", e.Stage).
				Msg("waiter stuck past the guaranteed-match horizon")
		}
	}
	if stuck == 0 {
		logger.Info().Int("still_queued", len(entries)).Msg("no waiter stuck past the guaranteed-match horizon")
	}
}

// Stop halts the swarm and the background loops.
func (stmt *SimStmt) Stop() {
	atomic.StoreInt32(&stmt.stop, 1)
	if stmt.cancel != nil {
		stmt.cancel()
	}
	if stmt.store != nil {
		_ = stmt.store.Close(context.Background())
	}
}

func (stmt *SimStmt) Stopped() bool {
	return atomic.LoadInt32(&stmt.stop) != 0
}

// watchOutcomes records pairings and resolutions from the event feed; the
// spin-to-pair latency is measured per participant.
func (stmt *SimStmt) watchOutcomes(ctx context.Context, broker *notify.Broker) {
	feed, unsubscribe := broker.Subscribe(nil)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			switch ev.Type {
			case notify.EventMatchCreated:
				now := time.Now()
				stmt.mu.Lock()
				for _, pid := range []uint64{ev.PID, ev.Partner} {
					if began, ok := stmt.spinAt[pid]; ok {
						stmt.stat.Append(&utils.Info{Matched: true, Latency: now.Sub(began)})
						delete(stmt.spinAt, pid)
					}
				}
				stmt.mu.Unlock()
			case notify.EventOutcomeResolved:
				stmt.stat.Append(&utils.Info{Outcome: ev.Outcome})
			}
		}
	}
}

// startSimClient runs one closed-loop client: pick a participant with the
// configured skew, advance whatever step its state calls for, think, and
// loop.
func (stmt *SimStmt) startSimClient(seed int, md int) {
	client := simClient{md: md, from: stmt}
	client.r = rand.New(rand.NewSource(int64(seed)*11 + 31))
	client.zip = generator.NewZipfianWithRange(1, int64(configs.SimUsers), configs.SimSkewness)
	ctx := context.Background()
	for !stmt.Stopped() {
		pid := uint64(client.zip.Next(client.r))
		client.step(ctx, pid)
		time.Sleep(configs.SimThinkTime)
	}
}

// step drives pid one move forward based on its reported status.
func (c *simClient) step(ctx context.Context, pid uint64) {
	status := c.from.handler.Status(ctx, pid)
	if !status.OK {
		// First contact; spin creates the participant.
		c.spin(ctx, pid)
		return
	}
	switch storage.State(status.State) {
	case storage.StateIdle, storage.StateVideoDate:
		c.spin(ctx, pid)
	case storage.StateQueueWaiting, storage.StateSpinActive:
		c.from.handler.Heartbeat(ctx, pid)
	case storage.StatePaired:
		if status.Match == nil {
			c.from.handler.Heartbeat(ctx, pid)
			return
		}
		if !status.Match.Acked {
			c.from.handler.Ack(ctx, status.Match.ID, pid)
		} else if !status.Match.Revealed {
			c.from.handler.RevealComplete(ctx, status.Match.ID, pid)
		} else {
			c.from.handler.Heartbeat(ctx, pid)
		}
	case storage.StateVoteActive:
		if status.Match == nil {
			c.from.handler.Heartbeat(ctx, pid)
			return
		}
		vote := string(storage.VotePass)
		if c.r.Float64() < configs.SimYesRate {
			vote = string(storage.VoteYes)
		}
		c.from.handler.Vote(ctx, status.Match.ID, pid, vote)
	default:
		c.from.handler.Heartbeat(ctx, pid)
	}
}

func (c *simClient) spin(ctx context.Context, pid uint64) {
	began := time.Now()
	resp := c.from.handler.Spin(ctx, pid)
	if !resp.OK {
		return
	}
	if resp.Match != nil {
		c.from.stat.Append(&utils.Info{Matched: true, Tier: resp.Match.Tier, Latency: time.Since(began)})
		return
	}
	c.from.mu.Lock()
	if _, ok := c.from.spinAt[pid]; !ok {
		c.from.spinAt[pid] = began
	}
	c.from.mu.Unlock()
}
