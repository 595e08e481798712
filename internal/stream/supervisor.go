package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/mdingest/internal/net/circuit"
)

// ShardPlan describes one shard: a channel set and symbol set assigned
// to a bounded number of Conns (spec §4.3).
type ShardPlan struct {
	Name          string
	Channels      []string
	Symbols       []string
	TargetCount   int
	VenueWSBase   string
}

// subscriptions builds the combined-stream subscription list for one
// connection within this shard, cycling symbols across channels.
func (p ShardPlan) subscriptions() []string {
	subs := make([]string, 0, len(p.Symbols)*len(p.Channels))
	for _, sym := range p.Symbols {
		for _, ch := range p.Channels {
			name := ch
			if ch == "depth" {
				name = "depth@100ms"
			}
			subs = append(subs, fmt.Sprintf("%s@%s", sym, name))
		}
	}
	return subs
}

// shard is the runtime state for one ShardPlan: its connections, the
// gobreaker guarding reconnect attempts at the shard-health tier, and
// cancellation for rebalance/drain.
type shard struct {
	plan     ShardPlan
	cb       *gobreaker.CircuitBreaker
	breakers *circuit.Manager
	cancel   context.CancelFunc
	conns    []*Conn
	done     chan struct{}
}

// gobreakerShard adapts a *gobreaker.CircuitBreaker to the ShardBreaker
// interface each of the shard's Conns reports reconnect outcomes to.
// Record runs the breaker's own bookkeeping function with the observed
// error rather than the connection's whole Run loop, so every
// individual reconnect attempt - not just the one goroutine-lifetime
// Run() call - counts towards ConsecutiveFailures.
type gobreakerShard struct {
	cb *gobreaker.CircuitBreaker
}

func (g gobreakerShard) Record(err error) {
	_, _ = g.cb.Execute(func() (interface{}, error) { return nil, err })
}

func (g gobreakerShard) Open() bool {
	return g.cb.State() == gobreaker.StateOpen
}

// Supervisor partitions the symbol universe across Stream Clients by
// shard plan, restarts failed clients, and rebalances on configuration
// change (spec §4.3). It uses gobreaker at the shard-health tier
// (REDESIGN: the teacher's circuit breaker is hand-rolled only; we add
// gobreaker here and keep the hand-rolled breaker inside Conn for the
// finer per-connection tier) so a shard that keeps failing to restart
// its clients stops hammering the venue.
type Supervisor struct {
	handler Handler

	mu     sync.Mutex
	shards map[string]*shard
}

// NewSupervisor constructs an empty Supervisor. Call Apply to install
// the first plan.
func NewSupervisor(handler Handler) *Supervisor {
	return &Supervisor{
		handler: handler,
		shards:  make(map[string]*shard),
	}
}

// Apply computes a minimal diff against the current plan set and
// drains/creates shards accordingly (spec §4.3 rebalancing).
func (s *Supervisor) Apply(ctx context.Context, plans []ShardPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]ShardPlan, len(plans))
	for _, p := range plans {
		wanted[p.Name] = p
	}

	for name, sh := range s.shards {
		if _, ok := wanted[name]; !ok {
			s.drainShardLocked(sh)
			delete(s.shards, name)
		}
	}

	for name, plan := range wanted {
		if _, ok := s.shards[name]; ok {
			continue
		}
		s.shards[name] = s.startShardLocked(ctx, plan)
	}
}

func (s *Supervisor) startShardLocked(ctx context.Context, plan ShardPlan) *shard {
	shardCtx, cancel := context.WithCancel(ctx)

	st := gobreaker.Settings{
		Name:        plan.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("shard", name).Str("from", from.String()).Str("to", to.String()).Msg("shard circuit state change")
		},
	}

	sh := &shard{
		plan:     plan,
		cb:       gobreaker.NewCircuitBreaker(st),
		breakers: circuit.NewManager(),
		done:     make(chan struct{}),
	}
	sh.cancel = cancel

	for i := 0; i < plan.TargetCount; i++ {
		name := fmt.Sprintf("%s-%d", plan.Name, i)
		cfg := DefaultConfig()
		cfg.URL = plan.VenueWSBase
		cfg.Subscriptions = plan.subscriptions()

		sh.breakers.AddConnection(name, cfg.CircuitConfig)
		breaker, _ := sh.breakers.GetBreaker(name)

		conn := New(name, cfg, s.handler)
		conn.SetBreaker(breaker)
		conn.SetShardBreaker(gobreakerShard{cb: sh.cb})
		sh.conns = append(sh.conns, conn)

		go s.runConnWithLiveness(shardCtx, sh, conn)
	}

	return sh
}

// runConnWithLiveness restarts conn whenever Run returns while the
// shard is not draining. conn itself reports each reconnect failure to
// sh.cb via its attached ShardBreaker (see gobreakerShard), which is
// what actually trips the shard breaker; Run is only ever called here
// directly, never nested inside sh.cb.Execute, since Run already runs
// for the connection's entire lifetime and nesting would make every
// reconnect attempt inside it invisible to gobreaker's own bookkeeping.
func (s *Supervisor) runConnWithLiveness(ctx context.Context, sh *shard, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if sh.cb.State() == gobreaker.StateOpen {
			time.Sleep(time.Second)
			continue
		}

		if err := conn.Run(ctx); err != nil {
			log.Warn().Err(err).Str("shard", sh.plan.Name).Msg("stream connection exited, restarting")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Supervisor) drainShardLocked(sh *shard) {
	sh.cancel()
}

// UnhealthyConnections reports, per shard, the connections whose
// per-connection breaker (circuit.Manager) indicates degraded health -
// the Status operation's view into the tier below gobreaker's
// shard-wide trip (spec §4.8).
func (s *Supervisor) UnhealthyConnections() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string, len(s.shards))
	for name, sh := range s.shards {
		if unhealthy := sh.breakers.GetUnhealthyConnections(); len(unhealthy) > 0 {
			out[name] = unhealthy
		}
	}
	return out
}

// DegradedShards reports, per shard, whether a majority of its
// connections currently have an unhealthy per-connection breaker (spec
// §5: "when ... the store is unavailable ... a 'degraded' flag is
// published"; the same continuous-degradation signal applies on the
// ingress side when a shard's connections are individually struggling
// without gobreaker having tripped the whole shard). This is read by
// the control plane's Status operation alongside UnhealthyConnections,
// which lists names; this reports the one bool per shard a dashboard or
// alert would actually page on.
func (s *Supervisor) DegradedShards() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(s.shards))
	for name, sh := range s.shards {
		out[name] = sh.breakers.DegradedFraction() > 0.5
	}
	return out
}

// Shutdown cancels every shard and waits for a bounded drain deadline.
func (s *Supervisor) Shutdown(drainDeadline time.Duration) {
	s.mu.Lock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		sh.cancel()
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	time.Sleep(drainDeadline)
	_ = shards
}

// States returns the per-connection state snapshot for every shard, for
// the control plane's Status operation.
func (s *Supervisor) States() map[string][]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]State, len(s.shards))
	for name, sh := range s.shards {
		states := make([]State, len(sh.conns))
		for i, c := range sh.conns {
			states[i] = c.State()
		}
		out[name] = states
	}
	return out
}
